// SPDX-License-Identifier: MIT
// Copyright (c) 2026 Andrey Akinshin
// Source: github.com/AndreyAkinshin/zesven

package zesven

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/woozymasta/pathrules"
)

// writtenFolder records one emitted folder's layout for header encoding.
type writtenFolder struct {
	// coders, binds, packed, unpackSizes mirror the on-disk folder layout.
	coders      []coder
	binds       []bindPair
	packed      []int
	unpackSizes []uint64
	// packSizes holds the emitted pack stream sizes, one per pack slot.
	packSizes []uint64
	// crc is the CRC of the folder's final unpack stream when known.
	crc    uint32
	hasCRC bool
	// fileSizes and fileCRCs describe the folder's substreams in order.
	fileSizes  []uint64
	fileCRCs   []uint32
	fileHasCRC []bool
}

// writtenEntry is one archive entry in final emission order.
type writtenEntry struct {
	path      string
	mtime     FileTime
	attrs     uint32
	size      uint64
	crc       uint32
	hasStream bool
	isDir     bool
	isAnti    bool
}

// packState accumulates writer output across folders.
type packState struct {
	out        io.WriteSeeker
	opts       *WriteOptions
	folders    []writtenFolder
	entries    []writtenEntry
	packOffset int64
	original   int64
}

// Pack writes a 7z archive to out from the given inputs.
// Inputs are sorted by path for deterministic output. The signature header is
// patched by a final seek to offset zero.
func Pack(ctx context.Context, out io.WriteSeeker, inputs []Input, opts WriteOptions) (*PackResult, error) {
	if out == nil {
		return nil, ErrNilWriter
	}
	if len(inputs) == 0 {
		return nil, ErrEmptyInputs
	}
	if ctx == nil {
		ctx = context.Background()
	}

	opts.applyDefaults()
	startedAt := time.Now()

	plan, err := preparePackPlan(inputs)
	if err != nil {
		return nil, err
	}

	matcher, err := newCompressMatcher(opts.CompressRules, opts.CompressMatcherOptions)
	if err != nil {
		return nil, err
	}

	state := &packState{out: out, opts: &opts}

	var placeholder [signatureHeaderSize]byte
	if _, err := out.Write(placeholder[:]); err != nil {
		return nil, fmt.Errorf("write signature placeholder: %w", err)
	}

	if err := state.writeFolders(ctx, plan, matcher); err != nil {
		return nil, err
	}

	headerBytes, err := state.finishHeader()
	if err != nil {
		return nil, err
	}

	res := &PackResult{
		WrittenEntries: len(state.entries),
		Folders:        len(state.folders),
		PackedBytes:    state.packOffset,
		OriginalBytes:  state.original,
		HeaderBytes:    int64(len(headerBytes)),
		Duration:       time.Since(startedAt),
	}

	return res, nil
}

// PackFile writes a 7z archive to outPath, splitting into volumes when
// requested by WriteOptions.SplitVolumeSize.
func PackFile(ctx context.Context, outPath string, inputs []Input, opts WriteOptions) (*PackResult, error) {
	if opts.SplitVolumeSize > 0 {
		vw, err := newVolumeWriter(outPath, opts.SplitVolumeSize)
		if err != nil {
			return nil, err
		}

		res, packErr := Pack(ctx, vw, inputs, opts)
		closeErr := vw.Close()
		if packErr != nil {
			return nil, packErr
		}
		if closeErr != nil {
			return nil, fmt.Errorf("close volumes: %w", closeErr)
		}

		return res, nil
	}

	f, err := os.OpenFile(outPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create archive: %w", err)
	}
	defer func() {
		if f != nil {
			_ = f.Close()
		}
	}()

	res, err := Pack(ctx, f, inputs, opts)
	if err != nil {
		return nil, err
	}

	// Dropped empty folders can leave stale bytes past the archive end.
	if end, err := f.Seek(0, io.SeekCurrent); err == nil {
		_ = f.Truncate(end)
	}

	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("sync archive: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}
	f = nil

	return res, nil
}

// preparePackPlan normalizes and sorts pack inputs.
func preparePackPlan(inputs []Input) ([]Input, error) {
	sorted := make([]Input, len(inputs))
	copy(sorted, inputs)

	for i := range sorted {
		normalized, err := NormalizeEntryPath(sorted[i].Path)
		if err != nil {
			return nil, err
		}

		sorted[i].Path = normalized
	}

	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Path < sorted[j].Path
	})

	seen := make(map[string]string, len(sorted))
	for i := range sorted {
		key := archivePathKey(sorted[i].Path)
		if existing, ok := seen[key]; ok {
			return nil, fmt.Errorf("%w: %q conflicts with %q", ErrDuplicateEntryPath, sorted[i].Path, existing)
		}

		seen[key] = sorted[i].Path
	}

	return sorted, nil
}

// compressMatcher holds compiled path rules for compression candidate selection.
type compressMatcher struct {
	matcher *pathrules.Matcher
}

// newCompressMatcher compiles compression path rules; an empty set matches all.
func newCompressMatcher(rules []pathrules.Rule, opts pathrules.MatcherOptions) (*compressMatcher, error) {
	if len(rules) == 0 {
		return nil, nil
	}

	matcher, err := pathrules.NewMatcher(rules, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCompressPattern, err)
	}

	return &compressMatcher{matcher: matcher}, nil
}

// Match reports whether path enters the compression path.
func (m *compressMatcher) Match(path string) bool {
	if m == nil || m.matcher == nil {
		return true
	}

	return m.matcher.Included(path, false)
}

// folderGroup is one planned folder: consecutive stream inputs sharing a method.
type folderGroup struct {
	inputs   []Input
	compress bool
}

// writeFolders partitions inputs into folders and streams their payloads.
func (s *packState) writeFolders(ctx context.Context, plan []Input, matcher *compressMatcher) error {
	var groups []folderGroup
	var current *folderGroup
	var currentSize int64

	flush := func() {
		if current != nil && len(current.inputs) > 0 {
			groups = append(groups, *current)
		}

		current = nil
		currentSize = 0
	}

	for _, in := range plan {
		if in.IsDir || in.Anti || in.Open == nil {
			s.entries = append(s.entries, writtenEntry{
				path:   in.Path,
				mtime:  inputFileTime(in.ModTime),
				attrs:  in.Attributes,
				isDir:  in.IsDir && !in.Anti,
				isAnti: in.Anti,
			})
			continue
		}

		compress := s.opts.Method != MethodCopy && matcher.Match(in.Path)
		solid := s.opts.Solid != SolidOff

		switch {
		case current == nil, !solid, current.compress != compress:
			flush()
			current = &folderGroup{compress: compress}
		case s.opts.Solid == SolidBlock && in.SizeHint > 0 && currentSize+in.SizeHint > s.opts.SolidBlockSize:
			flush()
			current = &folderGroup{compress: compress}
		}

		current.inputs = append(current.inputs, in)
		currentSize += in.SizeHint
	}
	flush()

	for i := range groups {
		if err := ctx.Err(); err != nil {
			return ErrCancelled
		}

		if err := s.writeFolder(ctx, &groups[i]); err != nil {
			return err
		}
	}

	return nil
}

// inputFileTime converts an input timestamp, zero time mapping to absent.
func inputFileTime(t time.Time) FileTime {
	if t.IsZero() {
		return 0
	}

	return FileTimeFromTime(t)
}

// writeFolder compresses one folder group into the pack region and records
// its layout. Folders whose payload turns out empty are dropped and their
// files demoted to empty entries.
func (s *packState) writeFolder(ctx context.Context, group *folderGroup) error {
	folderStart, err := s.out.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("seek folder start: %w", err)
	}

	opts := *s.opts
	if !group.compress {
		opts.Method = MethodCopy
		opts.PreFilter = FilterNone
	}

	filterID, filterProps, filterEncode, err := filterFor(&opts)
	if err != nil {
		return err
	}

	packed := &countWriter{dst: s.out}

	// Encryption wraps the codec output when a password is set.
	var encWriter *aesEncryptWriter
	var codecDst io.Writer = packed
	var aesProps []byte
	if opts.Password != "" {
		salt, iv := opts.Salt, opts.IV
		if salt == nil && iv == nil {
			var generated [aesBlockSize]byte
			salt, generated, err = randomNonce(8)
			if err != nil {
				return fmt.Errorf("generate nonce: %w", err)
			}
			iv = generated[:]
		}

		var ivBlock [aesBlockSize]byte
		copy(ivBlock[:], iv)

		key, err := deriveKey(opts.Password, salt, opts.KeyCyclesPower)
		if err != nil {
			return err
		}

		encWriter, err = newAESEncryptWriter(packed, key, ivBlock)
		if err != nil {
			return err
		}

		codecDst = encWriter
		aesProps = encodeAESProperties(opts.KeyCyclesPower, salt, iv)
	}

	compressedCount := &countWriter{dst: codecDst}
	codecWriter, codecID, codecProps, err := compressorFor(&opts, compressedCount)
	if err != nil {
		return err
	}

	folderCRC := &crcWriter{}
	var payloadDst io.Writer = io.MultiWriter(codecWriter, folderCRC)

	// Filters need the whole folder payload; buffer, transform, then compress.
	var filterBuf *bytes.Buffer
	if filterEncode != nil {
		filterBuf = &bytes.Buffer{}
		payloadDst = io.MultiWriter(filterBuf, folderCRC)
	}

	wf := writtenFolder{}
	var folderSize uint64
	files := make([]writtenEntry, 0, len(group.inputs))

	for _, in := range group.inputs {
		if err := ctx.Err(); err != nil {
			return ErrCancelled
		}

		fileCRC := &crcWriter{}
		n, err := copyInput(in, io.MultiWriter(payloadDst, fileCRC))
		if err != nil {
			return err
		}

		folderSize += uint64(n)
		wf.fileSizes = append(wf.fileSizes, uint64(n))
		wf.fileCRCs = append(wf.fileCRCs, fileCRC.Sum32())
		wf.fileHasCRC = append(wf.fileHasCRC, true)
		files = append(files, writtenEntry{
			path:      in.Path,
			mtime:     inputFileTime(in.ModTime),
			attrs:     in.Attributes,
			size:      uint64(n),
			crc:       fileCRC.Sum32(),
			hasStream: true,
		})

		if s.opts.OnEntryDone != nil {
			s.opts.OnEntryDone(in.Path, packed.n, n)
		}
	}

	if folderSize == 0 {
		// Nothing to pack: rewind and demote every file to an empty entry.
		if _, err := s.out.Seek(folderStart, io.SeekStart); err != nil {
			return fmt.Errorf("rewind empty folder: %w", err)
		}

		for i := range files {
			files[i].hasStream = false
		}
		s.entries = append(s.entries, files...)

		return nil
	}

	if filterEncode != nil {
		data := filterBuf.Bytes()
		filterEncode(data)
		if _, err := codecWriter.Write(data); err != nil {
			return fmt.Errorf("write filtered payload: %w", err)
		}
	}

	if err := codecWriter.Close(); err != nil {
		return fmt.Errorf("close compressor: %w", err)
	}
	if encWriter != nil {
		if err := encWriter.Close(); err != nil {
			return fmt.Errorf("close encryptor: %w", err)
		}
	}

	// Assemble the on-disk coder chain in decode order.
	wf.crc = folderCRC.Sum32()
	wf.hasCRC = true
	wf.packSizes = []uint64{uint64(packed.n)}

	codecCoder := coder{methodID: codecID, properties: codecProps, numIn: 1, numOut: 1}
	switch {
	case filterID == nil && aesProps == nil:
		wf.coders = []coder{codecCoder}
		wf.packed = []int{0}
		wf.unpackSizes = []uint64{folderSize}
	case filterID != nil && aesProps == nil:
		filterCoder := coder{methodID: filterID, properties: filterProps, numIn: 1, numOut: 1}
		wf.coders = []coder{filterCoder, codecCoder}
		wf.binds = []bindPair{{inIndex: 0, outIndex: 1}}
		wf.packed = []int{1}
		wf.unpackSizes = []uint64{folderSize, folderSize}
	case filterID == nil:
		aesCoder := coder{methodID: methodAES256, properties: aesProps, numIn: 1, numOut: 1}
		wf.coders = []coder{codecCoder, aesCoder}
		wf.binds = []bindPair{{inIndex: 0, outIndex: 1}}
		wf.packed = []int{1}
		wf.unpackSizes = []uint64{folderSize, uint64(compressedCount.n)}
	default:
		filterCoder := coder{methodID: filterID, properties: filterProps, numIn: 1, numOut: 1}
		aesCoder := coder{methodID: methodAES256, properties: aesProps, numIn: 1, numOut: 1}
		wf.coders = []coder{filterCoder, codecCoder, aesCoder}
		wf.binds = []bindPair{{inIndex: 0, outIndex: 1}, {inIndex: 1, outIndex: 2}}
		wf.packed = []int{2}
		wf.unpackSizes = []uint64{folderSize, folderSize, uint64(compressedCount.n)}
	}

	s.folders = append(s.folders, wf)
	s.entries = append(s.entries, files...)
	s.packOffset += packed.n
	s.original += int64(folderSize)

	return nil
}

// copyInput streams one input payload into dst.
func copyInput(in Input, dst io.Writer) (int64, error) {
	rc, err := in.Open()
	if err != nil {
		return 0, fmt.Errorf("open input %s: %w", in.Path, err)
	}

	n, copyErr := io.Copy(dst, rc)
	closeErr := rc.Close()
	if copyErr != nil {
		return n, fmt.Errorf("stream input %s: %w", in.Path, copyErr)
	}
	if closeErr != nil {
		return n, fmt.Errorf("close input %s: %w", in.Path, closeErr)
	}

	return n, nil
}

// countWriter tallies bytes written through it.
type countWriter struct {
	dst io.Writer
	n   int64
}

// Write implements io.Writer.
func (c *countWriter) Write(p []byte) (int, error) {
	n, err := c.dst.Write(p)
	c.n += int64(n)

	return n, err
}

// finishHeader encodes the header, optionally wraps it into an encoded
// envelope, and patches the signature header at offset zero.
func (s *packState) finishHeader() ([]byte, error) {
	plain, err := encodePlainHeader(s)
	if err != nil {
		return nil, err
	}

	headerBytes := plain
	if s.opts.EncryptHeader && s.opts.Password != "" || s.opts.CompressHeader {
		encoded, err := s.encodeHeaderEnvelope(plain)
		if err != nil {
			return nil, err
		}
		if encoded != nil {
			headerBytes = encoded
		}
	}

	headerPos := int64(signatureHeaderSize) + s.packOffset
	if _, err := s.out.Seek(headerPos, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek header position: %w", err)
	}
	if _, err := s.out.Write(headerBytes); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}

	var sig [signatureHeaderSize]byte
	copy(sig[:6], signature[:])
	sig[6] = versionMajor
	sig[7] = versionMinor
	putLeUint64(sig[12:20], uint64(s.packOffset))
	putLeUint64(sig[20:28], uint64(len(headerBytes)))
	putLeUint32(sig[28:32], crc32Compute(headerBytes))
	putLeUint32(sig[8:12], crc32Compute(sig[12:32]))

	if _, err := s.out.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek signature: %w", err)
	}
	if _, err := s.out.Write(sig[:]); err != nil {
		return nil, fmt.Errorf("patch signature header: %w", err)
	}

	end := headerPos + int64(len(headerBytes))
	if _, err := s.out.Seek(end, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek archive end: %w", err)
	}

	return headerBytes, nil
}

// encodeHeaderEnvelope compresses (and optionally encrypts) the plain header
// and returns the 0x17 encoded-header bytes, appending the packed header data
// to the pack region. A nil result means the envelope saved nothing.
func (s *packState) encodeHeaderEnvelope(plain []byte) ([]byte, error) {
	headerPackPos := uint64(s.packOffset)
	encrypt := s.opts.EncryptHeader && s.opts.Password != ""

	var packedBuf bytes.Buffer
	packed := &countWriter{dst: &packedBuf}

	var encWriter *aesEncryptWriter
	var codecDst io.Writer = packed
	var aesProps []byte
	if encrypt {
		salt, iv, err := randomNonce(8)
		if err != nil {
			return nil, fmt.Errorf("generate nonce: %w", err)
		}

		key, err := deriveKey(s.opts.Password, salt, s.opts.KeyCyclesPower)
		if err != nil {
			return nil, err
		}

		encWriter, err = newAESEncryptWriter(packed, key, iv)
		if err != nil {
			return nil, err
		}

		codecDst = encWriter
		aesProps = encodeAESProperties(s.opts.KeyCyclesPower, salt, iv[:])
	}

	lzmaOpts := WriteOptions{Method: MethodLZMA2, Level: 5}
	lzmaOpts.applyDefaults()

	compressedCount := &countWriter{dst: codecDst}
	codecWriter, codecID, codecProps, err := compressorFor(&lzmaOpts, compressedCount)
	if err != nil {
		return nil, err
	}

	if _, err := codecWriter.Write(plain); err != nil {
		return nil, fmt.Errorf("compress header: %w", err)
	}
	if err := codecWriter.Close(); err != nil {
		return nil, fmt.Errorf("close header compressor: %w", err)
	}
	if encWriter != nil {
		if err := encWriter.Close(); err != nil {
			return nil, fmt.Errorf("close header encryptor: %w", err)
		}
	}

	if !encrypt && packed.n >= int64(len(plain)) {
		return nil, nil
	}

	// Append the packed header as one more pack stream.
	headerPos := int64(signatureHeaderSize) + s.packOffset
	if _, err := s.out.Seek(headerPos, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek header pack position: %w", err)
	}
	if _, err := s.out.Write(packedBuf.Bytes()); err != nil {
		return nil, fmt.Errorf("write packed header: %w", err)
	}
	s.packOffset += packed.n

	hf := writtenFolder{
		packSizes: []uint64{uint64(packed.n)},
		crc:       crc32Compute(plain),
		hasCRC:    true,
	}

	codecCoder := coder{methodID: codecID, properties: codecProps, numIn: 1, numOut: 1}
	if encrypt {
		aesCoder := coder{methodID: methodAES256, properties: aesProps, numIn: 1, numOut: 1}
		hf.coders = []coder{codecCoder, aesCoder}
		hf.binds = []bindPair{{inIndex: 0, outIndex: 1}}
		hf.packed = []int{1}
		hf.unpackSizes = []uint64{uint64(len(plain)), uint64(compressedCount.n)}
	} else {
		hf.coders = []coder{codecCoder}
		hf.packed = []int{0}
		hf.unpackSizes = []uint64{uint64(len(plain))}
	}

	var buf bytes.Buffer
	buf.WriteByte(idEncodedHeader)
	if err := encodeStreamsInfo(&buf, headerPackPos, []writtenFolder{hf}, false); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// encodePlainHeader serializes the main header in ascending property order.
func encodePlainHeader(s *packState) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(idHeader)

	if len(s.folders) > 0 {
		buf.WriteByte(idMainStreamsInfo)
		if err := encodeStreamsInfo(&buf, 0, s.folders, true); err != nil {
			return nil, err
		}
	}

	if err := encodeFilesInfo(&buf, s.entries, s.opts.Comment); err != nil {
		return nil, err
	}

	buf.WriteByte(idEnd)

	return buf.Bytes(), nil
}
