// SPDX-License-Identifier: MIT
// Copyright (c) 2026 Andrey Akinshin
// Source: github.com/AndreyAkinshin/zesven

package zesven

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Reader provides read-only access to a parsed 7z archive.
type Reader struct {
	// src is the logical archive byte source, SFX-adjusted.
	src ByteSource
	// file is set when Reader owns an *os.File opened via Open.
	file *os.File
	// volumes is set when Reader owns an opened volume set.
	volumes *VolumeSet
	// sig is the parsed signature header.
	sig *signatureHeader
	// header is the parsed main header.
	header *mainHeader
	// entries stores parsed immutable entry metadata.
	entries []FileEntry
	// folderFirstPack maps folder index to its first global pack stream.
	folderFirstPack []int
	// folderStreams maps folder index to its first global substream index.
	folderStreams []int
	// opts are the applied reader options.
	opts ReaderOptions
	// keys caches derived AES keys across folders.
	keys *keyCache
	// sfxOffset is the discovered base offset of the signature.
	sfxOffset int64
	// mu guards closed state.
	mu sync.Mutex
	// closed reports whether Close was already called.
	closed bool
}

// Open opens a 7z file by path and parses its headers.
func Open(path string) (*Reader, error) {
	return OpenWithOptions(path, ReaderOptions{})
}

// OpenWithOptions opens a 7z file by path using explicit reader options.
func OpenWithOptions(path string, opts ReaderOptions) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat archive: %w", err)
	}

	r, err := NewReaderFromSource(NewReaderAtSource(f, fi.Size()), opts)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	r.file = f

	return r, nil
}

// OpenVolumes opens a multi-volume archive from its `.7z.001` path.
func OpenVolumes(firstVolume string, opts ReaderOptions) (*Reader, error) {
	set, err := OpenVolumeSet(firstVolume)
	if err != nil {
		return nil, err
	}

	r, err := NewReaderFromSource(set, opts)
	if err != nil {
		_ = set.Close()
		return nil, err
	}

	r.volumes = set

	return r, nil
}

// NewReaderFromReaderAt parses an archive from an existing ReaderAt and known size.
func NewReaderFromReaderAt(ra io.ReaderAt, size int64, opts ReaderOptions) (*Reader, error) {
	return NewReaderFromSource(NewReaderAtSource(ra, size), opts)
}

// NewReaderFromBytes parses an in-memory archive.
func NewReaderFromBytes(data []byte, opts ReaderOptions) (*Reader, error) {
	return NewReaderFromSource(NewBytesSource(data), opts)
}

// NewReaderFromSource parses an archive from a ByteSource, discovering the
// SFX base offset when the signature is not at offset zero.
func NewReaderFromSource(src ByteSource, opts ReaderOptions) (*Reader, error) {
	opts.applyDefaults()

	base, err := FindSignature(src)
	if err != nil {
		return nil, err
	}
	if base < 0 {
		return nil, fmt.Errorf("%w: no signature found", ErrInvalidArchive)
	}

	r := &Reader{
		src:       newOffsetSource(src, base),
		opts:      opts,
		keys:      newKeyCache(),
		sfxOffset: base,
	}
	if err := r.parse(); err != nil {
		return nil, err
	}

	return r, nil
}

// parse reads signature and main headers and builds the entry table.
func (r *Reader) parse() error {
	sig, err := parseSignatureHeader(r.src)
	if err != nil {
		return err
	}
	r.sig = sig

	if sig.nextHeaderSize == 0 {
		r.header = &mainHeader{}
		return nil
	}

	if sig.nextHeaderSize > r.opts.Limits.MaxHeaderBytes {
		return limitErrorf(LimitHeaderSize, "next header is %d bytes", sig.nextHeaderSize)
	}

	headerData := make([]byte, sig.nextHeaderSize)
	headerPos := int64(signatureHeaderSize) + int64(sig.nextHeaderOffset)
	if err := readFullAt(r.src, headerData, headerPos); err != nil {
		return err
	}

	if crc32Compute(headerData) != sig.nextHeaderCRC {
		return fmt.Errorf("%w: next header CRC mismatch", ErrCorruptData)
	}

	parser := &headerParser{
		limits:   &r.opts.Limits,
		password: r.opts.Password,
		keys:     r.keys,
	}

	header, err := parser.parseMainHeader(headerData, r.src)
	if err != nil {
		return err
	}
	r.header = header

	return r.finalizeEntries()
}

// finalizeEntries assigns sizes, digests, and folder coordinates to entries.
func (r *Reader) finalizeEntries() error {
	h := r.header
	si := h.streams

	// Pack region must stay inside the next-header offset.
	if si != nil && si.pack != nil {
		end := si.pack.packPos + si.pack.totalPackedSize()
		if end > r.sig.nextHeaderOffset {
			return fmt.Errorf("%w: pack region overlaps header", ErrInvalidArchive)
		}
	}

	if si != nil && si.subStreams == nil {
		// Default substream layout: one file per folder.
		ss := &subStreamsInfo{numUnpackStreams: make([]int, len(si.folders))}
		for i, fo := range si.folders {
			ss.numUnpackStreams[i] = 1
			ss.sizes = append(ss.sizes, fo.finalUnpackSize())
			ss.digests = append(ss.digests, fo.unpackCRC)
			ss.hasDigests = append(ss.hasDigests, fo.hasUnpackCRC)
		}

		si.subStreams = ss
	}

	if si != nil {
		r.folderFirstPack = make([]int, len(si.folders))
		r.folderStreams = make([]int, len(si.folders))
		pack, stream := 0, 0
		for i, fo := range si.folders {
			r.folderFirstPack[i] = pack
			r.folderStreams[i] = stream
			pack += len(fo.packedStreams)
			stream += si.subStreams.numUnpackStreams[i]
		}
	}

	entries := h.entries
	if entries == nil && si != nil && si.subStreams.totalStreams() > 0 {
		// Headers without FilesInfo still describe anonymous streams.
		entries = make([]FileEntry, si.subStreams.totalStreams())
		for i := range entries {
			entries[i].HasStream = true
		}
	}

	streamIdx := 0
	totalStreams := 0
	if si != nil {
		totalStreams = si.subStreams.totalStreams()
	}

	for i := range entries {
		entries[i].Path = strings.ReplaceAll(entries[i].Path, `\`, `/`)
		entries[i].folder = -1

		if !entries[i].HasStream {
			continue
		}

		if streamIdx >= totalStreams {
			return fmt.Errorf("%w: more stream entries than substreams", ErrInvalidArchive)
		}

		folderIdx := r.folderOfStream(streamIdx)
		if folderIdx < 0 {
			return fmt.Errorf("%w: substream %d outside folders", ErrInvalidArchive, streamIdx)
		}

		entries[i].folder = folderIdx
		entries[i].substream = streamIdx - r.folderStreams[folderIdx]
		entries[i].streamIndex = streamIdx
		entries[i].Size = si.subStreams.sizes[streamIdx]
		if si.subStreams.hasDigests != nil && streamIdx < len(si.subStreams.hasDigests) {
			entries[i].HasCRC = si.subStreams.hasDigests[streamIdx]
			entries[i].CRC32 = si.subStreams.digests[streamIdx]
		}

		if entries[i].Size > r.opts.Limits.MaxEntryUnpacked {
			return limitErrorf(LimitEntryUnpacked, "entry %q declares %d bytes", entries[i].Path, entries[i].Size)
		}

		streamIdx++
	}

	if streamIdx != totalStreams {
		return fmt.Errorf("%w: %d stream entries for %d substreams", ErrInvalidArchive, streamIdx, totalStreams)
	}

	if err := checkDuplicatePaths(entries, r.opts.PathPolicy); err != nil {
		return err
	}

	r.entries = entries

	return nil
}

// folderOfStream maps a global substream index to its folder.
func (r *Reader) folderOfStream(stream int) int {
	si := r.header.streams
	for i := range si.folders {
		start := r.folderStreams[i]
		if stream >= start && stream < start+si.subStreams.numUnpackStreams[i] {
			return i
		}
	}

	return -1
}

// Entries returns a copy of parsed entries.
func (r *Reader) Entries() []FileEntry {
	if r == nil {
		return nil
	}

	entries := make([]FileEntry, len(r.entries))
	copy(entries, r.entries)

	return entries
}

// Comment returns the archive comment, empty when absent.
func (r *Reader) Comment() string {
	if r == nil || r.header == nil {
		return ""
	}

	return r.header.comment
}

// HeaderEncrypted reports whether the archive header required a password.
func (r *Reader) HeaderEncrypted() bool {
	return r != nil && r.header != nil && r.header.headerEncrypted
}

// SFXOffset returns the discovered base offset of the 7z signature.
func (r *Reader) SFXOffset() int64 {
	if r == nil {
		return 0
	}

	return r.sfxOffset
}

// Close closes the underlying file or volume set if the reader owns one.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	if r.file != nil {
		return r.file.Close()
	}
	if r.volumes != nil {
		return r.volumes.Close()
	}

	return nil
}

// isClosed reports the closed state.
func (r *Reader) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.closed
}

// folderReader builds the decode pipeline for one folder.
func (r *Reader) folderReader(folderIdx int) (io.Reader, error) {
	return r.folderReaderLimits(folderIdx, &r.opts.Limits)
}

// folderReaderLimits builds the decode pipeline for one folder with explicit limits.
func (r *Reader) folderReaderLimits(folderIdx int, limits *ResourceLimits) (io.Reader, error) {
	si := r.header.streams
	if si == nil || folderIdx < 0 || folderIdx >= len(si.folders) {
		return nil, fmt.Errorf("%w: folder %d out of range", ErrInvalidArchive, folderIdx)
	}

	fo := si.folders[folderIdx]
	packs, err := folderPackReaders(fo, si.pack, r.folderFirstPack[folderIdx], r.src, signatureHeaderSize)
	if err != nil {
		return nil, err
	}

	cfg := pipelineConfig{limits: limits, password: r.opts.Password, keys: r.keys}

	return newFolderReader(fo, packs, cfg)
}

// entrySubstreamReader positions the folder stream at the entry's substream.
// Preceding substream bytes are decoded and discarded.
func (r *Reader) entrySubstreamReader(entry *FileEntry, buf []byte) (io.Reader, error) {
	fr, err := r.folderReader(entry.folder)
	if err != nil {
		return nil, err
	}

	si := r.header.streams
	first := r.folderStreams[entry.folder]
	var skip uint64
	for s := first; s < entry.streamIndex; s++ {
		skip += si.subStreams.sizes[s]
	}

	if err := discardN(fr, skip, buf); err != nil {
		return nil, err
	}

	return &substreamReader{
		src:       fr,
		remaining: entry.Size,
		wantCRC:   entry.CRC32,
		hasCRC:    entry.HasCRC,
		encrypted: si.folders[entry.folder].usesMethod(methodAES256),
	}, nil
}

// findEntryByName resolves one entry by normalized path.
func (r *Reader) findEntryByName(name string) *FileEntry {
	lookup := strings.ReplaceAll(strings.TrimSpace(name), `\`, `/`)
	for i := range r.entries {
		if r.entries[i].Path == lookup {
			return &r.entries[i]
		}
	}

	return nil
}

// OpenEntry opens the named entry for reading. For entries inside solid
// folders, preceding substreams are decoded and discarded.
func (r *Reader) OpenEntry(name string) (io.Reader, error) {
	if r == nil || r.src == nil {
		return nil, ErrNilReader
	}
	if r.isClosed() {
		return nil, ErrClosed
	}

	entry := r.findEntryByName(name)
	if entry == nil {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, name)
	}
	if !entry.HasStream {
		return strings.NewReader(""), nil
	}

	return r.entrySubstreamReader(entry, nil)
}

// ReadEntry reads the full decoded content of the named entry.
func (r *Reader) ReadEntry(name string) ([]byte, error) {
	src, err := r.OpenEntry(name)
	if err != nil {
		return nil, err
	}

	return io.ReadAll(src)
}

// Test decodes every folder, verifying sizes and stored CRCs without
// producing output.
func (r *Reader) Test(ctx context.Context) error {
	if r == nil || r.src == nil {
		return ErrNilReader
	}
	if r.isClosed() {
		return ErrClosed
	}
	if ctx == nil {
		ctx = context.Background()
	}

	si := r.header.streams
	if si == nil {
		return nil
	}

	buf := make([]byte, defaultCopyBufferSize)
	for folderIdx, fo := range si.folders {
		if err := ctx.Err(); err != nil {
			return ErrCancelled
		}

		fr, err := r.folderReader(folderIdx)
		if err != nil {
			return err
		}

		crc := &crcWriter{}
		n, err := io.CopyBuffer(crc, fr, buf)
		if err != nil {
			return fmt.Errorf("folder %d: %w", folderIdx, err)
		}
		if uint64(n) != fo.finalUnpackSize() {
			return fmt.Errorf("%w: folder %d produced %d of %d bytes", ErrCorruptData, folderIdx, n, fo.finalUnpackSize())
		}
		if fo.hasUnpackCRC && crc.Sum32() != fo.unpackCRC {
			if fo.usesMethod(methodAES256) {
				return ErrBadPasswordOrCorrupt
			}

			return fmt.Errorf("%w: folder %d CRC mismatch", ErrCorruptData, folderIdx)
		}
	}

	return nil
}

// ListEntries parses only the header of the archive at path and returns its
// entry table.
func ListEntries(path string) ([]FileEntry, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()

	return r.Entries(), nil
}

// ReadComment parses only the header of the archive at path and returns its
// comment.
func ReadComment(path string) (string, error) {
	r, err := Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = r.Close() }()

	return r.Comment(), nil
}
