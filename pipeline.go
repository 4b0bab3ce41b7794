// SPDX-License-Identifier: MIT
// Copyright (c) 2026 Andrey Akinshin
// Source: github.com/AndreyAkinshin/zesven

package zesven

import (
	"errors"
	"fmt"
	"io"
)

// pipelineConfig carries the decode-time context shared by one folder read.
type pipelineConfig struct {
	limits   *ResourceLimits
	password string
	keys     *keyCache
}

// countingReader tallies consumed bytes into a shared counter.
type countingReader struct {
	src io.Reader
	n   *int64
}

// Read implements io.Reader.
func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.src.Read(p)
	*c.n += int64(n)

	return n, err
}

// folderBuilder wires a folder's coder DAG into a pull stream.
type folderBuilder struct {
	fo      *folder
	packs   []io.Reader
	cfg     *pipelineConfig
	outputs map[int]io.Reader
}

// newFolderReader composes the folder's coders over one reader per pack slot
// and returns a stream that yields exactly the folder's final unpack size.
// The stream enforces the compression-ratio guard as it is consumed.
func newFolderReader(fo *folder, packReaders []io.Reader, cfg pipelineConfig) (io.Reader, error) {
	if len(packReaders) != len(fo.packedStreams) {
		return nil, fmt.Errorf("%w: folder needs %d pack streams, wired %d",
			ErrInvalidArchive, len(fo.packedStreams), len(packReaders))
	}

	if fo.execution == nil {
		if err := fo.validate(); err != nil {
			return nil, err
		}
	}

	bytesIn := new(int64)
	counted := make([]io.Reader, len(packReaders))
	for i, r := range packReaders {
		counted[i] = &countingReader{src: r, n: bytesIn}
	}

	b := &folderBuilder{
		fo:      fo,
		packs:   counted,
		cfg:     &cfg,
		outputs: make(map[int]io.Reader, len(fo.coders)),
	}

	finalOut, err := fo.finalOutStream()
	if err != nil {
		return nil, err
	}

	root, err := b.output(finalOut)
	if err != nil {
		// Inside an encrypted folder a malformed inner stream is
		// indistinguishable from a wrong key.
		if fo.usesMethod(methodAES256) &&
			!errors.Is(err, ErrPasswordRequired) &&
			!errors.Is(err, ErrResourceLimit) &&
			!errors.Is(err, ErrUnsupportedMethod) {
			return nil, ErrBadPasswordOrCorrupt
		}

		return nil, err
	}

	return &folderStream{
		src:       root,
		remaining: fo.finalUnpackSize(),
		bytesIn:   bytesIn,
		cfg:       &cfg,
		encrypted: fo.usesMethod(methodAES256),
	}, nil
}

// output returns the pull stream for one folder-local output stream index.
func (b *folderBuilder) output(outStream int) (io.Reader, error) {
	coderIdx := b.fo.coderOfOutStream(outStream)
	if coderIdx < 0 {
		return nil, fmt.Errorf("%w: output stream %d outside coders", ErrInvalidArchive, outStream)
	}

	if r, ok := b.outputs[coderIdx]; ok {
		return r, nil
	}

	c := &b.fo.coders[coderIdx]
	if c.numOut != 1 {
		return nil, &MethodError{MethodID: append([]byte(nil), c.methodID...)}
	}

	inputs := make([]io.Reader, c.numIn)
	firstIn := b.fo.firstInStream(coderIdx)
	for i := 0; i < c.numIn; i++ {
		in := firstIn + i
		if bp := b.fo.bindOfInStream(in); bp != nil {
			src, err := b.output(bp.outIndex)
			if err != nil {
				return nil, err
			}

			inputs[i] = src
			continue
		}

		slot := b.fo.packSlotOfInStream(in)
		if slot < 0 {
			return nil, fmt.Errorf("%w: input stream %d unfed", ErrInvalidArchive, in)
		}

		inputs[i] = b.packs[slot]
	}

	outSize := uint64(0)
	if outStream < len(b.fo.unpackSizes) {
		outSize = b.fo.unpackSizes[outStream]
	}

	r, err := newDecoder(c, inputs, outSize, b.cfg)
	if err != nil {
		return nil, err
	}

	b.outputs[coderIdx] = r

	return r, nil
}

// folderStream enforces the exact-output contract and the ratio guard over
// the composed decoder chain.
type folderStream struct {
	src       io.Reader
	cfg       *pipelineConfig
	bytesIn   *int64
	remaining uint64
	produced  uint64
	encrypted bool
	err       error
}

// Read implements io.Reader.
func (f *folderStream) Read(p []byte) (int, error) {
	if f.err != nil {
		return 0, f.err
	}

	if f.remaining == 0 {
		// The declared size is consumed; a producing source means overrun.
		var probe [1]byte
		n, _ := f.src.Read(probe[:])
		if n > 0 {
			f.err = fmt.Errorf("%w: folder produced more than declared size", ErrCorruptData)
			return 0, f.err
		}

		f.err = io.EOF
		return 0, f.err
	}

	if uint64(len(p)) > f.remaining {
		p = p[:f.remaining]
	}

	n, err := f.src.Read(p)
	f.remaining -= uint64(n)
	f.produced += uint64(n)

	if err != nil && err != io.EOF {
		f.err = f.decodeError(err)
		return n, f.err
	}
	if err == io.EOF && f.remaining > 0 && n == 0 {
		f.err = f.decodeError(fmt.Errorf("%w: folder produced %d bytes short", ErrCorruptData, f.remaining))
		return n, f.err
	}

	if guardErr := f.checkRatio(); guardErr != nil {
		f.err = guardErr
		return n, f.err
	}

	if n == 0 && f.remaining > 0 {
		return 0, io.ErrNoProgress
	}

	return n, nil
}

// decodeError maps decoder failures inside encrypted folders onto the
// password-or-corrupt sentinel so wrong keys leak nothing beyond failure.
func (f *folderStream) decodeError(err error) error {
	if f.encrypted {
		return ErrBadPasswordOrCorrupt
	}
	if isZesvenError(err) {
		return err
	}

	return fmt.Errorf("%w: %v", ErrCorruptData, err)
}

// checkRatio applies the compression-bomb guard once output passes the floor.
func (f *folderStream) checkRatio() error {
	limits := f.cfg.limits
	if limits == nil || limits.DisableRatioGuard {
		return nil
	}

	if f.produced <= limits.RatioFloor {
		return nil
	}

	in := uint64(*f.bytesIn)
	if in == 0 || f.produced > limits.MaxRatio*in {
		return limitErrorf(LimitRatio, "produced %d bytes from %d packed", f.produced, in)
	}

	return nil
}

// isZesvenError reports whether err already belongs to this package's taxonomy.
func isZesvenError(err error) bool {
	for _, sentinel := range []error{
		ErrInvalidArchive, ErrCorruptData, ErrUnsupportedMethod, ErrPasswordRequired,
		ErrBadPasswordOrCorrupt, ErrPathUnsafe, ErrResourceLimit, ErrVolumeMissing, ErrCancelled,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}

	return false
}

// substreamReader serves one substream slice of a folder stream and verifies
// the per-file CRC when present.
type substreamReader struct {
	src       io.Reader
	remaining uint64
	crc       crcWriter
	wantCRC   uint32
	hasCRC    bool
	encrypted bool
}

// Read implements io.Reader.
func (s *substreamReader) Read(p []byte) (int, error) {
	if s.remaining == 0 {
		return 0, io.EOF
	}

	if uint64(len(p)) > s.remaining {
		p = p[:s.remaining]
	}

	n, err := s.src.Read(p)
	s.remaining -= uint64(n)
	_, _ = s.crc.Write(p[:n])

	if err == io.EOF && s.remaining > 0 {
		return n, fmt.Errorf("%w: substream truncated", ErrCorruptData)
	}
	if err != nil && err != io.EOF {
		return n, err
	}

	if s.remaining == 0 && s.hasCRC && s.crc.Sum32() != s.wantCRC {
		if s.encrypted {
			return n, ErrBadPasswordOrCorrupt
		}

		return n, fmt.Errorf("%w: substream CRC mismatch", ErrCorruptData)
	}

	return n, nil
}

// discardN consumes and drops exactly n bytes from r.
func discardN(r io.Reader, n uint64, buf []byte) error {
	if len(buf) == 0 {
		buf = make([]byte, defaultCopyBufferSize)
	}

	for n > 0 {
		chunk := buf
		if n < uint64(len(chunk)) {
			chunk = chunk[:n]
		}

		read, err := r.Read(chunk)
		n -= uint64(read)
		if err != nil {
			if err == io.EOF && n == 0 {
				return nil
			}
			if err == io.EOF {
				return fmt.Errorf("%w: stream truncated while skipping", ErrCorruptData)
			}

			return err
		}
		if read == 0 {
			return io.ErrNoProgress
		}
	}

	return nil
}
