// SPDX-License-Identifier: MIT
// Copyright (c) 2026 Andrey Akinshin
// Source: github.com/AndreyAkinshin/zesven

package zesven

import (
	"bytes"
	"fmt"
	"io"
)

// ByteSource is a random-access view over the logical archive bytes.
// Implementations return short reads only at end of source.
type ByteSource interface {
	io.ReaderAt
	// Size returns the total source size in bytes.
	Size() int64
}

// bytesSource adapts an in-memory byte slice.
type bytesSource struct {
	data []byte
}

// NewBytesSource wraps data as a ByteSource.
func NewBytesSource(data []byte) ByteSource {
	return &bytesSource{data: data}
}

// ReadAt implements io.ReaderAt.
func (s *bytesSource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(s.data)) {
		return 0, fmt.Errorf("read at %d: %w", off, io.EOF)
	}

	n := copy(p, s.data[off:])
	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

// Size implements ByteSource.
func (s *bytesSource) Size() int64 {
	return int64(len(s.data))
}

// readerAtSource adapts an io.ReaderAt with a known size.
type readerAtSource struct {
	ra   io.ReaderAt
	size int64
}

// NewReaderAtSource wraps ra with a known size as a ByteSource.
func NewReaderAtSource(ra io.ReaderAt, size int64) ByteSource {
	return &readerAtSource{ra: ra, size: size}
}

// ReadAt implements io.ReaderAt.
func (s *readerAtSource) ReadAt(p []byte, off int64) (int, error) {
	return s.ra.ReadAt(p, off)
}

// Size implements ByteSource.
func (s *readerAtSource) Size() int64 {
	return s.size
}

// offsetSource presents src starting at base, hiding an SFX stub prefix.
type offsetSource struct {
	src  ByteSource
	base int64
}

// newOffsetSource returns src shifted by base bytes; base zero returns src unchanged.
func newOffsetSource(src ByteSource, base int64) ByteSource {
	if base == 0 {
		return src
	}

	return &offsetSource{src: src, base: base}
}

// ReadAt implements io.ReaderAt.
func (s *offsetSource) ReadAt(p []byte, off int64) (int, error) {
	return s.src.ReadAt(p, off+s.base)
}

// Size implements ByteSource.
func (s *offsetSource) Size() int64 {
	return s.src.Size() - s.base
}

// sectionReader returns a reader over [off, off+n) of src.
func sectionReader(src ByteSource, off, n int64) *io.SectionReader {
	return io.NewSectionReader(src, off, n)
}

// readFullAt reads exactly len(p) bytes from src at off.
func readFullAt(src ByteSource, p []byte, off int64) error {
	n, err := src.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || err == io.EOF {
		return fmt.Errorf("%w: short read at %d (%d/%d)", ErrCorruptData, off, n, len(p))
	}

	return err
}

// FindSignature scans the first window of src for the 7z magic followed by
// plausible version bytes and returns the base offset, or -1 when absent.
// Self-extracting archives carry an executable stub before the signature.
func FindSignature(src ByteSource) (int64, error) {
	window := int64(sfxSearchLimit)
	if size := src.Size(); size < window {
		window = size
	}
	if window < int64(len(signature))+2 {
		return -1, nil
	}

	buf := make([]byte, window)
	n, err := src.ReadAt(buf, 0)
	if n < len(buf) {
		if err != nil && err != io.EOF {
			return -1, err
		}
		buf = buf[:n]
	}

	from := 0
	for from+len(signature)+2 <= len(buf) {
		idx := bytes.Index(buf[from:], signature[:])
		if idx < 0 {
			return -1, nil
		}

		pos := from + idx
		if pos+len(signature)+2 <= len(buf) {
			major := buf[pos+6]
			minor := buf[pos+7]
			if major == versionMajor && minor <= 10 {
				return int64(pos), nil
			}
		}

		from = pos + 1
	}

	return -1, nil
}
