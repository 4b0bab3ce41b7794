// SPDX-License-Identifier: MIT
// Copyright (c) 2026 Andrey Akinshin
// Source: github.com/AndreyAkinshin/zesven

package zesven

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// maxVolumes bounds the three-digit volume suffix space.
const maxVolumes = 999

// VolumeSet concatenates multi-volume parts into one logical ByteSource.
// Volume naming is `name.7z.NNN` with a zero-padded three digit suffix;
// the first volume holds the signature header, the last holds the next header.
type VolumeSet struct {
	parts  []volumePart
	closer []io.Closer
	total  int64
}

// volumePart is one contiguous region of the logical archive.
type volumePart struct {
	src   ByteSource
	start int64
	size  int64
	// missing marks a gap left by an absent middle volume.
	missing bool
}

// OpenVolumeSet opens `firstVolume` (a `.7z.001` path) and every consecutive
// sibling. A gap in the numbering ends the set; reads past the last opened
// volume return io.EOF.
func OpenVolumeSet(firstVolume string) (*VolumeSet, error) {
	base, ok := strings.CutSuffix(firstVolume, ".001")
	if !ok {
		return nil, fmt.Errorf("%w: first volume must end in .001: %q", ErrInvalidArchive, firstVolume)
	}

	set := &VolumeSet{}
	offset := int64(0)
	for i := 1; i <= maxVolumes; i++ {
		path := fmt.Sprintf("%s.%03d", base, i)
		f, err := os.Open(path)
		if errors.Is(err, os.ErrNotExist) {
			if i == 1 {
				_ = set.Close()
				return nil, fmt.Errorf("open volume: %w", err)
			}

			break
		}
		if err != nil {
			_ = set.Close()
			return nil, fmt.Errorf("open volume: %w", err)
		}

		fi, err := f.Stat()
		if err != nil {
			_ = f.Close()
			_ = set.Close()
			return nil, fmt.Errorf("stat volume: %w", err)
		}

		set.parts = append(set.parts, volumePart{
			src:   NewReaderAtSource(f, fi.Size()),
			start: offset,
			size:  fi.Size(),
		})
		set.closer = append(set.closer, f)
		offset += fi.Size()
	}

	set.total = offset

	return set, nil
}

// NewVolumeSet builds a set from in-memory sources; a nil source marks a
// missing volume of the given size.
func NewVolumeSet(sources []ByteSource, missingSizes map[int]int64) *VolumeSet {
	set := &VolumeSet{}
	offset := int64(0)
	for i, src := range sources {
		part := volumePart{start: offset}
		if src == nil {
			part.missing = true
			part.size = missingSizes[i]
		} else {
			part.src = src
			part.size = src.Size()
		}

		set.parts = append(set.parts, part)
		offset += part.size
	}

	set.total = offset

	return set
}

// Size implements ByteSource.
func (v *VolumeSet) Size() int64 {
	return v.total
}

// ReadAt implements io.ReaderAt, mapping the virtual offset onto volume parts.
func (v *VolumeSet) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= v.total {
		return 0, io.EOF
	}

	total := 0
	for total < len(p) {
		pos := off + int64(total)
		if pos >= v.total {
			return total, io.EOF
		}

		idx := sort.Search(len(v.parts), func(i int) bool {
			return v.parts[i].start+v.parts[i].size > pos
		})
		if idx >= len(v.parts) {
			return total, io.EOF
		}

		part := v.parts[idx]
		if part.missing {
			return total, &VolumeError{Index: idx}
		}

		within := pos - part.start
		chunk := p[total:]
		if rest := part.size - within; int64(len(chunk)) > rest {
			chunk = chunk[:rest]
		}

		n, err := part.src.ReadAt(chunk, within)
		total += n
		if err != nil && err != io.EOF {
			return total, err
		}
		if n < len(chunk) {
			return total, io.EOF
		}
	}

	return total, nil
}

// Close closes every owned volume file.
func (v *VolumeSet) Close() error {
	var first error
	for _, c := range v.closer {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	v.closer = nil

	return first
}

// volumeWriter writes a logical archive across fixed-size volume files and
// supports the seek-back signature header patch on the first volume.
type volumeWriter struct {
	base    string
	files   []*os.File
	size    int64
	pos     int64
	maxSize int64
}

// newVolumeWriter creates a split writer emitting `base.NNN` parts.
func newVolumeWriter(base string, maxSize int64) (*volumeWriter, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("%w: split volume size must be positive", ErrInvalidArchive)
	}

	return &volumeWriter{base: base, maxSize: maxSize}, nil
}

// file returns the open file for volume index, creating it on first use.
func (w *volumeWriter) file(idx int) (*os.File, error) {
	if idx >= maxVolumes {
		return nil, fmt.Errorf("%w: more than %d volumes", ErrInvalidArchive, maxVolumes)
	}

	for len(w.files) <= idx {
		path := fmt.Sprintf("%s.%03d", w.base, len(w.files)+1)
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
		if err != nil {
			return nil, fmt.Errorf("create volume: %w", err)
		}

		w.files = append(w.files, f)
	}

	return w.files[idx], nil
}

// Write implements io.Writer.
func (w *volumeWriter) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		idx := int(w.pos / w.maxSize)
		within := w.pos % w.maxSize

		f, err := w.file(idx)
		if err != nil {
			return written, err
		}

		chunk := p[written:]
		if rest := w.maxSize - within; int64(len(chunk)) > rest {
			chunk = chunk[:rest]
		}

		n, err := f.WriteAt(chunk, within)
		written += n
		w.pos += int64(n)
		if w.pos > w.size {
			w.size = w.pos
		}
		if err != nil {
			return written, err
		}
	}

	return written, nil
}

// Seek implements io.Seeker over the logical concatenation.
func (w *volumeWriter) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		w.pos = offset
	case io.SeekCurrent:
		w.pos += offset
	case io.SeekEnd:
		w.pos = w.size + offset
	default:
		return 0, fmt.Errorf("seek: invalid whence %d", whence)
	}

	if w.pos < 0 {
		return 0, fmt.Errorf("seek: negative position")
	}

	return w.pos, nil
}

// Close syncs and closes every volume file, trimming the last to its used size.
func (w *volumeWriter) Close() error {
	var first error
	for i, f := range w.files {
		if i == len(w.files)-1 {
			used := w.size - int64(i)*w.maxSize
			if err := f.Truncate(used); err != nil && first == nil {
				first = err
			}
		}

		if err := f.Sync(); err != nil && first == nil {
			first = err
		}
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	w.files = nil

	return first
}
