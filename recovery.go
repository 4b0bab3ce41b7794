// SPDX-License-Identifier: MIT
// Copyright (c) 2026 Andrey Akinshin
// Source: github.com/AndreyAkinshin/zesven

package zesven

import (
	"bytes"
	"io"
)

// RecoveryResult describes one archive candidate found by Recover.
type RecoveryResult struct {
	// Reader is the successfully parsed archive at Offset.
	Reader *Reader
	// Offset is the byte position of the candidate signature.
	Offset int64
}

// Recover scans the whole source for 7z signatures and attempts a best-effort
// parse at each candidate, returning every candidate that parses. Damaged
// start headers beyond signature rescan are not repaired.
func Recover(src ByteSource, opts ReaderOptions) ([]RecoveryResult, error) {
	opts.applyDefaults()

	var results []RecoveryResult
	for _, offset := range scanSignatures(src) {
		r, err := NewReaderFromSource(newOffsetSource(src, offset), opts)
		if err != nil {
			continue
		}

		r.sfxOffset = offset
		results = append(results, RecoveryResult{Reader: r, Offset: offset})
	}

	return results, nil
}

// scanSignatures returns every plausible signature offset in the source.
func scanSignatures(src ByteSource) []int64 {
	const chunkSize = 1 << 20

	var offsets []int64
	size := src.Size()
	overlap := int64(len(signature) + 2)

	buf := make([]byte, chunkSize+overlap)
	for base := int64(0); base < size; base += chunkSize {
		want := chunkSize + overlap
		if rest := size - base; rest < want {
			want = rest
		}

		n, err := src.ReadAt(buf[:want], base)
		if n <= 0 && err != nil && err != io.EOF {
			break
		}

		chunk := buf[:n]
		from := 0
		for {
			idx := bytes.Index(chunk[from:], signature[:])
			if idx < 0 {
				break
			}

			pos := from + idx
			// Positions inside the overlap tail reappear in the next chunk.
			lastChunk := base+int64(n) >= size
			if pos+8 <= len(chunk) && (pos < chunkSize || lastChunk) &&
				chunk[pos+6] == versionMajor && chunk[pos+7] <= 10 {
				offsets = append(offsets, base+int64(pos))
			}

			from = pos + 1
		}

		if n < int(want) {
			break
		}
	}

	return offsets
}
