// SPDX-License-Identifier: MIT
// Copyright (c) 2026 Andrey Akinshin
// Source: github.com/AndreyAkinshin/zesven

package zesven

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz/lzma"
)

// maxDictCap bounds decoder dictionary allocation driven by archive properties.
const maxDictCap = 1 << 30

// newLZMADecoder wraps the raw LZMA1 stream. 7z stores the five property
// bytes in the coder while the lzma package expects the classic .lzma header,
// so the header is synthesized from properties plus the declared output size.
func newLZMADecoder(src io.Reader, props []byte, outSize uint64) (io.Reader, error) {
	if len(props) != 5 {
		return nil, fmt.Errorf("%w: LZMA properties must be 5 bytes", ErrInvalidArchive)
	}

	dictCap := binary.LittleEndian.Uint32(props[1:5])
	if dictCap > maxDictCap {
		return nil, limitErrorf(LimitMemory, "LZMA dictionary of %d bytes", dictCap)
	}

	header := make([]byte, 13)
	copy(header, props)
	binary.LittleEndian.PutUint64(header[5:], outSize)

	r, err := lzma.NewReader(io.MultiReader(bytes.NewReader(header), src))
	if err != nil {
		return nil, fmt.Errorf("%w: LZMA stream: %v", ErrInvalidArchive, err)
	}

	return r, nil
}

// lzma2DictCap decodes the single LZMA2 dictionary property byte.
func lzma2DictCap(prop byte) (int64, error) {
	if prop > 40 {
		return 0, fmt.Errorf("%w: LZMA2 dictionary property %d", ErrInvalidArchive, prop)
	}

	if prop == 40 {
		return 1 << 32, nil
	}

	return int64(2|prop&1) << (prop/2 + 11), nil
}

// lzma2DictProp returns the smallest property byte whose dictionary holds size.
func lzma2DictProp(size int64) byte {
	for p := byte(0); p < 40; p++ {
		if c, _ := lzma2DictCap(p); c >= size {
			return p
		}
	}

	return 40
}

// newLZMA2Decoder wraps the raw LZMA2 chunk stream.
func newLZMA2Decoder(src io.Reader, props []byte) (io.Reader, error) {
	if len(props) < 1 {
		return nil, fmt.Errorf("%w: missing LZMA2 properties", ErrInvalidArchive)
	}

	dictCap, err := lzma2DictCap(props[0])
	if err != nil {
		return nil, err
	}
	if dictCap > maxDictCap {
		return nil, limitErrorf(LimitMemory, "LZMA2 dictionary of %d bytes", dictCap)
	}

	cfg := lzma.Reader2Config{DictCap: int(dictCap)}
	r, err := cfg.NewReader2(src)
	if err != nil {
		return nil, fmt.Errorf("%w: LZMA2 stream: %v", ErrInvalidArchive, err)
	}

	return r, nil
}

// newDeflateDecoder wraps a raw deflate stream.
func newDeflateDecoder(src io.Reader) io.Reader {
	return flate.NewReader(src)
}

// newBZip2Decoder wraps a bzip2 stream.
func newBZip2Decoder(src io.Reader) (io.Reader, error) {
	r, err := bzip2.NewReader(src, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: bzip2 stream: %v", ErrInvalidArchive, err)
	}

	return r, nil
}

// newZstdDecoder wraps a zstd frame stream.
func newZstdDecoder(src io.Reader) (io.Reader, error) {
	r, err := zstd.NewReader(src, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("%w: zstd stream: %v", ErrInvalidArchive, err)
	}

	return r.IOReadCloser(), nil
}

// newBrotliDecoder wraps a brotli stream.
func newBrotliDecoder(src io.Reader) io.Reader {
	return brotli.NewReader(src)
}

// newLZ4Decoder wraps an LZ4 frame stream.
func newLZ4Decoder(src io.Reader) io.Reader {
	return lz4.NewReader(src)
}

// newAESDecoder decrypts an AES-256-CBC stream and truncates the PKCS#7
// padding tail to the declared output size.
func newAESDecoder(src io.Reader, props []byte, outSize uint64, cfg *pipelineConfig) (io.Reader, error) {
	p, err := parseAESProperties(props)
	if err != nil {
		return nil, err
	}
	if p.numCyclesPower > maxKeyCyclesPower {
		return nil, limitErrorf(LimitKeyIterations, "cycles power %d", p.numCyclesPower)
	}

	if cfg.password == "" {
		return nil, ErrPasswordRequired
	}

	key, err := cfg.keys.derive(cfg.password, p.salt, p.numCyclesPower)
	if err != nil {
		return nil, err
	}

	dec, err := newAESDecryptReader(src, key, p.iv)
	if err != nil {
		return nil, err
	}

	return io.LimitReader(dec, int64(outSize)), nil
}

// compressorFor returns the streaming compressor for the writer's method
// selection, plus the emitted coder method ID and properties.
func compressorFor(opts *WriteOptions, dst io.Writer) (io.WriteCloser, []byte, []byte, error) {
	switch opts.Method {
	case MethodCopy:
		return nopWriteCloser{dst}, methodCopy, nil, nil
	case MethodLZMA2:
		dictSize := int64(opts.DictSize)
		if dictSize == 0 {
			dictSize = int64(1) << (16 + uint(opts.Level))
		}
		if dictSize > maxDictCap {
			dictSize = maxDictCap
		}

		prop := lzma2DictProp(dictSize)
		dictCap, _ := lzma2DictCap(prop)

		cfg := lzma.Writer2Config{DictCap: int(dictCap)}
		w, err := cfg.NewWriter2(dst)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("lzma2 writer: %w", err)
		}

		return w, methodLZMA2, []byte{prop}, nil
	case MethodDeflate:
		level := opts.Level
		if level < 1 {
			level = 1
		}

		w, err := flate.NewWriter(dst, level)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("deflate writer: %w", err)
		}

		return w, methodDeflate, nil, nil
	case MethodBZip2:
		level := opts.Level
		if level < 1 {
			level = 1
		}

		w, err := bzip2.NewWriter(dst, &bzip2.WriterConfig{Level: level})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("bzip2 writer: %w", err)
		}

		return w, methodBZip2, nil, nil
	case MethodZstd:
		w, err := zstd.NewWriter(dst,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(opts.Level)),
			zstd.WithEncoderConcurrency(1),
		)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("zstd writer: %w", err)
		}

		return w, methodZstd, nil, nil
	case MethodBrotli:
		return brotli.NewWriterLevel(dst, opts.Level), methodBrotli, nil, nil
	case MethodLZ4:
		w := lz4.NewWriter(dst)

		return w, methodLZ4, nil, nil
	default:
		return nil, nil, nil, fmt.Errorf("%w: unknown write method %q", ErrInvalidArchive, opts.Method)
	}
}

// filterFor resolves the writer's pre-filter selection to its method ID,
// properties, and in-place encode transform.
func filterFor(opts *WriteOptions) ([]byte, []byte, func([]byte), error) {
	switch opts.PreFilter {
	case FilterNone:
		return nil, nil, nil, nil
	case FilterDelta:
		distance := opts.DeltaDistance

		return methodDelta, []byte{byte(distance - 1)}, func(data []byte) {
			deltaEncode(data, distance)
		}, nil
	case FilterBCJX86:
		return methodBCJX86, nil, func(data []byte) { bcjX86(data, true) }, nil
	case FilterBCJARM:
		return methodBCJARM, nil, func(data []byte) { bcjARM(data, true) }, nil
	case FilterBCJARM64:
		return methodBCJARM64, nil, func(data []byte) { bcjARM64(data, true) }, nil
	default:
		return nil, nil, nil, fmt.Errorf("%w: unknown pre-filter %q", ErrInvalidArchive, opts.PreFilter)
	}
}

// nopWriteCloser passes writes through with a no-op close.
type nopWriteCloser struct {
	io.Writer
}

// Close closes nopWriteCloser (no-op).
func (nopWriteCloser) Close() error {
	return nil
}
