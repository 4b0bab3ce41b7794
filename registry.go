// SPDX-License-Identifier: MIT
// Copyright (c) 2026 Andrey Akinshin
// Source: github.com/AndreyAkinshin/zesven

package zesven

import (
	"bytes"
	"fmt"
	"io"
)

// MethodName returns the human-readable name of a raw method ID.
func MethodName(methodID []byte) string {
	for _, m := range methodTable {
		for _, id := range m.ids {
			if bytes.Equal(methodID, id) {
				return m.name
			}
		}
	}

	return fmt.Sprintf("unknown(%02X)", methodID)
}

// methodTable lists every method the grammar knows, decodable or not.
var methodTable = []struct {
	name string
	ids  [][]byte
}{
	{"Copy", [][]byte{methodCopy}},
	{"Delta", [][]byte{methodDelta}},
	{"LZMA", [][]byte{methodLZMA}},
	{"LZMA2", [][]byte{methodLZMA2}},
	{"PPMd", [][]byte{methodPPMd}},
	{"Deflate", [][]byte{methodDeflate}},
	{"Deflate64", [][]byte{methodDeflate64}},
	{"BZip2", [][]byte{methodBZip2}},
	{"Zstd", [][]byte{methodZstd}},
	{"Brotli", [][]byte{methodBrotli}},
	{"LZ4", [][]byte{methodLZ4}},
	{"LZ5", [][]byte{methodLZ5}},
	{"Lizard", [][]byte{methodLizard}},
	{"BCJ x86", [][]byte{methodBCJX86, methodBCJX86S}},
	{"BCJ2", [][]byte{methodBCJ2}},
	{"BCJ PPC", [][]byte{methodBCJPPC}},
	{"BCJ IA64", [][]byte{methodBCJIA64}},
	{"BCJ ARM", [][]byte{methodBCJARM}},
	{"BCJ ARM Thumb", [][]byte{methodBCJARMT}},
	{"BCJ SPARC", [][]byte{methodBCJSPARC}},
	{"BCJ ARM64", [][]byte{methodBCJARM64}},
	{"BCJ RISC-V", [][]byte{methodBCJRISCV}},
	{"AES-256-SHA256", [][]byte{methodAES256}},
}

// newDecoder builds the pull-stream for one coder over its resolved inputs.
// outSize is the coder's declared output size.
func newDecoder(c *coder, inputs []io.Reader, outSize uint64, cfg *pipelineConfig) (io.Reader, error) {
	if len(inputs) != c.numIn {
		return nil, fmt.Errorf("%w: coder expects %d inputs, wired %d", ErrInvalidArchive, c.numIn, len(inputs))
	}

	switch {
	case c.isMethod(methodCopy):
		return inputs[0], nil
	case c.isMethod(methodLZMA):
		return newLZMADecoder(inputs[0], c.properties, outSize)
	case c.isMethod(methodLZMA2):
		return newLZMA2Decoder(inputs[0], c.properties)
	case c.isMethod(methodDeflate):
		return newDeflateDecoder(inputs[0]), nil
	case c.isMethod(methodBZip2):
		return newBZip2Decoder(inputs[0])
	case c.isMethod(methodZstd):
		return newZstdDecoder(inputs[0])
	case c.isMethod(methodBrotli):
		return newBrotliDecoder(inputs[0]), nil
	case c.isMethod(methodLZ4):
		return newLZ4Decoder(inputs[0]), nil
	case c.isMethod(methodDelta):
		return newDeltaDecodeReader(inputs[0], c.properties), nil
	case c.isMethod(methodAES256):
		return newAESDecoder(inputs[0], c.properties, outSize, cfg)
	case c.isMethod(methodBCJ2):
		if c.numIn != 4 {
			return nil, fmt.Errorf("%w: BCJ2 requires 4 inputs, has %d", ErrInvalidArchive, c.numIn)
		}

		return newLazyReader(func() ([]byte, error) {
			return bcj2Decode(inputs[0], inputs[1], inputs[2], inputs[3], outSize)
		}), nil
	default:
		if tf := bcjTransform(c); tf != nil {
			return &bufferedFilterReader{
				src:       inputs[0],
				transform: func(data []byte) { tf(data, false) },
			}, nil
		}

		return nil, &MethodError{MethodID: append([]byte(nil), c.methodID...)}
	}
}

// lazyReader defers a whole-buffer decode to the first read.
type lazyReader struct {
	load func() ([]byte, error)
	buf  []byte
	done bool
	err  error
}

// newLazyReader wraps load as a reader.
func newLazyReader(load func() ([]byte, error)) io.Reader {
	return &lazyReader{load: load}
}

// Read implements io.Reader.
func (l *lazyReader) Read(p []byte) (int, error) {
	if !l.done {
		l.buf, l.err = l.load()
		l.done = true
	}

	if len(l.buf) == 0 {
		if l.err != nil {
			return 0, l.err
		}

		return 0, io.EOF
	}

	n := copy(p, l.buf)
	l.buf = l.buf[n:]

	return n, nil
}
