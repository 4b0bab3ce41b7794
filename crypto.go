// SPDX-License-Identifier: MIT
// Copyright (c) 2026 Andrey Akinshin
// Source: github.com/AndreyAkinshin/zesven

package zesven

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// aesBlockSize is the AES block size in bytes.
const aesBlockSize = 16

// aesProperties is the parsed AES-256-SHA256 coder property block.
//
// Byte 0: (saltFlag << 7) | (ivFlag << 6) | numCyclesPower.
// Byte 1: (saltSizeExtra << 4) | ivSizeExtra; actual sizes are extra+1 when
// the corresponding flag is set. Salt bytes follow, then IV bytes.
type aesProperties struct {
	salt           []byte
	iv             [aesBlockSize]byte
	numCyclesPower int
}

// parseAESProperties decodes the coder property bytes.
func parseAESProperties(props []byte) (*aesProperties, error) {
	if len(props) < 2 {
		return nil, fmt.Errorf("%w: AES properties too short", ErrInvalidArchive)
	}

	p := &aesProperties{numCyclesPower: int(props[0] & 0x3F)}
	saltFlag := props[0]>>7&1 == 1
	ivFlag := props[0]>>6&1 == 1

	saltSize, ivSize := 0, 0
	if saltFlag {
		saltSize = int(props[1]>>4&0x0F) + 1
	}
	if ivFlag {
		ivSize = int(props[1]&0x0F) + 1
	}

	if len(props) < 2+saltSize+ivSize {
		return nil, fmt.Errorf("%w: AES properties truncated", ErrInvalidArchive)
	}

	p.salt = append([]byte(nil), props[2:2+saltSize]...)
	// IV shorter than a block is right-padded with zeros.
	copy(p.iv[:], props[2+saltSize:2+saltSize+ivSize])

	return p, nil
}

// encodeAESProperties builds the coder property bytes.
func encodeAESProperties(numCyclesPower int, salt, iv []byte) []byte {
	saltSize := len(salt)
	if saltSize > aesBlockSize {
		saltSize = aesBlockSize
	}
	ivSize := len(iv)
	if ivSize > aesBlockSize {
		ivSize = aesBlockSize
	}

	first := byte(numCyclesPower) & 0x3F
	second := byte(0)
	if saltSize > 0 {
		first |= 0x80
		second |= byte(saltSize-1) << 4
	}
	if ivSize > 0 {
		first |= 0x40
		second |= byte(ivSize - 1)
	}

	out := make([]byte, 0, 2+saltSize+ivSize)
	out = append(out, first, second)
	out = append(out, salt[:saltSize]...)
	out = append(out, iv[:ivSize]...)

	return out
}

// deriveKey computes the 32-byte AES key: SHA-256 over the concatenation of
// salt, the password's UTF-16LE bytes, and the little-endian iteration
// counter, repeated 2^numCyclesPower times into a single digest.
func deriveKey(password string, salt []byte, numCyclesPower int) ([32]byte, error) {
	var key [32]byte
	if numCyclesPower < 0 || numCyclesPower > maxKeyCyclesPower {
		return key, limitErrorf(LimitKeyIterations, "cycles power %d", numCyclesPower)
	}

	passBytes, err := utf16le.NewEncoder().Bytes([]byte(password))
	if err != nil {
		return key, fmt.Errorf("%w: password is not valid text", ErrInvalidName)
	}

	h := sha256.New()
	var counter [8]byte
	iterations := uint64(1) << numCyclesPower
	for i := uint64(0); i < iterations; i++ {
		binary.LittleEndian.PutUint64(counter[:], i)
		h.Write(salt)
		h.Write(passBytes)
		h.Write(counter[:])
	}

	copy(key[:], h.Sum(nil))

	return key, nil
}

// keyCache memoizes derived keys per (password, salt, cycles) so solid
// encrypted archives derive once per password.
type keyCache struct {
	mu    sync.Mutex
	cache map[string][32]byte
}

// newKeyCache creates an empty key cache.
func newKeyCache() *keyCache {
	return &keyCache{cache: make(map[string][32]byte)}
}

// derive returns the cached or freshly derived key.
func (c *keyCache) derive(password string, salt []byte, numCyclesPower int) ([32]byte, error) {
	if c == nil {
		return deriveKey(password, salt, numCyclesPower)
	}

	// The password never leaves the process; hashing it keeps the map key opaque.
	sum := sha256.Sum256([]byte(password))
	mapKey := fmt.Sprintf("%x|%x|%d", sum[:8], salt, numCyclesPower)

	c.mu.Lock()
	cached, ok := c.cache[mapKey]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	key, err := deriveKey(password, salt, numCyclesPower)
	if err != nil {
		return key, err
	}

	c.mu.Lock()
	c.cache[mapKey] = key
	c.mu.Unlock()

	return key, nil
}

// aesDecryptReader streams CBC decryption over block-aligned ciphertext.
type aesDecryptReader struct {
	src  io.Reader
	mode cipher.BlockMode
	buf  []byte
	out  []byte
	err  error
}

// newAESDecryptReader builds a streaming decryptor for the given key and IV.
func newAESDecryptReader(src io.Reader, key [32]byte, iv [aesBlockSize]byte) (io.Reader, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	return &aesDecryptReader{
		src:  src,
		mode: cipher.NewCBCDecrypter(block, iv[:]),
		buf:  make([]byte, 32*1024),
	}, nil
}

// Read implements io.Reader.
func (r *aesDecryptReader) Read(p []byte) (int, error) {
	for len(r.out) == 0 {
		if r.err != nil {
			return 0, r.err
		}

		n, err := io.ReadFull(r.src, r.buf)
		if n == 0 {
			if err == io.ErrUnexpectedEOF {
				err = io.EOF
			}
			r.err = err
			if r.err == nil {
				r.err = io.EOF
			}
			return 0, r.err
		}

		if n%aesBlockSize != 0 {
			r.err = ErrBadPasswordOrCorrupt
			return 0, r.err
		}

		chunk := r.buf[:n]
		r.mode.CryptBlocks(chunk, chunk)
		r.out = chunk

		if err == io.EOF || err == io.ErrUnexpectedEOF {
			r.err = io.EOF
		} else if err != nil {
			r.err = err
		}
	}

	n := copy(p, r.out)
	r.out = r.out[n:]

	return n, nil
}

// aesEncryptWriter streams CBC encryption, applying PKCS#7 padding on Close.
type aesEncryptWriter struct {
	dst     io.Writer
	mode    cipher.BlockMode
	pending []byte
	written int64
}

// newAESEncryptWriter builds a streaming encryptor for the given key and IV.
func newAESEncryptWriter(dst io.Writer, key [32]byte, iv [aesBlockSize]byte) (*aesEncryptWriter, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	return &aesEncryptWriter{
		dst:  dst,
		mode: cipher.NewCBCEncrypter(block, iv[:]),
	}, nil
}

// Write implements io.Writer.
func (w *aesEncryptWriter) Write(p []byte) (int, error) {
	w.pending = append(w.pending, p...)

	aligned := len(w.pending) / aesBlockSize * aesBlockSize
	if aligned > 0 {
		chunk := make([]byte, aligned)
		copy(chunk, w.pending[:aligned])
		w.mode.CryptBlocks(chunk, chunk)
		if _, err := w.dst.Write(chunk); err != nil {
			return 0, err
		}

		w.written += int64(aligned)
		w.pending = w.pending[aligned:]
	}

	return len(p), nil
}

// Close flushes the final PKCS#7-padded block. The ciphertext is always a
// block multiple, so an aligned plaintext gains a full pad block.
func (w *aesEncryptWriter) Close() error {
	pad := aesBlockSize - len(w.pending)%aesBlockSize
	block := make([]byte, len(w.pending)+pad)
	copy(block, w.pending)
	for i := len(w.pending); i < len(block); i++ {
		block[i] = byte(pad)
	}

	w.mode.CryptBlocks(block, block)
	if _, err := w.dst.Write(block); err != nil {
		return err
	}

	w.written += int64(len(block))
	w.pending = nil

	return nil
}

// Written returns the ciphertext byte count emitted so far.
func (w *aesEncryptWriter) Written() int64 {
	return w.written
}

// randomNonce fills salt and IV for the writer.
func randomNonce(saltSize int) ([]byte, [aesBlockSize]byte, error) {
	var iv [aesBlockSize]byte
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, iv, err
	}
	if _, err := rand.Read(iv[:]); err != nil {
		return nil, iv, err
	}

	return salt, iv, nil
}
