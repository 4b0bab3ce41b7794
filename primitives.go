// SPDX-License-Identifier: MIT
// Copyright (c) 2026 Andrey Akinshin
// Source: github.com/AndreyAkinshin/zesven

package zesven

import (
	"fmt"
	"hash/crc32"
	"io"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
)

// maxNameCodeUnits bounds one UTF-16 string read from a header.
const maxNameCodeUnits = 32768

// utf16le is the shared UTF-16LE transcoder used for names, comments, and passwords.
var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// readByte reads a single byte.
func readByte(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}

	return b[0], nil
}

// readUint32 reads an unsigned 32-bit little-endian integer.
func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}

	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

// readUint64 reads an unsigned 64-bit little-endian integer.
func readUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}

	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}

	return v, nil
}

// readNumber decodes the 7z variable-length unsigned integer.
// The count of leading one bits in the first byte selects how many extra bytes
// follow; the remaining low bits of the first byte contribute the high-order
// value bits. Non-minimal encodings are accepted.
func readNumber(r io.Reader) (uint64, error) {
	first, err := readByte(r)
	if err != nil {
		return 0, err
	}

	mask := uint64(0x80)
	var value uint64
	for i := 0; i < 8; i++ {
		if uint64(first)&mask == 0 {
			return value | (uint64(first)&(mask-1))<<(8*i), nil
		}

		b, err := readByte(r)
		if err != nil {
			return 0, err
		}

		value |= uint64(b) << (8 * i)
		mask >>= 1
	}

	return value, nil
}

// writeNumber encodes value in minimal 7z variable-length form (1-9 bytes).
func writeNumber(w io.Writer, value uint64) error {
	var buf [9]byte
	n := putNumber(buf[:], value)
	_, err := w.Write(buf[:n])

	return err
}

// putNumber writes the minimal encoding of value into buf and returns its length.
// With k extra bytes the first byte contributes 7-k high bits, so a value fits
// when it is below 2^(7+7k).
func putNumber(buf []byte, value uint64) int {
	extra := 0
	for extra < 8 {
		bits := uint(7 + 7*extra)
		if bits < 64 && value < uint64(1)<<bits {
			break
		}
		extra++
	}

	if extra >= 8 {
		buf[0] = 0xFF
		for i := 0; i < 8; i++ {
			buf[1+i] = byte(value >> (8 * i))
		}

		return 9
	}

	// Leading one bits mark the extra byte count.
	firstMask := byte(0)
	for i := 0; i < extra; i++ {
		firstMask |= 0x80 >> i
	}

	high := byte(value >> (8 * extra))
	buf[0] = firstMask | high
	for i := 0; i < extra; i++ {
		buf[1+i] = byte(value >> (8 * i))
	}

	return 1 + extra
}

// numberLen returns the minimal encoded length of value in bytes.
func numberLen(value uint64) int {
	var buf [9]byte
	return putNumber(buf[:], value)
}

// readBoolVector reads count booleans packed MSB-first.
func readBoolVector(r io.Reader, count int) ([]bool, error) {
	byteCount := (count + 7) / 8
	raw := make([]byte, byteCount)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, err
	}

	out := make([]bool, count)
	for i := 0; i < count; i++ {
		out[i] = raw[i/8]>>(7-uint(i%8))&1 != 0
	}

	return out, nil
}

// writeBoolVector packs booleans MSB-first with zero padding bits.
func writeBoolVector(w io.Writer, values []bool) error {
	raw := packBoolVector(values)
	_, err := w.Write(raw)

	return err
}

// packBoolVector packs booleans MSB-first into a byte slice.
func packBoolVector(values []bool) []byte {
	raw := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v {
			raw[i/8] |= 0x80 >> uint(i%8)
		}
	}

	return raw
}

// readAllOrBits reads the one-byte "all defined" marker followed by an
// optional bit vector. A non-zero marker means every item is defined.
func readAllOrBits(r io.Reader, count int) ([]bool, error) {
	allDefined, err := readByte(r)
	if err != nil {
		return nil, err
	}

	if allDefined != 0 {
		out := make([]bool, count)
		for i := range out {
			out[i] = true
		}

		return out, nil
	}

	return readBoolVector(r, count)
}

// readUTF16String reads a UTF-16LE string terminated by a zero code unit.
func readUTF16String(r io.Reader) (string, error) {
	var raw []byte
	var b [2]byte
	for {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return "", err
		}

		if b[0] == 0 && b[1] == 0 {
			break
		}

		if len(raw) >= maxNameCodeUnits*2 {
			return "", limitErrorf(LimitHeaderSize, "string exceeds %d UTF-16 code units", maxNameCodeUnits)
		}

		raw = append(raw, b[0], b[1])
	}

	// The decoder replaces unpaired surrogates with U+FFFD.
	decoded, err := utf16le.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("%w: undecodable UTF-16 string", ErrInvalidArchive)
	}

	return string(decoded), nil
}

// writeUTF16String writes s as a zero-terminated UTF-16LE string.
// Strings that are not valid UTF-8 (and so cannot round-trip) are rejected.
func writeUTF16String(w io.Writer, s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: %q", ErrInvalidName, s)
	}

	encoded, err := utf16le.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidName, s)
	}

	if _, err := w.Write(encoded); err != nil {
		return err
	}

	_, err = w.Write([]byte{0, 0})

	return err
}

// FileTime is a Windows FILETIME: 100 ns intervals since 1601-01-01 UTC.
type FileTime uint64

// filetimeEpochDelta is seconds between 1601-01-01 and 1970-01-01.
const filetimeEpochDelta = 11644473600

// Time converts the FILETIME to time.Time in UTC.
func (ft FileTime) Time() time.Time {
	secs := int64(ft/10_000_000) - filetimeEpochDelta
	nsec := int64(ft%10_000_000) * 100

	return time.Unix(secs, nsec).UTC()
}

// FileTimeFromTime converts t to FILETIME. Times before the FILETIME epoch
// and times whose FILETIME would reach 2^63 map to zero and are omitted on
// write.
func FileTimeFromTime(t time.Time) FileTime {
	secs := t.Unix() + filetimeEpochDelta
	if secs < 0 {
		return 0
	}

	ft := FileTime(uint64(secs)*10_000_000 + uint64(t.Nanosecond())/100)
	if ft >= 1<<63 {
		return 0
	}

	return ft
}

// crc32Compute returns the IEEE CRC-32 of data.
func crc32Compute(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// crcWriter computes a running IEEE CRC-32 over written bytes.
type crcWriter struct {
	crc uint32
	n   int64
}

// Write implements io.Writer.
func (c *crcWriter) Write(p []byte) (int, error) {
	c.crc = crc32.Update(c.crc, crc32.IEEETable, p)
	c.n += int64(len(p))

	return len(p), nil
}

// Sum32 returns the current CRC value.
func (c *crcWriter) Sum32() uint32 {
	return c.crc
}
