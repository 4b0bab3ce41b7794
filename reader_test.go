package zesven

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// buildManualCopyArchive hand-assembles a single-file Copy-method archive,
// pinning the container layout independently of the writer.
func buildManualCopyArchive(t *testing.T, name string, payload []byte) []byte {
	t.Helper()

	var header bytes.Buffer
	header.WriteByte(idHeader)

	header.WriteByte(idMainStreamsInfo)
	header.WriteByte(idPackInfo)
	mustWriteNumber(t, &header, 0)
	mustWriteNumber(t, &header, 1)
	header.WriteByte(idSize)
	mustWriteNumber(t, &header, uint64(len(payload)))
	header.WriteByte(idEnd)

	header.WriteByte(idUnpackInfo)
	header.WriteByte(idFolder)
	mustWriteNumber(t, &header, 1)
	header.WriteByte(0) // inline
	mustWriteNumber(t, &header, 1)
	header.WriteByte(0x01) // one-byte method ID, simple, no properties
	header.WriteByte(0x00) // Copy
	header.WriteByte(idCodersUnpackSize)
	mustWriteNumber(t, &header, uint64(len(payload)))
	header.WriteByte(idCRC)
	header.WriteByte(1)
	var crcRaw [4]byte
	putLeUint32(crcRaw[:], crc32Compute(payload))
	header.Write(crcRaw[:])
	header.WriteByte(idEnd)
	header.WriteByte(idEnd)

	header.WriteByte(idFilesInfo)
	mustWriteNumber(t, &header, 1)
	var names bytes.Buffer
	names.WriteByte(0) // not external
	if err := writeUTF16String(&names, name); err != nil {
		t.Fatal(err)
	}
	header.WriteByte(idName)
	mustWriteNumber(t, &header, uint64(names.Len()))
	header.Write(names.Bytes())
	header.WriteByte(idEnd)

	header.WriteByte(idEnd)

	archive := make([]byte, signatureHeaderSize, int(signatureHeaderSize)+len(payload)+header.Len())
	copy(archive[:6], signature[:])
	archive[6] = versionMajor
	archive[7] = versionMinor
	putLeUint64(archive[12:20], uint64(len(payload)))
	putLeUint64(archive[20:28], uint64(header.Len()))
	putLeUint32(archive[28:32], crc32Compute(header.Bytes()))
	putLeUint32(archive[8:12], crc32Compute(archive[12:32]))

	archive = append(archive, payload...)
	archive = append(archive, header.Bytes()...)

	return archive
}

// mustWriteNumber writes one NUMBER or fails the test.
func mustWriteNumber(t *testing.T, buf *bytes.Buffer, v uint64) {
	t.Helper()
	if err := writeNumber(buf, v); err != nil {
		t.Fatal(err)
	}
}

// TestEmptyArchiveLiteral parses the canonical 34-byte empty archive.
func TestEmptyArchiveLiteral(t *testing.T) {
	raw := []byte{
		0x37, 0x7A, 0xBC, 0xAF, 0x27, 0x1C, 0x00, 0x04,
		0x08, 0xA8, 0x34, 0xB8, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0xBE, 0x23, 0xC2, 0x58,
		0x01, 0x00,
	}
	if len(raw) != 34 {
		t.Fatalf("literal length = %d", len(raw))
	}

	r, err := NewReaderFromBytes(raw, ReaderOptions{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	defer func() { _ = r.Close() }()

	if len(r.Entries()) != 0 {
		t.Errorf("entries = %d, want 0", len(r.Entries()))
	}
}

// TestManualCopyArchive verifies parsing and extraction of a hand-built archive.
func TestManualCopyArchive(t *testing.T) {
	raw := buildManualCopyArchive(t, "a.txt", []byte("hello"))

	r, err := NewReaderFromBytes(raw, ReaderOptions{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	defer func() { _ = r.Close() }()

	entries := r.Entries()
	if len(entries) != 1 {
		t.Fatalf("entries = %d", len(entries))
	}
	if entries[0].Path != "a.txt" || entries[0].Size != 5 {
		t.Errorf("entry = %+v", entries[0])
	}
	if !entries[0].HasCRC || entries[0].CRC32 != crc32Compute([]byte("hello")) {
		t.Errorf("entry CRC = %#x (has=%v)", entries[0].CRC32, entries[0].HasCRC)
	}

	data, err := r.ReadEntry("a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Errorf("data = %q", data)
	}

	if err := r.Test(context.Background()); err != nil {
		t.Errorf("Test: %v", err)
	}
}

// TestBadMagic verifies the signature check.
func TestBadMagic(t *testing.T) {
	raw := buildManualCopyArchive(t, "a.txt", []byte("hi"))
	// A corrupted leading magic with no later signature must fail.
	raw[0] = 0x00
	raw[1] = 0x00

	if _, err := NewReaderFromBytes(raw, ReaderOptions{}); !errors.Is(err, ErrInvalidArchive) {
		t.Errorf("expected ErrInvalidArchive, got %v", err)
	}
}

// TestStartHeaderCRCMismatch verifies the start header CRC check.
func TestStartHeaderCRCMismatch(t *testing.T) {
	raw := buildManualCopyArchive(t, "a.txt", []byte("hi"))
	raw[12] ^= 0xFF // corrupt next header offset under the CRC

	if _, err := NewReaderFromBytes(raw, ReaderOptions{}); !errors.Is(err, ErrInvalidArchive) {
		t.Errorf("expected ErrInvalidArchive, got %v", err)
	}
}

// TestNextHeaderCRCMismatch verifies the next header CRC check.
func TestNextHeaderCRCMismatch(t *testing.T) {
	raw := buildManualCopyArchive(t, "a.txt", []byte("hi"))
	raw[len(raw)-1] ^= 0xFF

	if _, err := NewReaderFromBytes(raw, ReaderOptions{}); !errors.Is(err, ErrCorruptData) {
		t.Errorf("expected ErrCorruptData, got %v", err)
	}
}

// TestCorruptPayloadCRC verifies decode-time CRC detection.
func TestCorruptPayloadCRC(t *testing.T) {
	raw := buildManualCopyArchive(t, "a.txt", []byte("hello"))
	raw[signatureHeaderSize] ^= 0xFF // flip a payload byte

	r, err := NewReaderFromBytes(raw, ReaderOptions{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if _, err := r.ReadEntry("a.txt"); !errors.Is(err, ErrCorruptData) {
		t.Errorf("expected ErrCorruptData, got %v", err)
	}
	if err := r.Test(context.Background()); !errors.Is(err, ErrCorruptData) {
		t.Errorf("Test: expected ErrCorruptData, got %v", err)
	}
}

// TestDuplicateEntryPathRejected verifies parse-time duplicate detection.
func TestDuplicateEntryPathRejected(t *testing.T) {
	// Two entries, same name, two folders.
	var raw []byte
	{
		payloadA, payloadB := []byte("aa"), []byte("bb")
		var header bytes.Buffer
		header.WriteByte(idHeader)
		header.WriteByte(idMainStreamsInfo)
		header.WriteByte(idPackInfo)
		mustWriteNumber(t, &header, 0)
		mustWriteNumber(t, &header, 2)
		header.WriteByte(idSize)
		mustWriteNumber(t, &header, 2)
		mustWriteNumber(t, &header, 2)
		header.WriteByte(idEnd)
		header.WriteByte(idUnpackInfo)
		header.WriteByte(idFolder)
		mustWriteNumber(t, &header, 2)
		header.WriteByte(0)
		for i := 0; i < 2; i++ {
			mustWriteNumber(t, &header, 1)
			header.WriteByte(0x01)
			header.WriteByte(0x00)
		}
		header.WriteByte(idCodersUnpackSize)
		mustWriteNumber(t, &header, 2)
		mustWriteNumber(t, &header, 2)
		header.WriteByte(idEnd)
		header.WriteByte(idEnd)
		header.WriteByte(idFilesInfo)
		mustWriteNumber(t, &header, 2)
		var names bytes.Buffer
		names.WriteByte(0)
		_ = writeUTF16String(&names, "dup.txt")
		_ = writeUTF16String(&names, "dup.txt")
		header.WriteByte(idName)
		mustWriteNumber(t, &header, uint64(names.Len()))
		header.Write(names.Bytes())
		header.WriteByte(idEnd)
		header.WriteByte(idEnd)

		archive := make([]byte, signatureHeaderSize)
		copy(archive[:6], signature[:])
		archive[6] = versionMajor
		archive[7] = versionMinor
		putLeUint64(archive[12:20], uint64(len(payloadA)+len(payloadB)))
		putLeUint64(archive[20:28], uint64(header.Len()))
		putLeUint32(archive[28:32], crc32Compute(header.Bytes()))
		putLeUint32(archive[8:12], crc32Compute(archive[12:32]))
		raw = append(archive, append(append(payloadA, payloadB...), header.Bytes()...)...)
	}

	if _, err := NewReaderFromBytes(raw, ReaderOptions{}); !errors.Is(err, ErrDuplicateEntryPath) {
		t.Errorf("expected ErrDuplicateEntryPath, got %v", err)
	}

	// A permissive policy accepts the same archive.
	r, err := NewReaderFromBytes(raw, ReaderOptions{PathPolicy: &PathPolicy{AllowDuplicates: true}})
	if err != nil {
		t.Fatalf("permissive parse: %v", err)
	}
	if len(r.Entries()) != 2 {
		t.Errorf("entries = %d", len(r.Entries()))
	}
}

// TestTraversalPathRejectedOnExtract verifies path safety during extraction.
func TestTraversalPathRejectedOnExtract(t *testing.T) {
	raw := buildManualCopyArchive(t, "../etc/passwd", []byte("root"))

	r, err := NewReaderFromBytes(raw, ReaderOptions{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	dst := t.TempDir()
	_, err = r.Extract(context.Background(), dst, ExtractOptions{})
	if !errors.Is(err, ErrPathUnsafe) {
		t.Fatalf("expected ErrPathUnsafe, got %v", err)
	}

	// Nothing may be created outside or inside the destination.
	entries, err := os.ReadDir(dst)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("destination not empty: %v", entries)
	}
	if _, err := os.Stat(filepath.Join(dst, "..", "etc", "passwd")); err == nil {
		t.Error("traversal target was created")
	}
}

// TestSFXOffsetDiscovery verifies opening an archive behind a stub prefix.
func TestSFXOffsetDiscovery(t *testing.T) {
	inner := buildManualCopyArchive(t, "a.txt", []byte("sfx payload"))
	stub := make([]byte, 777)
	for i := range stub {
		stub[i] = byte(i)
	}

	r, err := NewReaderFromBytes(append(stub, inner...), ReaderOptions{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if r.SFXOffset() != 777 {
		t.Errorf("SFXOffset = %d", r.SFXOffset())
	}

	data, err := r.ReadEntry("a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "sfx payload" {
		t.Errorf("data = %q", data)
	}
}

// TestUnknownMethodFolder verifies unsupported methods fail per folder only.
func TestUnknownMethodFolder(t *testing.T) {
	raw := buildManualCopyArchive(t, "a.txt", []byte("xx"))

	// Rewrite the single Copy method byte (0x00 after flag 0x01) to an
	// unknown vendor ID and fix the header CRCs.
	headerLen := int(leUint64(raw[20:28]))
	header := raw[len(raw)-headerLen:]
	for i := 0; i+1 < len(header); i++ {
		if header[i] == idFolder {
			// folder count, external byte, coder count, flags, method
			header[i+5] = 0x7E
			break
		}
	}
	putLeUint32(raw[28:32], crc32Compute(header))
	putLeUint32(raw[8:12], crc32Compute(raw[12:32]))

	r, err := NewReaderFromBytes(raw, ReaderOptions{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	_, err = r.ReadEntry("a.txt")
	if !errors.Is(err, ErrUnsupportedMethod) {
		t.Fatalf("expected ErrUnsupportedMethod, got %v", err)
	}

	var methodErr *MethodError
	if !errors.As(err, &methodErr) || len(methodErr.MethodID) != 1 || methodErr.MethodID[0] != 0x7E {
		t.Errorf("method error = %v", err)
	}
}

// TestListEntriesHelper verifies the metadata-only helper.
func TestListEntriesHelper(t *testing.T) {
	raw := buildManualCopyArchive(t, "list.txt", []byte("data"))
	path := filepath.Join(t.TempDir(), "list.7z")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatal(err)
	}

	entries, err := ListEntries(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Path != "list.txt" {
		t.Errorf("entries = %+v", entries)
	}
}
