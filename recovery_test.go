package zesven

import (
	"bytes"
	"testing"
)

// TestFindSignature verifies offset discovery within the scan window.
func TestFindSignature(t *testing.T) {
	raw := buildManualCopyArchive(t, "a.txt", []byte("data"))

	off, err := FindSignature(NewBytesSource(raw))
	if err != nil {
		t.Fatal(err)
	}
	if off != 0 {
		t.Errorf("offset = %d", off)
	}

	shifted := append(make([]byte, 300), raw...)
	off, err = FindSignature(NewBytesSource(shifted))
	if err != nil {
		t.Fatal(err)
	}
	if off != 300 {
		t.Errorf("offset = %d", off)
	}

	off, err = FindSignature(NewBytesSource([]byte("no archive here")))
	if err != nil {
		t.Fatal(err)
	}
	if off != -1 {
		t.Errorf("offset = %d for junk", off)
	}
}

// TestRecoverFindsEmbeddedArchive verifies scan-and-parse recovery.
func TestRecoverFindsEmbeddedArchive(t *testing.T) {
	inner := buildManualCopyArchive(t, "saved.txt", []byte("recovered"))

	junk := bytes.Repeat([]byte{0xDE, 0xAD}, 500)
	blob := append(append([]byte{}, junk...), inner...)

	results, err := Recover(NewBytesSource(blob), ReaderOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d", len(results))
	}
	if results[0].Offset != int64(len(junk)) {
		t.Errorf("offset = %d, want %d", results[0].Offset, len(junk))
	}

	data, err := results[0].Reader.ReadEntry("saved.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "recovered" {
		t.Errorf("data = %q", data)
	}
}

// TestRecoverSkipsFalsePositives verifies a bare signature without a valid
// start header yields no results.
func TestRecoverSkipsFalsePositives(t *testing.T) {
	blob := append(append([]byte{}, signature[:]...), 0x00, 0x04)
	blob = append(blob, bytes.Repeat([]byte{0xFF}, 64)...)

	results, err := Recover(NewBytesSource(blob), ReaderOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("results = %d for corrupt candidate", len(results))
	}
}
