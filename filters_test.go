package zesven

import (
	"bytes"
	"io"
	"testing"
)

// TestDeltaRoundTrip verifies encode/decode identity across distances.
func TestDeltaRoundTrip(t *testing.T) {
	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i*7 + i/13)
	}

	for _, distance := range []int{1, 2, 3, 4, 16, 255, 256} {
		data := append([]byte(nil), payload...)
		deltaEncode(data, distance)

		dec := newDeltaDecodeReader(bytes.NewReader(data), []byte{byte(distance - 1)})
		got, err := io.ReadAll(dec)
		if err != nil {
			t.Fatalf("distance %d: %v", distance, err)
		}
		if !bytes.Equal(got, payload) {
			t.Errorf("distance %d: roundtrip differs", distance)
		}
	}
}

// TestDeltaKnownSequence pins the decode semantics for distance 1.
func TestDeltaKnownSequence(t *testing.T) {
	dec := newDeltaDecodeReader(bytes.NewReader([]byte{1, 2, 3, 4}), []byte{0})
	got, err := io.ReadAll(dec)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{1, 3, 6, 10}) {
		t.Errorf("got % d", got)
	}
}

// TestDeltaEmptyProperties verifies the default distance of 1.
func TestDeltaEmptyProperties(t *testing.T) {
	dec := newDeltaDecodeReader(bytes.NewReader([]byte{1, 1, 1, 1}), nil)
	got, err := io.ReadAll(dec)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Errorf("got % d", got)
	}
}

// bcjRoundTrip encodes and decodes data through one branch filter.
func bcjRoundTrip(t *testing.T, name string, transform func([]byte, bool), data []byte) {
	t.Helper()

	encoded := append([]byte(nil), data...)
	transform(encoded, true)

	decoded := append([]byte(nil), encoded...)
	transform(decoded, false)

	if !bytes.Equal(decoded, data) {
		t.Errorf("%s: roundtrip differs", name)
	}
}

// TestBCJFiltersRoundTrip verifies every branch converter's decode undoes its encode.
func TestBCJFiltersRoundTrip(t *testing.T) {
	data := make([]byte, 8192)
	for i := range data {
		data[i] = byte(i * 131)
	}

	// Seed x86 call opcodes with sign-extension target bytes.
	for i := 100; i+5 < len(data); i += 256 {
		data[i] = 0xE8
		data[i+4] = 0x00
	}
	for i := 228; i+5 < len(data); i += 512 {
		data[i] = 0xE9
		data[i+4] = 0xFF
	}

	// ARM BL words.
	for i := 400; i+4 < len(data); i += 640 {
		aligned := i &^ 3
		data[aligned+3] = 0xEB
	}

	// PPC bl instructions.
	for i := 800; i+4 < len(data); i += 768 {
		aligned := i &^ 3
		data[aligned] = 0x48
		data[aligned+3] = (data[aligned+3] &^ 0x03) | 0x01
	}

	bcjRoundTrip(t, "x86", bcjX86, data)
	bcjRoundTrip(t, "arm", bcjARM, data)
	bcjRoundTrip(t, "armt", bcjARMT, data)
	bcjRoundTrip(t, "arm64", bcjARM64, data)
	bcjRoundTrip(t, "ppc", bcjPPC, data)
	bcjRoundTrip(t, "sparc", bcjSPARC, data)
}

// TestBCJX86ShortInput verifies inputs below the probe window pass through.
func TestBCJX86ShortInput(t *testing.T) {
	data := []byte{0xE8, 0x01, 0x02, 0x03}
	copyData := append([]byte(nil), data...)

	bcjX86(copyData, true)
	if !bytes.Equal(copyData, data) {
		t.Error("short input was modified")
	}
}

// TestBCJAliasEquivalence verifies short and long x86 method IDs match.
func TestBCJAliasEquivalence(t *testing.T) {
	short := &coder{methodID: methodBCJX86S}
	long := &coder{methodID: methodBCJX86}

	if !short.isMethod(methodBCJX86) {
		t.Error("short form does not match long ID")
	}
	if !long.isMethod(methodBCJX86S) {
		t.Error("long form does not match short ID")
	}
	if bcjTransform(short) == nil || bcjTransform(long) == nil {
		t.Error("alias lost its transform")
	}
}

// TestMethodName verifies registry naming including unknown IDs.
func TestMethodName(t *testing.T) {
	if got := MethodName(methodLZMA2); got != "LZMA2" {
		t.Errorf("LZMA2 name = %q", got)
	}
	if got := MethodName(methodAES256); got != "AES-256-SHA256" {
		t.Errorf("AES name = %q", got)
	}
	if got := MethodName([]byte{0x7F, 0x01}); got == "" {
		t.Error("unknown method has empty name")
	}
}
