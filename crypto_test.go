package zesven

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

// TestAESPropertiesRoundTrip verifies the coder property byte layout.
func TestAESPropertiesRoundTrip(t *testing.T) {
	salt := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	iv := []byte{9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24}

	encoded := encodeAESProperties(19, salt, iv)
	parsed, err := parseAESProperties(encoded)
	if err != nil {
		t.Fatal(err)
	}

	if parsed.numCyclesPower != 19 {
		t.Errorf("cycles power = %d", parsed.numCyclesPower)
	}
	if !bytes.Equal(parsed.salt, salt) {
		t.Errorf("salt = % X", parsed.salt)
	}
	if !bytes.Equal(parsed.iv[:], iv) {
		t.Errorf("iv = % X", parsed.iv)
	}
}

// TestAESPropertiesMinimal verifies the no-salt no-IV form.
func TestAESPropertiesMinimal(t *testing.T) {
	parsed, err := parseAESProperties([]byte{0x13, 0x00})
	if err != nil {
		t.Fatal(err)
	}
	if parsed.numCyclesPower != 19 || len(parsed.salt) != 0 {
		t.Errorf("parsed = %+v", parsed)
	}
	for _, b := range parsed.iv {
		if b != 0 {
			t.Fatal("iv must be zero-padded")
		}
	}
}

// TestAESPropertiesShortIV verifies right-padding of short IVs.
func TestAESPropertiesShortIV(t *testing.T) {
	encoded := encodeAESProperties(10, nil, []byte{0xAA, 0xBB})
	parsed, err := parseAESProperties(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.iv[0] != 0xAA || parsed.iv[1] != 0xBB || parsed.iv[2] != 0 {
		t.Errorf("iv = % X", parsed.iv)
	}
}

// TestAESPropertiesTruncated verifies malformed property rejection.
func TestAESPropertiesTruncated(t *testing.T) {
	if _, err := parseAESProperties([]byte{0x13}); err == nil {
		t.Fatal("expected error for 1-byte properties")
	}
	if _, err := parseAESProperties([]byte{0x93, 0x70, 1, 2}); err == nil {
		t.Fatal("expected error for short salt data")
	}
}

// TestDeriveKeyDeterministic verifies same inputs yield the same key.
func TestDeriveKeyDeterministic(t *testing.T) {
	salt := []byte{1, 2, 3, 4}

	k1, err := deriveKey("password", salt, 10)
	if err != nil {
		t.Fatal(err)
	}
	k2, err := deriveKey("password", salt, 10)
	if err != nil {
		t.Fatal(err)
	}
	if k1 != k2 {
		t.Fatal("derivation is not deterministic")
	}

	k3, err := deriveKey("Password", salt, 10)
	if err != nil {
		t.Fatal(err)
	}
	if k1 == k3 {
		t.Fatal("different passwords yielded the same key")
	}

	k4, err := deriveKey("password", []byte{9, 9, 9, 9}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if k1 == k4 {
		t.Fatal("different salts yielded the same key")
	}
}

// TestDeriveKeyRejectsExcessiveCycles verifies the iteration bound.
func TestDeriveKeyRejectsExcessiveCycles(t *testing.T) {
	_, err := deriveKey("p", nil, 31)
	if err == nil {
		t.Fatal("expected resource limit error")
	}

	var limitErr *LimitError
	if !errors.As(err, &limitErr) || limitErr.Reason != LimitKeyIterations {
		t.Fatalf("unexpected error: %v", err)
	}
}

// TestKeyCache verifies cached derivation returns identical keys.
func TestKeyCache(t *testing.T) {
	cache := newKeyCache()
	salt := []byte{5, 6, 7, 8}

	k1, err := cache.derive("pw", salt, 8)
	if err != nil {
		t.Fatal(err)
	}
	k2, err := cache.derive("pw", salt, 8)
	if err != nil {
		t.Fatal(err)
	}
	if k1 != k2 {
		t.Fatal("cache returned different keys")
	}

	direct, err := deriveKey("pw", salt, 8)
	if err != nil {
		t.Fatal(err)
	}
	if k1 != direct {
		t.Fatal("cached key differs from direct derivation")
	}
}

// TestAESRoundTrip verifies CBC encrypt/decrypt across plaintext lengths,
// including block-aligned inputs which gain a full pad block.
func TestAESRoundTrip(t *testing.T) {
	key, err := deriveKey("roundtrip", []byte{1, 2, 3}, 6)
	if err != nil {
		t.Fatal(err)
	}

	var iv [aesBlockSize]byte
	for i := range iv {
		iv[i] = byte(i * 7)
	}

	for _, size := range []int{0, 1, 15, 16, 17, 31, 32, 1000} {
		plain := make([]byte, size)
		for i := range plain {
			plain[i] = byte(i % 251)
		}

		var cipherBuf bytes.Buffer
		enc, err := newAESEncryptWriter(&cipherBuf, key, iv)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := enc.Write(plain); err != nil {
			t.Fatal(err)
		}
		if err := enc.Close(); err != nil {
			t.Fatal(err)
		}

		if cipherBuf.Len()%aesBlockSize != 0 {
			t.Fatalf("size %d: ciphertext length %d not block-aligned", size, cipherBuf.Len())
		}
		if cipherBuf.Len() <= size {
			t.Fatalf("size %d: padding missing (%d ciphertext bytes)", size, cipherBuf.Len())
		}

		dec, err := newAESDecryptReader(bytes.NewReader(cipherBuf.Bytes()), key, iv)
		if err != nil {
			t.Fatal(err)
		}

		got, err := io.ReadAll(io.LimitReader(dec, int64(size)))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, plain) {
			t.Errorf("size %d: decrypted data differs", size)
		}
	}
}
