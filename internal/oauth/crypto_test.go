package oauth

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"
)

func testKeyHex() string {
	return hex.EncodeToString(bytes.Repeat([]byte{0x42}, 32))
}

func TestSealer_RoundTrip(t *testing.T) {
	s, err := newSealer(testKeyHex())
	if err != nil {
		t.Fatalf("newSealer: %v", err)
	}

	plaintext := []byte("ya29.refresh-token-value")
	blob, err := s.seal(plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(blob, plaintext) {
		t.Fatal("sealed blob must not contain the plaintext verbatim")
	}

	got, err := s.open(blob)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("open(seal(x)) = %q, want %q", got, plaintext)
	}
}

func TestSealer_NilPlaintextRoundTrips(t *testing.T) {
	s, err := newSealer(testKeyHex())
	if err != nil {
		t.Fatalf("newSealer: %v", err)
	}
	blob, err := s.seal(nil)
	if err != nil || blob != nil {
		t.Fatalf("seal(nil) = %v, %v; want nil, nil", blob, err)
	}
	got, err := s.open(nil)
	if err != nil || got != nil {
		t.Fatalf("open(nil) = %v, %v; want nil, nil", got, err)
	}
}

func TestSealer_TamperedCiphertextFailsToOpen(t *testing.T) {
	s, err := newSealer(testKeyHex())
	if err != nil {
		t.Fatalf("newSealer: %v", err)
	}
	blob, err := s.seal([]byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	blob[len(blob)-1] ^= 0xFF
	if _, err := s.open(blob); err == nil {
		t.Fatal("expected tampered ciphertext to fail authentication")
	}
}

func TestDecodeKey_AcceptsBase64AndRejectsWrongLength(t *testing.T) {
	if _, err := decodeKey(base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x42}, 32))); err != nil {
		t.Fatalf("expected a base64 key of 32 bytes to be accepted: %v", err)
	}
	if _, err := decodeKey("dG9vLXNob3J0"); err == nil {
		t.Fatal("expected error for a key that decodes to the wrong length")
	}
	if _, err := decodeKey(strings.Repeat("z", 10)); err == nil {
		t.Fatal("expected error for an undecodable key")
	}
}
