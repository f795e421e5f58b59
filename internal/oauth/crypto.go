package oauth

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// sealer encrypts and decrypts OAuth token fields at rest with a process-wide
// ChaCha20-Poly1305 key, keyed by OAUTH_TOKEN_ENCRYPTION_KEY.
type sealer struct {
	aead cipher.AEAD
}

// newSealer parses a 32-byte key given as hex or base64 and builds the AEAD.
func newSealer(key string) (*sealer, error) {
	raw, err := decodeKey(key)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(raw)
	if err != nil {
		return nil, fmt.Errorf("constructing chacha20poly1305 aead: %w", err)
	}
	return &sealer{aead: aead}, nil
}

func decodeKey(key string) ([]byte, error) {
	if raw, err := hex.DecodeString(key); err == nil && len(raw) == chacha20poly1305.KeySize {
		return raw, nil
	}
	if raw, err := base64.StdEncoding.DecodeString(key); err == nil && len(raw) == chacha20poly1305.KeySize {
		return raw, nil
	}
	return nil, fmt.Errorf("encryption key must decode to %d bytes (hex or base64)", chacha20poly1305.KeySize)
}

// seal encrypts plaintext, prefixing the nonce to the ciphertext so it can be
// stored as a single opaque blob.
func (s *sealer) seal(plaintext []byte) ([]byte, error) {
	if plaintext == nil {
		return nil, nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// open decrypts a blob produced by seal.
func (s *sealer) open(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	n := s.aead.NonceSize()
	if len(blob) < n {
		return nil, fmt.Errorf("ciphertext shorter than nonce size")
	}
	nonce, ciphertext := blob[:n], blob[n:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting token field: %w", err)
	}
	return plaintext, nil
}
