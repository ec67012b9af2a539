package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ErrCiphertextTooShort is returned when a payload cannot hold a nonce.
var ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")

// Sealer encrypts small blobs at rest with AES-256-GCM. The key is derived
// from a passphrase with HKDF-SHA256 bound to a context label, so the same
// passphrase yields different keys for different stores.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives a key for label from secret.
func NewSealer(secret, label string) (*Sealer, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(secret), []byte("shipgo/"+label), []byte(label))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: gcm}, nil
}

// Seal returns nonce||ciphertext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal.
func (s *Sealer) Open(payload []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(payload) < n {
		return nil, ErrCiphertextTooShort
	}
	return s.aead.Open(nil, payload[:n], payload[n:], nil)
}
