// Package crypto provides the cipher suite, password hashing, and token
// generation used by the control plane, the audio relay, and the at-rest
// message pipeline.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// CipherSuite names the AEAD construction used for a given purpose.
// The server uses AES-256-GCM for both voice key material and at-rest
// message encryption; no configuration option selects another suite.
// AES-128-GCM and ChaCha20-Poly1305 are available to callers of NewAEAD.
type CipherSuite string

const (
	CipherAES128GCM        CipherSuite = "aes-128-gcm"
	CipherAES256GCM        CipherSuite = "aes-256-gcm"
	CipherChaCha20Poly1305 CipherSuite = "chacha20-poly1305"
)

// KeySize returns the key length in bytes required by the suite.
func (s CipherSuite) KeySize() int {
	switch s {
	case CipherAES128GCM:
		return 16
	case CipherChaCha20Poly1305:
		return chacha20poly1305.KeySize
	default:
		return 32
	}
}

// NewAEAD constructs the AEAD cipher for the given suite and key. The key
// must match s.KeySize() exactly.
func NewAEAD(s CipherSuite, key []byte) (cipher.AEAD, error) {
	if len(key) != s.KeySize() {
		return nil, fmt.Errorf("crypto: invalid key length for %s: expected %d, got %d", s, s.KeySize(), len(key))
	}
	switch s {
	case CipherAES128GCM, CipherAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("crypto: new aes cipher: %w", err)
		}
		return cipher.NewGCM(block)
	case CipherChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("crypto: unknown cipher suite: %s", s)
	}
}

// GenerateKey returns a random key sized for the given suite.
func GenerateKey(s CipherSuite) ([]byte, error) {
	key := make([]byte, s.KeySize())
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("crypto: generate key: %w", err)
	}
	return key, nil
}
