package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// EncryptedContentPrefix tags a stored message body as AEAD-sealed rather
// than development-mode plaintext.
const EncryptedContentPrefix = "enc:"

const nonceSize = 12

var ErrNotEncrypted = errors.New("crypto: content is not enc: prefixed")

// EncryptAtRest seals plaintext with a fresh random nonce and returns
// "enc:" + base64(nonce || ciphertext || tag), ready to store in a text
// column.
func EncryptAtRest(aead cipher.AEAD, plaintext string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("crypto: generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return EncryptedContentPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptAtRest reverses EncryptAtRest. stored must begin with
// EncryptedContentPrefix.
func DecryptAtRest(aead cipher.AEAD, stored string) (string, error) {
	if len(stored) < len(EncryptedContentPrefix) || stored[:len(EncryptedContentPrefix)] != EncryptedContentPrefix {
		return "", ErrNotEncrypted
	}
	raw, err := base64.StdEncoding.DecodeString(stored[len(EncryptedContentPrefix):])
	if err != nil {
		return "", fmt.Errorf("crypto: decode ciphertext: %w", err)
	}
	if len(raw) < nonceSize {
		return "", errors.New("crypto: ciphertext shorter than nonce")
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: decrypt: %w", err)
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether stored carries the "enc:" prefix.
func IsEncrypted(stored string) bool {
	return len(stored) >= len(EncryptedContentPrefix) && stored[:len(EncryptedContentPrefix)] == EncryptedContentPrefix
}
