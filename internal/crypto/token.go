package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

// SessionTokenSize is the length in bytes of a session token (128 bits).
const SessionTokenSize = 16

// GenerateSessionToken returns a random opaque 128-bit session token,
// hex-encoded for use as a map key and wire value.
func GenerateSessionToken() (string, error) {
	b := make([]byte, SessionTokenSize)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("crypto: generate session token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
