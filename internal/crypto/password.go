package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	PasswordSaltSize   = 16
	PasswordHashSize   = 32
	PasswordIterations = 100_000
)

// HashPassword derives a PBKDF2-SHA256 hash from password with a freshly
// generated random salt. 100k iterations, 16-byte salt, 32-byte hash, per
// the server's password storage policy.
func HashPassword(password string) (salt, hash []byte, err error) {
	salt = make([]byte, PasswordSaltSize)
	if _, err = io.ReadFull(rand.Reader, salt); err != nil {
		return nil, nil, fmt.Errorf("crypto: generate salt: %w", err)
	}
	hash = derivePasswordHash(password, salt)
	return salt, hash, nil
}

// VerifyPassword re-derives the hash for password with the stored salt and
// compares it against the stored hash in constant time.
func VerifyPassword(password string, salt, hash []byte) bool {
	derived := derivePasswordHash(password, salt)
	return subtle.ConstantTimeCompare(derived, hash) == 1
}

func derivePasswordHash(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, PasswordIterations, PasswordHashSize, sha256.New)
}
