package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// VoiceHeaderSize is the fixed header prepended to every audio datagram:
// a big-endian client id followed by a 96-bit AEAD nonce.
const VoiceHeaderSize = 4 + 12

var (
	ErrVoicePacketTooShort = errors.New("crypto: voice packet shorter than header")
	ErrVoiceDecryptFailed  = errors.New("crypto: voice packet decryption failed")
)

// VoiceCipher seals and opens audio datagrams under a channel's shared key.
// The 16-byte header (client id + nonce) is carried as additional
// authenticated data, so tampering with either field invalidates the tag.
type VoiceCipher struct {
	aead cipher.AEAD
}

// NewVoiceCipher builds a VoiceCipher from a channel's key material using
// the given suite (AES-256-GCM by default).
func NewVoiceCipher(suite CipherSuite, key []byte) (*VoiceCipher, error) {
	aead, err := NewAEAD(suite, key)
	if err != nil {
		return nil, err
	}
	return &VoiceCipher{aead: aead}, nil
}

// Seal builds a complete datagram: header || ciphertext || tag. It
// generates a fresh random nonce for every call.
func (vc *VoiceCipher) Seal(clientID uint32, plaintext []byte) ([]byte, error) {
	header := make([]byte, VoiceHeaderSize)
	binary.BigEndian.PutUint32(header[0:4], clientID)
	if _, err := io.ReadFull(rand.Reader, header[4:16]); err != nil {
		return nil, fmt.Errorf("crypto: generate voice nonce: %w", err)
	}
	nonce := header[4:16]
	out := make([]byte, VoiceHeaderSize, VoiceHeaderSize+len(plaintext)+vc.aead.Overhead())
	copy(out, header)
	out = vc.aead.Seal(out, nonce, plaintext, header)
	return out, nil
}

// Open validates and decrypts a complete datagram, returning the client id
// and plaintext Opus frame.
func (vc *VoiceCipher) Open(datagram []byte) (clientID uint32, plaintext []byte, err error) {
	if len(datagram) < VoiceHeaderSize {
		return 0, nil, ErrVoicePacketTooShort
	}
	header := datagram[:VoiceHeaderSize]
	clientID = binary.BigEndian.Uint32(header[0:4])
	nonce := header[4:16]
	plaintext, err = vc.aead.Open(nil, nonce, datagram[VoiceHeaderSize:], header)
	if err != nil {
		return 0, nil, ErrVoiceDecryptFailed
	}
	return clientID, plaintext, nil
}

// Overhead returns the AEAD tag size in bytes.
func (vc *VoiceCipher) Overhead() int {
	return vc.aead.Overhead()
}
