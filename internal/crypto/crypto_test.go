package crypto

import "testing"

func TestPasswordRoundTrip(t *testing.T) {
	salt, hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if len(salt) != PasswordSaltSize {
		t.Fatalf("salt size = %d, want %d", len(salt), PasswordSaltSize)
	}
	if len(hash) != PasswordHashSize {
		t.Fatalf("hash size = %d, want %d", len(hash), PasswordHashSize)
	}
	if !VerifyPassword("correct horse battery staple", salt, hash) {
		t.Fatal("expected correct password to verify")
	}
	if VerifyPassword("wrong password", salt, hash) {
		t.Fatal("expected wrong password to fail verification")
	}
}

func TestAtRestEncryptionRoundTrip(t *testing.T) {
	key, err := GenerateKey(CipherAES256GCM)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	aead, err := NewAEAD(CipherAES256GCM, key)
	if err != nil {
		t.Fatalf("NewAEAD: %v", err)
	}
	stored, err := EncryptAtRest(aead, "hello there")
	if err != nil {
		t.Fatalf("EncryptAtRest: %v", err)
	}
	if !IsEncrypted(stored) {
		t.Fatalf("expected %q to carry the enc: prefix", stored)
	}
	plain, err := DecryptAtRest(aead, stored)
	if err != nil {
		t.Fatalf("DecryptAtRest: %v", err)
	}
	if plain != "hello there" {
		t.Fatalf("round trip mismatch: got %q", plain)
	}
}

func TestVoiceCipherRoundTrip(t *testing.T) {
	key, err := GenerateKey(CipherAES256GCM)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	vc, err := NewVoiceCipher(CipherAES256GCM, key)
	if err != nil {
		t.Fatalf("NewVoiceCipher: %v", err)
	}
	frame := []byte{1, 2, 3, 4, 5}
	datagram, err := vc.Seal(42, frame)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	clientID, plaintext, err := vc.Open(datagram)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if clientID != 42 {
		t.Fatalf("clientID = %d, want 42", clientID)
	}
	if string(plaintext) != string(frame) {
		t.Fatalf("plaintext mismatch: got %v want %v", plaintext, frame)
	}
}

func TestVoiceCipherRejectsTooShort(t *testing.T) {
	key, _ := GenerateKey(CipherAES256GCM)
	vc, _ := NewVoiceCipher(CipherAES256GCM, key)
	if _, _, err := vc.Open([]byte{1, 2, 3}); err != ErrVoicePacketTooShort {
		t.Fatalf("expected ErrVoicePacketTooShort, got %v", err)
	}
}

func TestGenerateSessionToken(t *testing.T) {
	a, err := GenerateSessionToken()
	if err != nil {
		t.Fatalf("GenerateSessionToken: %v", err)
	}
	b, err := GenerateSessionToken()
	if err != nil {
		t.Fatalf("GenerateSessionToken: %v", err)
	}
	if a == b {
		t.Fatal("expected distinct tokens")
	}
	if len(a) != SessionTokenSize*2 {
		t.Fatalf("token length = %d, want %d (hex-encoded)", len(a), SessionTokenSize*2)
	}
}
