package acl

import (
	"context"
	"testing"
	"time"

	"github.com/whispr-chat/whispr/internal/crypto"
	"github.com/whispr-chat/whispr/internal/model"
)

type fakeUserReader struct {
	users map[string]*model.User
}

func (f *fakeUserReader) GetUserByUsername(_ context.Context, username string) (*model.User, error) {
	return f.users[username], nil
}

func newUserWithPassword(t *testing.T, username, password string) *model.User {
	t.Helper()
	salt, hash, err := crypto.HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	return &model.User{ID: 1, Username: username, PasswordSalt: salt, PasswordHash: hash}
}

func TestVerifyCredentials(t *testing.T) {
	users := &fakeUserReader{users: map[string]*model.User{
		"admin": newUserWithPassword(t, "admin", "hunter2"),
	}}

	if _, err := VerifyCredentials(context.Background(), users, "admin", "hunter2"); err != nil {
		t.Fatalf("expected correct credentials to verify, got %v", err)
	}
	if _, err := VerifyCredentials(context.Background(), users, "admin", "wrong"); err != ErrInvalidCredentials {
		t.Fatalf("expected ErrInvalidCredentials for wrong password, got %v", err)
	}
	if _, err := VerifyCredentials(context.Background(), users, "ghost", "anything"); err != ErrInvalidCredentials {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
}

func TestTokenStoreSingleSessionPerUser(t *testing.T) {
	store := NewTokenStore(24 * time.Hour)

	if store.HasActiveSession(1) {
		t.Fatal("fresh store should have no active sessions")
	}
	sess, err := store.Issue(1)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !store.HasActiveSession(1) {
		t.Fatal("expected active session after Issue")
	}
	if _, ok := store.Validate(sess.Token); !ok {
		t.Fatal("expected issued token to validate")
	}

	store.Revoke(sess.Token)
	if store.HasActiveSession(1) {
		t.Fatal("expected no active session after Revoke")
	}
	if _, ok := store.Validate(sess.Token); ok {
		t.Fatal("expected revoked token to fail validation")
	}
}

func TestTokenStoreExpiry(t *testing.T) {
	store := NewTokenStore(-time.Second) // already expired on issue
	sess, err := store.Issue(1)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, ok := store.Validate(sess.Token); ok {
		t.Fatal("expected expired token to fail validation")
	}
}
