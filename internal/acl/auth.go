package acl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/whispr-chat/whispr/internal/crypto"
	"github.com/whispr-chat/whispr/internal/model"
)

var ErrInvalidCredentials = errors.New("acl: invalid username or password")

// UserReader is the narrow read surface credential verification needs.
type UserReader interface {
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
}

// VerifyCredentials looks up the user by username and checks the password
// with a constant-time PBKDF2-SHA256 comparison. Returns ErrInvalidCredentials
// for both "no such user" and "wrong password" so callers cannot enumerate
// usernames by timing or error shape.
func VerifyCredentials(ctx context.Context, users UserReader, username, password string) (*model.User, error) {
	user, err := users.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("acl: lookup user: %w", err)
	}
	if user == nil {
		return nil, ErrInvalidCredentials
	}
	if !crypto.VerifyPassword(password, user.PasswordSalt, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// TokenStore is the in-memory session token registry: an opaque token maps
// to the issuing user and issue time, with an expiry checked on every
// touch. Guarded by a single RWMutex, matching the locking discipline the
// rest of the server uses for its concurrent maps.
type TokenStore struct {
	mu           sync.RWMutex
	byToken      map[string]model.Session
	tokenForUser map[int64]string
	lifetime     time.Duration
}

func NewTokenStore(lifetime time.Duration) *TokenStore {
	return &TokenStore{
		byToken:      make(map[string]model.Session),
		tokenForUser: make(map[int64]string),
		lifetime:     lifetime,
	}
}

// HasActiveSession reports whether userID already holds a live,
// non-expired session — the single-session-per-user check the login
// handler must perform before issuing a new token.
func (s *TokenStore) HasActiveSession(userID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.tokenForUser[userID]
	if !ok {
		return false
	}
	sess, ok := s.byToken[token]
	return ok && !sess.Expired(time.Now())
}

// Issue creates and stores a new session token for userID. Callers must
// have already confirmed HasActiveSession is false.
func (s *TokenStore) Issue(userID int64) (model.Session, error) {
	token, err := crypto.GenerateSessionToken()
	if err != nil {
		return model.Session{}, fmt.Errorf("acl: issue token: %w", err)
	}
	now := time.Now()
	sess := model.Session{
		Token:     token,
		UserID:    userID,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.lifetime),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byToken[token] = sess
	s.tokenForUser[userID] = token
	return sess, nil
}

// Validate returns the session for token if it exists and has not expired.
func (s *TokenStore) Validate(token string) (model.Session, bool) {
	s.mu.RLock()
	sess, ok := s.byToken[token]
	s.mu.RUnlock()
	if !ok || sess.Expired(time.Now()) {
		return model.Session{}, false
	}
	return sess, true
}

// Revoke drops the token and its user index entry, e.g. on logout or
// disconnect.
func (s *TokenStore) Revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byToken[token]
	if !ok {
		return
	}
	delete(s.byToken, token)
	if s.tokenForUser[sess.UserID] == token {
		delete(s.tokenForUser, sess.UserID)
	}
}

// RevokeUser drops whatever token is currently bound to userID, used for
// server-initiated revocation (e.g. admin-forced logout).
func (s *TokenStore) RevokeUser(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokenForUser[userID]
	if !ok {
		return
	}
	delete(s.byToken, token)
	delete(s.tokenForUser, userID)
}
