package model

import "time"

// Session is the authentication record created on login: an opaque token
// bound to a user and an issue time. It is never persisted to the
// relational store — the auth engine holds it in memory for the session's
// lifetime and drops it on logout, timeout, or server restart.
type Session struct {
	Token     string
	UserID    int64
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the session has passed its configured lifetime.
func (s Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
