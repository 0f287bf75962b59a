package server

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/whispr-chat/whispr/internal/protocol"
)

// controlRateLimit and controlRateBurst bound the control plane to 30
// messages per second per connection.
const (
	controlRateLimit = 30
	controlRateBurst = 30
)

// ConnState is the live control-plane state for one authenticated,
// connected user. Only one ConnState exists per user at a time — login
// enforces that via acl.TokenStore.HasActiveSession before a second one is
// ever created.
type ConnState struct {
	UserID   int64
	Username string
	IsAdmin  bool
	Token    string

	ChannelID int64 // 0 means not currently in any channel

	Muted    bool
	Deafened bool

	ControlLimiter *rate.Limiter

	outbox chan protocol.Envelope
}

// newConnState sizes the outbox to absorb a burst of server-initiated
// fan-out (e.g. a busy channel's member_joined storm) without blocking the
// writer goroutine under ordinary load.
func newConnState(userID int64, username string, isAdmin bool, token string) *ConnState {
	return &ConnState{
		UserID:         userID,
		Username:       username,
		IsAdmin:        isAdmin,
		Token:          token,
		ControlLimiter: rate.NewLimiter(rate.Limit(controlRateLimit), controlRateBurst),
		outbox:         make(chan protocol.Envelope, 64),
	}
}

// Send enqueues an outbound envelope for the connection's writer goroutine.
// A full outbox means the peer isn't draining its reads; the message is
// dropped rather than blocking every other handler on a stuck peer.
func (c *ConnState) Send(env protocol.Envelope) bool {
	select {
	case c.outbox <- env:
		return true
	default:
		return false
	}
}

// SessionManager is the registry of connected, authenticated users, keyed
// by user id. Guarded by a single RWMutex, matching the locking discipline
// used throughout this package's shared maps.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[int64]*ConnState
}

func NewSessionManager() *SessionManager {
	return &SessionManager{sessions: make(map[int64]*ConnState)}
}

// Create registers a new ConnState for userID, replacing any prior entry.
// Callers must already have confirmed single-session-per-user via
// acl.TokenStore.
func (m *SessionManager) Create(userID int64, username string, isAdmin bool, token string) *ConnState {
	conn := newConnState(userID, username, isAdmin, token)
	m.mu.Lock()
	m.sessions[userID] = conn
	m.mu.Unlock()
	return conn
}

func (m *SessionManager) Get(userID int64) (*ConnState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.sessions[userID]
	return c, ok
}

// Remove drops userID's ConnState only if it is still the one identified by
// token — a stale cleanup from a since-superseded connection must not evict
// the session that replaced it.
func (m *SessionManager) Remove(userID int64, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.sessions[userID]; ok && c.Token == token {
		delete(m.sessions, userID)
	}
}

// Count returns the number of currently connected users.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// All returns a snapshot slice of every connected session.
func (m *SessionManager) All() []*ConnState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ConnState, 0, len(m.sessions))
	for _, c := range m.sessions {
		out = append(out, c)
	}
	return out
}
