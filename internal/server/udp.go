package server

import (
	"net"
	"sync"

	"golang.org/x/time/rate"
)

// audioRateLimit and audioRateBurst bound the audio relay to 100 datagrams
// per second per registered client.
const (
	audioRateLimit = 100
	audioRateBurst = 100
)

// udpEndpoint is one registered client's current audio binding: the
// client id the relay header carries, the last-seen source address, and
// the rate limiter guarding its inbound datagrams.
type udpEndpoint struct {
	clientID uint32
	addr     *net.UDPAddr
	limiter  *rate.Limiter
}

// UDPRegistry is the endpoint registry described in the audio relay's
// design: client_id -> user_id, user_id -> client_id, and user_id -> their
// current (client_id, endpoint) pair, all kept in lockstep. IDs are handed
// out from a monotonically advancing counter that wraps and skips any id
// still in use, rather than drawn at random, so a restarted client that
// re-registers quickly is unlikely to collide with its own prior id.
type UDPRegistry struct {
	mu         sync.RWMutex
	next       uint32
	clientUser map[uint32]int64
	userClient map[int64]uint32
	endpoints  map[int64]*udpEndpoint
}

func NewUDPRegistry() *UDPRegistry {
	return &UDPRegistry{
		clientUser: make(map[uint32]int64),
		userClient: make(map[int64]uint32),
		endpoints:  make(map[int64]*udpEndpoint),
	}
}

// Register allocates the next unused client id for userID and records the
// (client_id, user_id) binding in both directions. Any previous
// registration for userID is replaced.
func (r *UDPRegistry) Register(userID int64) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.userClient[userID]; ok {
		delete(r.clientUser, old)
	}

	id := r.next
	for {
		if _, occupied := r.clientUser[id]; !occupied {
			break
		}
		id++
	}
	r.next = id + 1

	r.clientUser[id] = userID
	r.userClient[userID] = id
	r.endpoints[userID] = &udpEndpoint{
		clientID: id,
		limiter:  rate.NewLimiter(rate.Limit(audioRateLimit), audioRateBurst),
	}
	return id
}

// ClientIDFor returns the client id currently registered for userID.
func (r *UDPRegistry) ClientIDFor(userID int64) (uint32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.userClient[userID]
	return id, ok
}

// UserFor resolves the user a client id currently belongs to.
func (r *UDPRegistry) UserFor(clientID uint32) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.clientUser[clientID]
	return userID, ok
}

// BindEndpoint records remoteAddr as the current source for clientID,
// rebinding it on every call. Clients legitimately rotate source ports
// behind NAT, so the registry always trusts the most recently observed
// address for a known client id. There is no address pinning: a datagram
// carrying another user's client id rebinds that user's endpoint, and the
// relay forwards it to that user's channel.
func (r *UDPRegistry) BindEndpoint(clientID uint32, remoteAddr *net.UDPAddr) (ok bool, limiter *rate.Limiter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, known := r.clientUser[clientID]
	if !known {
		return false, nil
	}
	ep := r.endpoints[userID]
	if ep == nil || ep.clientID != clientID {
		return false, nil
	}
	ep.addr = remoteAddr
	return true, ep.limiter
}

// EndpointFor returns the currently bound address for userID, or nil if
// none has been learned yet.
func (r *UDPRegistry) EndpointFor(userID int64) *net.UDPAddr {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep := r.endpoints[userID]
	if ep == nil {
		return nil
	}
	return ep.addr
}

// UnregisterUser removes every direction of userID's registration.
func (r *UDPRegistry) UnregisterUser(userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.userClient[userID]; ok {
		delete(r.clientUser, id)
	}
	delete(r.userClient, userID)
	delete(r.endpoints, userID)
}
