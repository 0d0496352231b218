package room

import (
	"crypto/subtle"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
)

// Manager owns every live Room and the durable password store.
type Manager struct {
	store PasswordStore

	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewManager builds a room Manager backed by store.
func NewManager(store PasswordStore) *Manager {
	return &Manager{store: store, rooms: make(map[string]*Room)}
}

// GetOrCreate returns the room for code, creating it (and, if a password
// hash is already durably stored for that code, hydrating it) on first
// use. Rooms come into being implicitly, on first join or password-set.
func (m *Manager) GetOrCreate(code string) (*Room, error) {
	code = NormalizeCode(code)

	m.mu.RLock()
	r, ok := m.rooms[code]
	m.mu.RUnlock()
	if ok {
		return r, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[code]; ok {
		return r, nil
	}
	r = newRoom(code)
	if hash, found, err := m.store.Get(code); err != nil {
		return nil, fmt.Errorf("hydrating room %s: %w", code, err)
	} else if found {
		r.passwordHash = hash
		r.passwordSet = true
	}
	m.rooms[code] = r
	return r, nil
}

// Get returns an existing room without creating it.
func (m *Manager) Get(code string) (*Room, bool) {
	code = NormalizeCode(code)
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[code]
	return r, ok
}

// SetPassword sets a room's password hash exactly once, persisting it to
// the durable store under the same critical section that guards the
// in-memory flag, so no window exists in which two racing callers can
// both believe they set it first.
func (m *Manager) SetPassword(code, hash string) error {
	r, err := m.GetOrCreate(code)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.passwordSet {
		return ErrPasswordAlreadySet
	}
	if err := m.store.Put(r.Code, hash); err != nil {
		return fmt.Errorf("persisting password for %s: %w", code, err)
	}
	r.passwordHash = hash
	r.passwordSet = true
	return nil
}

// CheckPassword reports whether hash matches the room's stored hash. The
// comparison is constant-time; the hashes are opaque strings to us.
func (m *Manager) CheckPassword(code, hash string) (hasPassword bool, ok bool) {
	r, exists := m.Get(NormalizeCode(code))
	if !exists {
		return false, true // no room yet means no password set
	}
	stored, set := r.PasswordHash()
	if !set {
		return false, true
	}
	return true, subtle.ConstantTimeCompare([]byte(stored), []byte(hash)) == 1
}

// MaybeDestroy removes a room once its last peer has left, unless it
// carries durable state (a password) that must survive connection churn.
func (m *Manager) MaybeDestroy(code string) {
	code = NormalizeCode(code)
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[code]
	if !ok {
		return
	}
	if r.PeerCount() > 0 {
		return
	}
	if r.HasPassword() {
		return
	}
	delete(m.rooms, code)
}

// NewPeerID generates a fresh, room-lifetime-unique peer id.
func NewPeerID() string {
	return uuid.NewString()
}

// AssignRoomCode picks a room for a client that asked for none, derived
// from its source address so devices behind one NAT land together. A
// convenience default, not a security boundary.
func AssignRoomCode(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	sum := 0
	for _, b := range []byte(host) {
		sum = sum*31 + int(b)
	}
	if sum < 0 {
		sum = -sum
	}
	const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	code := make([]byte, 6)
	for i := range code {
		code[i] = alphabet[sum%len(alphabet)]
		sum /= len(alphabet)
	}
	return string(code)
}
