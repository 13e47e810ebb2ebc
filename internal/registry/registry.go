// Package registry tracks live sessions: the concurrent mapping from username
// to connection handle. It is the single source of truth for who is online.
package registry

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"lanchat/pkg/interfaces"
)

// Registry implements interfaces.Registry with a single mutex guarding the
// session map. No operation suspends while holding the lock, so the time any
// connection worker can be blocked on the registry is bounded by map access.
type Registry struct {
	mu          sync.RWMutex
	sessions    map[string]*interfaces.Session
	maxSessions int
}

// New creates a registry capped at maxSessions live sessions. A cap of zero
// or less means unlimited.
func New(maxSessions int) *Registry {
	return &Registry{
		sessions:    make(map[string]*interfaces.Session),
		maxSessions: maxSessions,
	}
}

// Register atomically claims a username. The check-and-insert runs under one
// lock acquisition so two concurrent registrations for the same username
// yield exactly one success and one ErrUsernameTaken.
func (r *Registry) Register(username string, conn interfaces.Connection) (*interfaces.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[username]; exists {
		return nil, interfaces.ErrUsernameTaken
	}
	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		return nil, interfaces.ErrServerFull
	}

	session := &interfaces.Session{
		Username: username,
		Conn:     conn,
		JoinedAt: time.Now(),
	}
	r.sessions[username] = session

	log.Printf("session registered: user=%s conn=%s total=%d", username, conn.ID(), len(r.sessions))
	return session, nil
}

// Unregister releases a username. Idempotent: a second call for the same
// username is a no-op. When conn is non-nil the slot is only released if it
// is still bound to that connection, which keeps a lingering worker from a
// rejected duplicate join from evicting the live session.
func (r *Registry) Unregister(username string, conn interfaces.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, exists := r.sessions[username]
	if !exists {
		return
	}
	if conn != nil && session.Conn.ID() != conn.ID() {
		return
	}

	delete(r.sessions, username)
	log.Printf("session unregistered: user=%s total=%d", username, len(r.sessions))
}

// Lookup returns the connection currently bound to a username.
func (r *Registry) Lookup(username string) (interfaces.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, exists := r.sessions[username]
	if !exists {
		return nil, false
	}
	return session.Conn, true
}

// ListActive returns the registered usernames in sorted order.
func (r *Registry) ListActive() []string {
	r.mu.RLock()
	users := lo.Keys(r.sessions)
	r.mu.RUnlock()

	sort.Strings(users)
	return users
}

// Snapshot returns the live sessions at this instant. The router iterates the
// snapshot outside the lock so a slow delivery never blocks registrations.
func (r *Registry) Snapshot() []*interfaces.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.Values(r.sessions)
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}
