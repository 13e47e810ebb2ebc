package interfaces

import "time"

// Session is the live binding between a username and an open connection.
// Sessions are created by Registry.Register and exclusively owned by the
// registry until unregistered.
type Session struct {
	Username string
	Conn     Connection
	JoinedAt time.Time
}

// Registry is the single source of truth for who is online. All operations
// are linearizable relative to each other and complete without suspension
// (in-memory only), so no caller ever holds the registry up while blocked on
// the network.
type Registry interface {
	// Register atomically claims a username for the given connection.
	// Exactly one of two concurrent registrations for the same username
	// succeeds; the other receives ErrUsernameTaken. ErrServerFull is
	// returned when the configured session cap is reached.
	Register(username string, conn Connection) (*Session, error)

	// Unregister releases a username. Idempotent: releasing a username
	// that is not registered is a no-op. When conn is non-nil the slot is
	// only released if it is still bound to that same connection, so a
	// rejected duplicate join can never evict the live session.
	Unregister(username string, conn Connection)

	// Lookup returns the connection currently bound to a username.
	Lookup(username string) (Connection, bool)

	// ListActive returns the sorted set of registered usernames.
	ListActive() []string

	// Count returns the number of live sessions.
	Count() int
}
