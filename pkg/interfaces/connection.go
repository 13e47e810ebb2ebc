package interfaces

import (
	"net"

	"lanchat/pkg/protocol"
)

// Connection is the server-side handle for one connected client. All
// implementations must serialize writes internally (single-writer pattern) so
// the router can deliver to many connections concurrently without caller-side
// locking, and must bound how long a write to a slow peer can block.
type Connection interface {
	// ID returns a unique identifier assigned at accept time, before the
	// client has claimed a username. Used for logging and registry guards.
	ID() string

	// Username returns the registered username, or "" before a successful
	// join.
	Username() string

	// WriteEnvelope queues an envelope for delivery. It returns
	// ErrWriteTimeout if the peer cannot drain its queue within the
	// configured bound, and ErrConnectionClosed after teardown. Both are
	// per-target failures: the caller continues delivering to others.
	WriteEnvelope(env *protocol.Envelope) error

	// Close tears the connection down. Safe to call more than once.
	Close() error

	// RemoteAddr reports the peer address for logging.
	RemoteAddr() net.Addr
}
