package interfaces

import (
	"context"

	"lanchat/pkg/protocol"
)

// HistoryStore is the durable append-only message log. Appends are serialized
// so assigned IDs are monotonic and never reused; reads may run concurrently
// with appends but never observe a partially written record. Append must be
// durable before it returns.
type HistoryStore interface {
	// Append persists a message and returns its assigned ID.
	Append(ctx context.Context, msg *protocol.StoredMessage) (int64, error)

	// HistoryFor returns, in append order, every message relevant to the
	// username with ID greater than sinceID: all group messages plus
	// private messages where the user is sender or recipient.
	HistoryFor(ctx context.Context, username string, sinceID int64) ([]*protocol.StoredMessage, error)

	// GroupHistory returns the most recent group messages, oldest first,
	// capped at limit. Used for replay on join.
	GroupHistory(ctx context.Context, limit int) ([]*protocol.StoredMessage, error)

	// TouchUser records that a username connected, updating its
	// first-seen/last-seen bookkeeping.
	TouchUser(ctx context.Context, username string) error

	// Close flushes pending writes and releases the store.
	Close() error
}
