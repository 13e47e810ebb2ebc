// Package history implements the durable append-only message log on SQLite.
// Appends run on a single writer goroutine so assigned IDs are monotonic and
// concurrent appends never interleave; reads run concurrently against the
// same connection pool.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"lanchat/pkg/protocol"
)

const writeQueueSize = 100

// Store implements interfaces.HistoryStore.
type Store struct {
	db       *sql.DB
	writeCh  chan writeOp
	shutdown chan struct{}
	wg       sync.WaitGroup
	closed   bool
	mu       sync.RWMutex
}

// writeOp is one queued write; the closure reports completion on result.
type writeOp struct {
	fn     func(db *sql.DB) error
	result chan error
}

// Open opens (and if needed creates) the history database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	if err := applyPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:       db,
		writeCh:  make(chan writeOp, writeQueueSize),
		shutdown: make(chan struct{}),
	}

	s.wg.Add(1)
	go s.writeLoop()

	log.Printf("history store opened: path=%s", path)
	return s, nil
}

// writeLoop applies queued writes one at a time. Serializing here, rather
// than with caller-side locking, is what keeps message IDs monotonic under
// concurrent appends.
func (s *Store) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case op := <-s.writeCh:
			op.result <- op.fn(s.db)
		case <-s.shutdown:
			// Drain writes already queued so no acknowledged append is lost.
			for {
				select {
				case op := <-s.writeCh:
					op.result <- op.fn(s.db)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) executeWrite(ctx context.Context, fn func(db *sql.DB) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	s.mu.RUnlock()

	result := make(chan error, 1)
	select {
	case s.writeCh <- writeOp{fn: fn, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.shutdown:
		return ErrStoreClosed
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Append persists a message and returns its assigned ID. The write is
// committed before Append returns, so callers may treat an acknowledged
// message as surviving a crash.
func (s *Store) Append(ctx context.Context, msg *protocol.StoredMessage) (int64, error) {
	var id int64

	err := s.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			INSERT INTO messages (sender, recipient, ciphertext, timestamp)
			VALUES (?, ?, ?, ?)
		`, msg.Sender, msg.Recipient, msg.Ciphertext, msg.Timestamp)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}

		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read message id: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	msg.ID = id
	return id, nil
}

// HistoryFor returns every message relevant to username with ID greater than
// sinceID, in append order: all group messages plus private messages where
// the user is sender or recipient.
func (s *Store) HistoryFor(ctx context.Context, username string, sinceID int64) ([]*protocol.StoredMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender, recipient, ciphertext, timestamp
		FROM messages
		WHERE id > ?
		  AND (recipient IS NULL OR sender = ? OR recipient = ?)
		ORDER BY id ASC
	`, sinceID, username, username)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanMessages(rows)
}

// GroupHistory returns the most recent group messages, oldest first.
func (s *Store) GroupHistory(ctx context.Context, limit int) ([]*protocol.StoredMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender, recipient, ciphertext, timestamp
		FROM (
			SELECT id, sender, recipient, ciphertext, timestamp
			FROM messages
			WHERE recipient IS NULL
			ORDER BY id DESC
			LIMIT ?
		)
		ORDER BY id ASC
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query group history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanMessages(rows)
}

// TouchUser records first-seen/last-seen for a username.
func (s *Store) TouchUser(ctx context.Context, username string) error {
	return s.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO users (username, first_seen, last_seen)
			VALUES (?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(username)
			DO UPDATE SET last_seen = CURRENT_TIMESTAMP
		`, username)
		if err != nil {
			return fmt.Errorf("failed to upsert user: %w", err)
		}
		return nil
	})
}

// Stats reports message and user counts for operator visibility.
func (s *Store) Stats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64)

	queries := map[string]string{
		"total_users":      "SELECT COUNT(*) FROM users",
		"total_messages":   "SELECT COUNT(*) FROM messages",
		"group_messages":   "SELECT COUNT(*) FROM messages WHERE recipient IS NULL",
		"private_messages": "SELECT COUNT(*) FROM messages WHERE recipient IS NOT NULL",
	}

	for name, query := range queries {
		var count int64
		if err := s.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
			return nil, fmt.Errorf("failed to query %s: %w", name, err)
		}
		stats[name] = count
	}

	return stats, nil
}

// Prune deletes messages older than the cutoff and returns how many were
// removed. External maintenance only; the router never deletes.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64

	err := s.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `DELETE FROM messages WHERE timestamp < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("failed to prune messages: %w", err)
		}
		deleted, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to count pruned messages: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if deleted > 0 {
		log.Printf("history pruned: deleted=%d cutoff=%s", deleted, cutoff.Format(time.RFC3339))
	}
	return deleted, nil
}

// Close flushes pending writes and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	s.wg.Wait()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close history database: %w", err)
	}
	return nil
}

func scanMessages(rows *sql.Rows) ([]*protocol.StoredMessage, error) {
	var messages []*protocol.StoredMessage

	for rows.Next() {
		var msg protocol.StoredMessage
		var recipient sql.NullString

		if err := rows.Scan(&msg.ID, &msg.Sender, &recipient, &msg.Ciphertext, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		if recipient.Valid {
			msg.Recipient = &recipient.String
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}

	return messages, nil
}
