package history

import (
	"database/sql"
	"fmt"
)

// The messages table is the append-only log; AUTOINCREMENT guarantees IDs are
// monotonic and never reused even after deletes. A NULL recipient marks a
// group message.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		sender     TEXT NOT NULL,
		recipient  TEXT,
		ciphertext BLOB NOT NULL,
		timestamp  DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		username   TEXT PRIMARY KEY,
		first_seen DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_seen  DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp)`,
}

func createSchema(db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		// Appends are acknowledged to senders as durable, so fsync on commit.
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA temp_store = MEMORY",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}
