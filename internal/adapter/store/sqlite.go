// Package store persists conversations, messages and long-term notes in SQLite.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"switchboard/internal/domain"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// DB is an open SQLite database with the switchboard schema.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and runs the migration.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// One writer at a time; readers share the WAL.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Messages returns the message repository.
func (d *DB) Messages() *MessageStore { return &MessageStore{db: d.db} }

// Conversations returns the conversation repository.
func (d *DB) Conversations() *ConversationStore { return &ConversationStore{db: d.db} }

// Memory returns the long-term note repository.
func (d *DB) Memory() *MemoryStore { return &MemoryStore{db: d.db} }

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			title      TEXT NOT NULL DEFAULT '',
			well_known INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(well_known, updated_at);

		CREATE TABLE IF NOT EXISTS messages (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			id              TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			attachments     TEXT NOT NULL DEFAULT '[]',
			metadata        TEXT NOT NULL DEFAULT '{}',
			created_at      TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at, seq);

		CREATE TABLE IF NOT EXISTS memory_notes (
			id         TEXT PRIMARY KEY,
			content    TEXT NOT NULL,
			tags       TEXT NOT NULL DEFAULT '[]',
			author     TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);
	`)
	if err != nil {
		return err
	}
	_, err = db.Exec(
		"INSERT OR IGNORE INTO conversations (id, title, well_known, updated_at) VALUES (?, ?, 1, ?)",
		domain.FeedConversationID, "Feed", formatTime(time.Now()),
	)
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

type scanner interface {
	Scan(dest ...any) error
}
