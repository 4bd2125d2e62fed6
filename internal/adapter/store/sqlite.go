// Package store persists conversation transcripts.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"colloquy/internal/domain"
)

var _ domain.TranscriptStore = (*SQLiteStore)(nil)

// SQLiteStore implements domain.TranscriptStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath
// and runs the schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open transcript db: %w", err)
	}
	// A single writer connection keeps the pragmas below in effect.
	db.SetMaxOpenConns(1)
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate transcript db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS transcripts (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL DEFAULT '',
			author          TEXT NOT NULL,
			content         TEXT NOT NULL,
			kind            TEXT NOT NULL DEFAULT '',
			created_at      TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_transcripts_conversation
			ON transcripts (conversation_id, seq);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save appends one entry. A zero timestamp is replaced with the current time.
func (s *SQLiteStore) Save(ctx context.Context, e domain.TranscriptEntry) error {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO transcripts (conversation_id, author, content, kind, created_at) VALUES (?, ?, ?, ?, ?)",
		e.ConversationID, e.Author, e.Content, e.Kind, ts.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return domain.WrapOp("SQLiteStore.Save", err)
	}
	return nil
}

// GetRecent returns up to n entries, oldest first.
func (s *SQLiteStore) GetRecent(ctx context.Context, n int) ([]domain.TranscriptEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, author, content, kind, created_at FROM (
			SELECT seq, conversation_id, author, content, kind, created_at
			FROM transcripts ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, n)
	if err != nil {
		return nil, domain.WrapOp("SQLiteStore.GetRecent", err)
	}
	defer rows.Close()

	var entries []domain.TranscriptEntry
	for rows.Next() {
		var (
			e       domain.TranscriptEntry
			created string
		)
		if err := rows.Scan(&e.ConversationID, &e.Author, &e.Content, &e.Kind, &created); err != nil {
			return nil, domain.WrapOp("SQLiteStore.GetRecent", err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
