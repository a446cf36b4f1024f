// Package sessionstore is a local SQLite-backed persistence layer for the
// conversation log. One row per namespace holds the serialized message
// sequence; a reload restores the same conversation.
package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Load returns the payload persisted under namespace, reporting whether a
// row exists.
func (s *Store) Load(ctx context.Context, namespace string) ([]byte, bool, error) {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return nil, false, errors.New("missing namespace")
	}
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM session_state WHERE namespace = ?`, namespace).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(payload), true, nil
}

// Save upserts the payload under namespace.
func (s *Store) Save(ctx context.Context, namespace string, payload []byte) error {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return errors.New("missing namespace")
	}
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_state (namespace, payload, updated_at_unix_ms)
		VALUES (?, ?, ?)
		ON CONFLICT(namespace) DO UPDATE SET
			payload = excluded.payload,
			updated_at_unix_ms = excluded.updated_at_unix_ms
	`, namespace, string(payload), now)
	return err
}

// Delete drops the row for namespace. No-op if absent.
func (s *Store) Delete(ctx context.Context, namespace string) error {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return errors.New("missing namespace")
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM session_state WHERE namespace = ?`, namespace)
	return err
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS session_state (
			namespace TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			updated_at_unix_ms INTEGER NOT NULL
		);
	`)
	return err
}
