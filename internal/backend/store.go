// Package backend is the local SQLite-backed record of persisted message
// prefixes, reserved upload targets and registered workspace snapshots.
package backend

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const defaultUploadTTL = 15 * time.Minute

var (
	// ErrCursorRegression is returned when an append would move a chat's
	// persisted cursor backwards.
	ErrCursorRegression = errors.New("message cursor regression")
	// ErrUnknownUpload is returned when registering a storage id that was
	// never reserved, has expired, or was already registered.
	ErrUnknownUpload = errors.New("unknown or expired upload target")
	ErrNotFound      = errors.New("not found")
)

// Store is safe for concurrent use; writes are serialised by the single
// connection.
type Store struct {
	db        *sql.DB
	uploadTTL time.Duration
	now       func() time.Time
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" || p == "." {
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

	return &Store{db: db, uploadTTL: defaultUploadTTL, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SetUploadTTL changes how long reserved upload targets stay valid.
func (s *Store) SetUploadTTL(ttl time.Duration) {
	if ttl > 0 {
		s.uploadTTL = ttl
	}
}

func initSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS chat_messages (
  chat_id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL,
  last_message_rank INTEGER NOT NULL,
  part_index INTEGER NOT NULL,
  body BLOB NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS upload_targets (
  storage_id TEXT PRIMARY KEY,
  token TEXT NOT NULL,
  expires_at_unix_ms INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS snapshots (
  snapshot_id TEXT PRIMARY KEY,
  chat_id TEXT NOT NULL,
  session_id TEXT NOT NULL,
  storage_id TEXT NOT NULL,
  created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_chat_created ON snapshots(chat_id, created_at_unix_ms DESC, snapshot_id DESC);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}
