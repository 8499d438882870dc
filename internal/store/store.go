// Package store owns the SQLite connection, schema and the conversation
// records that triggers and the learning pipeline read from.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the shared database handle.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at dbPath and applies the schema.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Migrate applies the schema and best-effort column migrations for older
// databases. It is safe to call on every start.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	// Best-effort migrations (no-op if the column exists).
	_, _ = db.Exec(`ALTER TABLE behavior_patterns ADD COLUMN occurrences INTEGER NOT NULL DEFAULT 0`)
	_, _ = db.Exec(`ALTER TABLE behavior_patterns ADD COLUMN confirmed BOOLEAN NOT NULL DEFAULT 0`)
	_, _ = db.Exec(`ALTER TABLE learning_logs ADD COLUMN consolidation_error TEXT NOT NULL DEFAULT ''`)
	_, _ = db.Exec(`ALTER TABLE performance_metrics ADD COLUMN satisfaction_samples INTEGER NOT NULL DEFAULT 0`)
	return nil
}

// Wrap adopts an already-open handle; the schema is applied.
func Wrap(db *sql.DB) (*Store, error) {
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error {
	return s.db.Close()
}

// EncodeJSON marshals v for a TEXT column. Nil maps and slices encode as
// empty containers so the column defaults stay meaningful.
func EncodeJSON(v any) string {
	if v == nil {
		return "{}"
	}
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return "{}"
	}
	return string(data)
}

// EncodeList marshals a slice for a TEXT column; nil encodes as "[]".
func EncodeList[T any](v []T) string {
	if v == nil {
		return "[]"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// DecodeJSON unmarshals a TEXT column into v. Empty strings are ignored.
func DecodeJSON(raw string, v any) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode json column: %w", err)
	}
	return nil
}

// Now returns the current UTC time. Tests replace it to pin the clock.
var Now = func() time.Time { return time.Now().UTC() }

// NullTime converts a nullable column into a pointer.
func NullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
