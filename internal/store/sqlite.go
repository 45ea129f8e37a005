package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ JobKeyStore = (*SQLiteJobStore)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS job_keys (
	key        TEXT PRIMARY KEY,
	task_id    TEXT NOT NULL,
	created_at INTEGER NOT NULL
)`

// SQLiteJobStore implements JobKeyStore backed by a SQLite database.
type SQLiteJobStore struct {
	db *sql.DB
}

// NewSQLiteJobStore opens (or creates) a SQLite database at dbPath, creates
// the job_keys table if needed and returns a ready-to-use store.
func NewSQLiteJobStore(dbPath string) (*SQLiteJobStore, error) {
	if dbPath == "" {
		return nil, errors.New("sqlite job store: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating sqlite directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", dbPath, err)
	}
	// A single connection serialises writers and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating job_keys table: %w", err)
	}
	return &SQLiteJobStore{db: db}, nil
}

// Get returns the task id stored under key.
func (s *SQLiteJobStore) Get(ctx context.Context, key string) (string, bool, error) {
	var taskID string
	err := s.db.QueryRowContext(ctx, `SELECT task_id FROM job_keys WHERE key = ?`, key).Scan(&taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading job key %q: %w", key, err)
	}
	return taskID, true, nil
}

// Put stores taskID under key unless the key already exists.
func (s *SQLiteJobStore) Put(ctx context.Context, key, taskID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO job_keys (key, task_id, created_at) VALUES (?, ?, ?)`,
		key, taskID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("writing job key %q: %w", key, err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteJobStore) Close() error {
	return s.db.Close()
}
