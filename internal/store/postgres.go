package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Compile-time interface check.
var _ JobKeyStore = (*PostgresJobStore)(nil)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS job_keys (
	key        TEXT PRIMARY KEY,
	task_id    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresJobStore implements JobKeyStore on a shared Postgres database so
// several hosts can reuse each other's report tasks.
type PostgresJobStore struct {
	pool *pgxpool.Pool
}

// NewPostgresJobStore connects to dsn and creates the job_keys table if
// needed.
func NewPostgresJobStore(ctx context.Context, dsn string) (*PostgresJobStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres job store: empty dsn")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating job_keys table: %w", err)
	}
	return &PostgresJobStore{pool: pool}, nil
}

// Get returns the task id stored under key.
func (s *PostgresJobStore) Get(ctx context.Context, key string) (string, bool, error) {
	var taskID string
	err := s.pool.QueryRow(ctx, `SELECT task_id FROM job_keys WHERE key = $1`, key).Scan(&taskID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading job key %q: %w", key, err)
	}
	return taskID, true, nil
}

// Put stores taskID under key unless the key already exists.
func (s *PostgresJobStore) Put(ctx context.Context, key, taskID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO job_keys (key, task_id) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`,
		key, taskID)
	if err != nil {
		return fmt.Errorf("writing job key %q: %w", key, err)
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresJobStore) Close() error {
	s.pool.Close()
	return nil
}
