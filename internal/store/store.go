// Package store defines the persistence contracts used by the coordination
// components and provides their backends: durable job key stores (SQLite,
// Pebble, Postgres, memory) and a Parquet archive for operations history.
package store

import (
	"context"
	"errors"
	"time"

	"tradeops/internal/domain"
)

// ErrUnknownBackend is returned by Open for an unsupported backend name.
var ErrUnknownBackend = errors.New("unknown job store backend")

// JobKeyStore is a durable mapping from a deterministic job key to the task
// id the venue assigned when the job was first submitted. Implementations
// must survive process restarts. No TTL semantics are assumed.
type JobKeyStore interface {
	// Get returns the task id stored under key. ok is false when the key
	// has never been stored.
	Get(ctx context.Context, key string) (taskID string, ok bool, err error)

	// Put stores taskID under key. An existing entry is kept.
	Put(ctx context.Context, key, taskID string) error

	// Close releases the underlying resources.
	Close() error
}

// OperationStore archives drained operations history.
type OperationStore interface {
	// WriteOperations persists a batch of operations for an account.
	WriteOperations(ctx context.Context, account string, ops []domain.Operation) error

	// ReadOperations returns operations for the account within [start, end].
	ReadOperations(ctx context.Context, account string, start, end time.Time) ([]domain.Operation, error)
}
