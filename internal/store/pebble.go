package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// Compile-time interface check.
var _ JobKeyStore = (*PebbleJobStore)(nil)

const pebbleKeyPrefix = "job/"

// PebbleJobStore implements JobKeyStore on an embedded Pebble database.
// Writes are synced before Put returns.
type PebbleJobStore struct {
	db *pebble.DB
}

// NewPebbleJobStore opens (or creates) a Pebble database in dir.
func NewPebbleJobStore(dir string) (*PebbleJobStore, error) {
	if dir == "" {
		return nil, errors.New("pebble job store: empty directory")
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("opening pebble %s: %w", dir, err)
	}
	return &PebbleJobStore{db: db}, nil
}

// Get returns the task id stored under key.
func (s *PebbleJobStore) Get(_ context.Context, key string) (string, bool, error) {
	val, closer, err := s.db.Get(pebbleKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading job key %q: %w", key, err)
	}
	defer closer.Close()

	// val is only valid until closer is closed.
	return string(val), true, nil
}

// Put stores taskID under key unless the key already exists.
func (s *PebbleJobStore) Put(ctx context.Context, key, taskID string) error {
	if _, ok, err := s.Get(ctx, key); err != nil || ok {
		return err
	}
	if err := s.db.Set(pebbleKey(key), []byte(taskID), pebble.Sync); err != nil {
		return fmt.Errorf("writing job key %q: %w", key, err)
	}
	return nil
}

// Close closes the database.
func (s *PebbleJobStore) Close() error {
	return s.db.Close()
}

func pebbleKey(key string) []byte {
	return []byte(pebbleKeyPrefix + key)
}
