package store

import (
	"context"
	"fmt"
	"strings"
)

// Backend names accepted by Open.
const (
	BackendSQLite   = "sqlite"
	BackendPebble   = "pebble"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Open creates the JobKeyStore selected by backend. location is a file path
// for sqlite, a directory for pebble and a DSN for postgres; it is ignored
// for memory.
func Open(ctx context.Context, backend, location string) (JobKeyStore, error) {
	switch strings.ToLower(backend) {
	case BackendSQLite, "":
		return NewSQLiteJobStore(location)
	case BackendPebble:
		return NewPebbleJobStore(location)
	case BackendPostgres:
		return NewPostgresJobStore(ctx, location)
	case BackendMemory:
		return NewMemoryJobStore(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
}
