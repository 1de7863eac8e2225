package kvlog

import (
	"context"
	"errors"
)

// ErrVersionExists indicates an append collided with an already stored
// version, which means another writer is active for the tenant.
var ErrVersionExists = errors.New("log version already exists")

// ErrUnavailable wraps backend failures the caller should retry with backoff.
var ErrUnavailable = errors.New("mutation log unavailable")

// Entry is one stored mutation, opaque to the log.
type Entry struct {
	Version uint64
	Data    []byte
}

// Log is the bounded key-value mutation log keyed by (tenant, version).
// Implementations: bolt (durable) and in-memory (tests).
type Log interface {
	// Append stores an entry. Returns ErrVersionExists when the version is
	// already present for the tenant.
	Append(ctx context.Context, tenant string, version uint64, data []byte) error
	// Range returns entries with from <= version <= to, in version order.
	// Missing versions inside the range are an error: the log is dense.
	Range(ctx context.Context, tenant string, from, to uint64) ([]Entry, error)
	// Bounds returns the oldest and newest retained versions, zeroes when empty.
	Bounds(ctx context.Context, tenant string) (oldest, newest uint64, err error)
	// PruneBelow removes entries with version < below.
	PruneBelow(ctx context.Context, tenant string, below uint64) error
	// Close releases backend resources.
	Close() error
}
