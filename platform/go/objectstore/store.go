package objectstore

import (
	"context"
	"errors"
)

// ErrNotFound indicates the requested object key does not exist.
var ErrNotFound = errors.New("object not found")

// ErrPreconditionFailed indicates a conditional put lost a generation race,
// usually a sign of a split-brain writer for the tenant.
var ErrPreconditionFailed = errors.New("object generation precondition failed")

// Object is a fetched blob together with the generation it was read at.
type Object struct {
	Data       []byte
	Generation int64
}

// Store abstracts the durable object storage backing tenant snapshots and
// schema documents. Implementations: GCS (prod), local directory (dev),
// in-memory (tests).
type Store interface {
	// Get fetches an object. Returns ErrNotFound when the key is absent.
	Get(ctx context.Context, key string) (Object, error)
	// Put writes unconditionally and returns the new generation.
	Put(ctx context.Context, key string, data []byte) (int64, error)
	// PutIfGeneration writes only when the object's current generation matches.
	// A generation of zero asserts the key must not exist yet. Returns
	// ErrPreconditionFailed on mismatch.
	PutIfGeneration(ctx context.Context, key string, data []byte, generation int64) (int64, error)
	// Delete removes an object; deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns the keys under a prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
}
