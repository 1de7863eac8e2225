package actor

import "errors"

// Sentinel errors the handler maps to HTTP statuses. Edge, request and
// constraint errors are shared with the ledger and store packages.
var (
	// ErrUnknownEntity indicates a grant or query names an entity id with no row.
	ErrUnknownEntity = errors.New("unknown entity")
	// ErrSchemaValidationFailed indicates a mutation or activation violates
	// the active or candidate schema.
	ErrSchemaValidationFailed = errors.New("schema validation failed")
	// ErrDegraded indicates recovery failed and the tenant only serves reads.
	ErrDegraded = errors.New("tenant is degraded read-only")
	// ErrOverQuota indicates the tenant exceeded its memory soft cap.
	ErrOverQuota = errors.New("tenant over quota")
	// ErrTimeout indicates a read exceeded its per-operation deadline.
	ErrTimeout = errors.New("operation timed out")
	// ErrSnapshotStale indicates a conditional snapshot write lost the
	// generation race: another writer owns the tenant.
	ErrSnapshotStale = errors.New("snapshot stale: concurrent writer detected")
)
