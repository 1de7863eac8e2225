package actor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/edgewarden/edgewarden/domains/authz/be/graph"
	"github.com/edgewarden/edgewarden/domains/authz/be/hub"
	"github.com/edgewarden/edgewarden/domains/authz/be/ledger"
	"github.com/edgewarden/edgewarden/domains/authz/be/proof"
	"github.com/edgewarden/edgewarden/domains/authz/be/schema"
	"github.com/edgewarden/edgewarden/domains/authz/be/store"
	"github.com/edgewarden/edgewarden/platform/go/kvlog"
	"github.com/edgewarden/edgewarden/platform/go/logging"
	"github.com/edgewarden/edgewarden/platform/go/objectstore"
)

// Config tunes one tenant actor. Zero values take the documented defaults.
type Config struct {
	// MaxTraversal bounds authorization path length. Default 10.
	MaxTraversal int
	// MaxCatchup is passed to the hub and bounds log retention. Default 100.
	MaxCatchup int
	// RetentionSlack is the extra log window kept past MaxCatchup. Default 100.
	RetentionSlack int
	// SnapshotEvery triggers a snapshot after this many mutations. Default 100.
	SnapshotEvery int
	// SnapshotIdle triggers a snapshot when dirty state sits unchanged this
	// long. Default 5m.
	SnapshotIdle time.Duration
	// QueryTimeout bounds graph queries. Default 100ms.
	QueryTimeout time.Duration
	// ProofTimeout bounds proof validation. Default 500ms.
	ProofTimeout time.Duration
	// MemorySoftLimit is the per-tenant estimated memory cap in bytes;
	// beyond it the actor refuses new connections. Default 128 MiB.
	MemorySoftLimit int64
	// Cache configures the graph query cache.
	Cache graph.CacheConfig
	// Hub configures the sync hub.
	Hub hub.Config
}

func (c Config) withDefaults() Config {
	if c.MaxTraversal <= 0 {
		c.MaxTraversal = graph.DefaultMaxTraversal
	}
	if c.MaxCatchup <= 0 {
		c.MaxCatchup = 100
	}
	if c.RetentionSlack <= 0 {
		c.RetentionSlack = 100
	}
	if c.SnapshotEvery <= 0 {
		c.SnapshotEvery = 100
	}
	if c.SnapshotIdle <= 0 {
		c.SnapshotIdle = 5 * time.Minute
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 100 * time.Millisecond
	}
	if c.ProofTimeout <= 0 {
		c.ProofTimeout = 500 * time.Millisecond
	}
	if c.MemorySoftLimit <= 0 {
		c.MemorySoftLimit = 128 << 20
	}
	if c.Cache.Size == 0 && c.Cache.TTL == 0 && !c.Cache.Disabled {
		c.Cache = graph.DefaultCacheConfig()
	}
	if c.Hub.MaxCatchup == 0 {
		c.Hub.MaxCatchup = c.MaxCatchup
	}
	return c
}

// Stats are the tenant counters served by GET /{tenant}/stats.
type Stats struct {
	Edges           int    `json:"edges"`
	Entities        int    `json:"entities"`
	CurrentVersion  uint64 `json:"current_version"`
	SnapshotVersion uint64 `json:"snapshot_version"`
	Connections     int    `json:"connection_count"`
	SchemaVersion   int    `json:"schema_version"`
	Degraded        bool   `json:"degraded,omitempty"`
}

// Actor is the per-tenant single-writer authorization state machine. All
// mutations serialize through the write lock; queries and proof validations
// run concurrently under the read lock against a consistent view and never
// interleave mid-write. Actors share no mutable state across tenants.
type Actor struct {
	tenantID string
	logger   *zap.Logger
	objects  objectstore.Store
	log      kvlog.Log
	registry *schema.Registry
	cfg      Config

	mu       sync.RWMutex
	compiled *schema.Compiled
	st       *store.Store
	led      *ledger.Ledger
	idx      *graph.Index
	degraded bool

	snapshotVersion uint64
	manifestGen     int64
	sinceSnapshot   int
	dirty           bool
	lastMutationAt  time.Time

	// pending holds encoded mutations whose durable append failed; the
	// background loop retries them with backoff until the log accepts them.
	pending []pendingEntry

	hub         *hub.Hub
	lastTouched atomic.Int64
	snapshoting atomic.Bool

	stop     chan struct{}
	stopOnce sync.Once
}

type pendingEntry struct {
	version uint64
	data    []byte
}

// New cold-starts the actor: load the active schema (installing the default
// for brand-new tenants), load the latest snapshot, replay the mutation log
// suffix. A replay failure leaves the actor in degraded read-only mode.
func New(ctx context.Context, tenantID string, objects objectstore.Store, log kvlog.Log, cfg Config, logger *zap.Logger) (*Actor, error) {
	cfg = cfg.withDefaults()
	logger = logging.WithTenant(logger, tenantID)

	a := &Actor{
		tenantID: tenantID,
		logger:   logger,
		objects:  objects,
		log:      log,
		registry: schema.NewRegistry(objects, tenantID, logger),
		cfg:      cfg,
		stop:     make(chan struct{}),
	}
	a.touch()

	if err := a.recover(ctx); err != nil {
		return nil, err
	}

	a.hub = hub.New(a, cfg.Hub, logger)
	go a.run()
	return a, nil
}

// TenantID returns the tenant this actor owns.
func (a *Actor) TenantID() string { return a.tenantID }

// Hub exposes the sync hub for the WebSocket handler.
func (a *Actor) Hub() *hub.Hub { return a.hub }

// LastTouched returns the wall clock of the most recent operation; the
// registry uses it for idle eviction.
func (a *Actor) LastTouched() time.Time {
	return time.Unix(0, a.lastTouched.Load())
}

func (a *Actor) touch() {
	a.lastTouched.Store(time.Now().UnixNano())
}

func (a *Actor) run() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	backoff := time.Second

	for {
		select {
		case <-ticker.C:
			if a.retryPending() {
				backoff = time.Second
			} else if len(a.pendingSnapshot()) > 0 {
				backoff = minDuration(backoff*2, time.Minute)
				time.Sleep(backoff)
			}
			a.maybeIdleSnapshot()
		case <-a.stop:
			return
		}
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func (a *Actor) pendingSnapshot() []pendingEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pending
}

// retryPending replays failed durable appends in order. Reports true when the
// backlog is empty afterwards.
func (a *Actor) retryPending() bool {
	a.mu.Lock()
	queue := append([]pendingEntry(nil), a.pending...)
	a.mu.Unlock()
	if len(queue) == 0 {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	flushed := 0
	for _, entry := range queue {
		err := a.log.Append(ctx, a.tenantID, entry.version, entry.data)
		if err != nil && !errors.Is(err, kvlog.ErrVersionExists) {
			break
		}
		flushed++
	}

	a.mu.Lock()
	a.pending = a.pending[flushed:]
	remaining := len(a.pending)
	a.mu.Unlock()

	if flushed > 0 {
		a.logger.Info("flushed pending log entries", zap.Int("flushed", flushed), zap.Int("remaining", remaining))
	}
	return remaining == 0
}

func (a *Actor) maybeIdleSnapshot() {
	a.mu.RLock()
	due := a.dirty && time.Since(a.lastMutationAt) >= a.cfg.SnapshotIdle
	a.mu.RUnlock()
	if due {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := a.Snapshot(ctx); err != nil {
			a.logger.Error("idle snapshot", zap.Error(err))
		}
	}
}

// Apply validates and commits one mutation. Once the version is assigned the
// mutation runs to completion regardless of caller cancellation; durability
// to the key-value log is eventual and retried in the background.
func (a *Actor) Apply(_ context.Context, req ledger.Request, operator string) (*ledger.Mutation, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	a.touch()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.degraded {
		return nil, ErrDegraded
	}

	var (
		mutation *ledger.Mutation
		repeat   bool
		err      error
	)
	switch req.Op {
	case ledger.OpGrant:
		mutation, repeat, err = a.applyGrant(req.Grant, operator)
	case ledger.OpRevoke:
		mutation, repeat, err = a.applyRevoke(req.Revoke, operator)
	case ledger.OpUpsertEntity:
		mutation, err = a.applyUpsertEntity(req.Entity, operator)
	case ledger.OpDeleteEntity:
		mutation, err = a.applyDeleteEntity(req.Entity, operator)
	default:
		err = fmt.Errorf("%w: unknown op %q", ledger.ErrMalformedRequest, req.Op)
	}
	if err != nil {
		return nil, err
	}
	if repeat {
		// Idempotent no-op: nothing committed, nothing to log or broadcast.
		return mutation, nil
	}

	a.commitLocked(mutation)
	return mutation, nil
}

// commitLocked records a freshly applied mutation: durable append (with
// background retry on failure), fan-out, and snapshot bookkeeping.
func (a *Actor) commitLocked(mutation *ledger.Mutation) {
	data, err := mutation.Encode()
	if err != nil {
		// Encoding mutations we constructed ourselves cannot fail; treat it
		// as a consistency fault if it ever does.
		a.logger.Error("encode mutation", zap.Uint64("version", mutation.Version), zap.Error(err))
		a.degraded = true
		return
	}

	appendCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.log.Append(appendCtx, a.tenantID, mutation.Version, data); err != nil {
		if errors.Is(err, kvlog.ErrVersionExists) {
			a.logger.Error("log version collision: concurrent writer", zap.Uint64("version", mutation.Version))
			a.degraded = true
			return
		}
		a.logger.Warn("durable append failed, queued for retry",
			zap.Uint64("version", mutation.Version), zap.Error(err))
		a.pending = append(a.pending, pendingEntry{version: mutation.Version, data: data})
	}

	a.sinceSnapshot++
	a.dirty = true
	a.lastMutationAt = time.Now()

	if a.hub != nil {
		a.hub.Broadcast(mutation)
	}

	if a.sinceSnapshot >= a.cfg.SnapshotEvery {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := a.Snapshot(ctx); err != nil {
				a.logger.Error("threshold snapshot", zap.Error(err))
			}
		}()
	}
}

func (a *Actor) applyGrant(req *ledger.GrantRequest, operator string) (*ledger.Mutation, bool, error) {
	rel, ok := a.compiled.Relationship(req.Type)
	if !ok {
		return nil, false, fmt.Errorf("%w: relationship %q is not declared by the active schema", ErrSchemaValidationFailed, req.Type)
	}
	if !a.st.Has(rel.Source, req.SourceID) {
		return nil, false, fmt.Errorf("%w: %s %q", ErrUnknownEntity, rel.Source, req.SourceID)
	}
	if !a.st.Has(rel.Target, req.TargetID) {
		return nil, false, fmt.Errorf("%w: %s %q", ErrUnknownEntity, rel.Target, req.TargetID)
	}

	capability := req.Properties[ledger.CapabilityProperty]
	if existing, live := a.led.LiveByTuple(req.Type, req.SourceID, req.TargetID, capability); live {
		// Idempotent grant: the pre-existing edge id is returned.
		return &ledger.Mutation{
			Version:  existing.CreatedVersion,
			Kind:     ledger.KindGrant,
			At:       existing.CreatedAt,
			Operator: existing.Operator,
			Grant:    &ledger.GrantPayload{Edge: *existing},
		}, true, nil
	}

	// Validate the row shape before consuming a version so a rejected grant
	// leaves no trace.
	trial := edgeRow(&ledger.Edge{
		ID: "trial", Type: req.Type,
		SourceID: req.SourceID, TargetID: req.TargetID,
		Properties: req.Properties, CreatedVersion: 1,
	})
	if err := a.st.ValidateRow(rel.Table, trial["edge_id"], trial); err != nil {
		return nil, false, err
	}

	now := time.Now().UTC()
	version := a.led.NextVersion()
	edge, err := a.led.Mint(req.Type, req.SourceID, req.TargetID, req.Properties, version, operator, now)
	if err != nil {
		a.degraded = true
		return nil, false, err
	}
	if err := a.st.Insert(rel.Table, edge.ID, edgeRow(edge)); err != nil {
		// Cannot happen after ValidateRow; a failure here means the in-memory
		// projections disagree.
		a.degraded = true
		return nil, false, err
	}
	a.idx.Add(edge)

	a.logger.Info("edge granted",
		zap.String("edge_id", edge.ID),
		zap.String("relationship", edge.Type),
		zap.Uint64("version", version),
		zap.String("operator", operator),
	)
	return &ledger.Mutation{
		Version:  version,
		Kind:     ledger.KindGrant,
		At:       now,
		Operator: operator,
		Grant:    &ledger.GrantPayload{Edge: *edge},
	}, false, nil
}

func (a *Actor) applyRevoke(req *ledger.RevokeRequest, operator string) (*ledger.Mutation, bool, error) {
	var edge *ledger.Edge
	if req.EdgeID != "" {
		found, ok := a.led.Edge(req.EdgeID)
		if !ok {
			return nil, false, fmt.Errorf("%w: %s", ledger.ErrUnknownEdge, req.EdgeID)
		}
		edge = found
	} else {
		found, ok := a.led.LiveByTuple(req.Type, req.SourceID, req.TargetID, req.Capability)
		if !ok {
			return nil, false, fmt.Errorf("%w: no live edge for tuple", ledger.ErrUnknownEdge)
		}
		edge = found
	}

	if !edge.Live() {
		// Revoking twice is an idempotent no-op reporting the original
		// revocation version.
		return &ledger.Mutation{
			Version: edge.RevokedVersion,
			Kind:    ledger.KindRevoke,
			Revoke:  &ledger.RevokePayload{EdgeID: edge.ID},
		}, true, nil
	}

	version := a.led.NextVersion()
	if _, err := a.led.Revoke(edge.ID, version); err != nil {
		a.degraded = true
		return nil, false, err
	}
	if err := a.st.Update(edge.Type, edge.ID, store.Row{
		"revoked_version": strconv.FormatUint(version, 10),
	}); err != nil {
		a.degraded = true
		return nil, false, err
	}
	a.idx.Remove(edge)

	a.logger.Info("edge revoked",
		zap.String("edge_id", edge.ID),
		zap.Uint64("version", version),
		zap.String("operator", operator),
	)
	return &ledger.Mutation{
		Version:  version,
		Kind:     ledger.KindRevoke,
		At:       time.Now().UTC(),
		Operator: operator,
		Revoke: &ledger.RevokePayload{
			EdgeID:   edge.ID,
			Type:     edge.Type,
			SourceID: edge.SourceID,
			TargetID: edge.TargetID,
		},
	}, false, nil
}

func (a *Actor) applyUpsertEntity(req *ledger.EntityRequest, operator string) (*ledger.Mutation, error) {
	def, ok := a.compiled.Tables[req.Table]
	if !ok || def.Relationship {
		return nil, fmt.Errorf("%w: entity table %q is not declared by the active schema", ErrSchemaValidationFailed, req.Table)
	}

	row := store.Row{"id": req.ID}
	for field, value := range req.Fields {
		row[field] = value
	}
	if err := a.st.ValidateRow(req.Table, req.ID, row); err != nil {
		return nil, err
	}

	version := a.led.NextVersion()
	var err error
	if a.st.Has(req.Table, req.ID) {
		err = a.st.Update(req.Table, req.ID, row)
	} else {
		err = a.st.Insert(req.Table, req.ID, row)
	}
	if err != nil {
		a.degraded = true
		return nil, err
	}
	a.idx.Invalidate([]string{req.ID}, "")

	return &ledger.Mutation{
		Version:  version,
		Kind:     ledger.KindUpsertEntity,
		At:       time.Now().UTC(),
		Operator: operator,
		Entity:   &ledger.EntityPayload{Table: req.Table, ID: req.ID, Fields: req.Fields},
	}, nil
}

func (a *Actor) applyDeleteEntity(req *ledger.EntityRequest, operator string) (*ledger.Mutation, error) {
	def, ok := a.compiled.Tables[req.Table]
	if !ok || def.Relationship {
		return nil, fmt.Errorf("%w: entity table %q is not declared by the active schema", ErrSchemaValidationFailed, req.Table)
	}
	if !a.st.Has(req.Table, req.ID) {
		return nil, fmt.Errorf("%w: %s %q", ErrUnknownEntity, req.Table, req.ID)
	}
	if touching := a.led.LiveEdgesTouching(req.ID); len(touching) > 0 {
		return nil, fmt.Errorf("%w: entity %q is referenced by %d live edges", store.ErrConstraintViolated, req.ID, len(touching))
	}

	version := a.led.NextVersion()
	if err := a.st.Delete(req.Table, req.ID); err != nil {
		a.degraded = true
		return nil, err
	}
	a.idx.Invalidate([]string{req.ID}, "")

	return &ledger.Mutation{
		Version:  version,
		Kind:     ledger.KindDeleteEntity,
		At:       time.Now().UTC(),
		Operator: operator,
		Entity:   &ledger.EntityPayload{Table: req.Table, ID: req.ID},
	}, nil
}

// Can answers the boolean authorization query within the query deadline.
func (a *Actor) Can(ctx context.Context, subject, capability, object string) (bool, time.Duration, error) {
	a.touch()
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, a.cfg.QueryTimeout)
	defer cancel()

	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := ctx.Err(); err != nil {
		return false, time.Since(start), ErrTimeout
	}
	allowed := a.idx.Can(subject, capability, object)
	return allowed, time.Since(start), nil
}

// AccessibleObjects enumerates objects the subject can reach with the capability.
func (a *Actor) AccessibleObjects(ctx context.Context, subject, capability string) ([]string, error) {
	a.touch()
	ctx, cancel := context.WithTimeout(ctx, a.cfg.QueryTimeout)
	defer cancel()

	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := ctx.Err(); err != nil {
		return nil, ErrTimeout
	}
	return a.idx.AccessibleObjects(subject, capability), nil
}

// Accessors enumerates subjects holding the capability on the object.
func (a *Actor) Accessors(ctx context.Context, object, capability string) ([]graph.Accessor, error) {
	a.touch()
	ctx, cancel := context.WithTimeout(ctx, a.cfg.QueryTimeout)
	defer cancel()

	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := ctx.Err(); err != nil {
		return nil, ErrTimeout
	}
	return a.idx.Accessors(object, capability), nil
}

// ValidateProof checks a client-supplied edge-path proof against the ledger.
func (a *Actor) ValidateProof(ctx context.Context, claim proof.Claim) (proof.Result, error) {
	a.touch()
	ctx, cancel := context.WithTimeout(ctx, a.cfg.ProofTimeout)
	defer cancel()

	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := ctx.Err(); err != nil {
		return proof.Result{}, ErrTimeout
	}
	return proof.Validate(a.led, a.compiled, a.cfg.MaxTraversal, claim, a.logger), nil
}

// Stats returns the tenant counters. The connection count is read before the
// state lock so the hub mutex is never awaited while holding it.
func (a *Actor) Stats() Stats {
	a.touch()
	connections := a.hubConnCount()
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Stats{
		Edges:           a.led.EdgeCount(),
		Entities:        a.st.EntityCount(),
		CurrentVersion:  a.led.CurrentVersion(),
		SnapshotVersion: a.snapshotVersion,
		Connections:     connections,
		SchemaVersion:   a.compiled.Version,
		Degraded:        a.degraded,
	}
}

func (a *Actor) hubConnCount() int {
	if a.hub == nil {
		return 0
	}
	return a.hub.ConnCount()
}

// BulkResult reports the outcome of one operation in a bulk batch.
type BulkResult struct {
	Status  string `json:"status"`
	EdgeID  string `json:"edge_id,omitempty"`
	Version uint64 `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Bulk applies operations in submission order; the first failure aborts the
// remainder, which are marked skipped.
func (a *Actor) Bulk(ctx context.Context, reqs []ledger.Request, operator string) []BulkResult {
	results := make([]BulkResult, len(reqs))
	failed := false
	for i, req := range reqs {
		if failed {
			results[i] = BulkResult{Status: "skipped"}
			continue
		}
		mutation, err := a.Apply(ctx, req, operator)
		if err != nil {
			results[i] = BulkResult{Status: "failed", Error: err.Error()}
			failed = true
			continue
		}
		result := BulkResult{Status: "ok", Version: mutation.Version}
		if mutation.Grant != nil {
			result.EdgeID = mutation.Grant.Edge.ID
		}
		results[i] = result
	}
	return results
}

// Degraded reports whether the tenant only serves reads.
func (a *Actor) Degraded() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.degraded
}

// CurrentVersion implements hub.Backend.
func (a *Actor) CurrentVersion() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.led.CurrentVersion()
}

// OldestRetained implements hub.Backend: the oldest mutation version still in
// the durable log, or one past the current version when the log is empty.
func (a *Actor) OldestRetained(ctx context.Context) (uint64, error) {
	oldest, _, err := a.log.Bounds(ctx, a.tenantID)
	if err != nil {
		return 0, err
	}
	if oldest == 0 {
		return a.CurrentVersion() + 1, nil
	}
	return oldest, nil
}

// MutationRange implements hub.Backend.
func (a *Actor) MutationRange(ctx context.Context, from, to uint64) ([]*ledger.Mutation, error) {
	entries, err := a.log.Range(ctx, a.tenantID, from, to)
	if err != nil {
		return nil, err
	}
	mutations := make([]*ledger.Mutation, len(entries))
	for i, entry := range entries {
		mutation, err := ledger.DecodeMutation(entry.Data)
		if err != nil {
			return nil, err
		}
		mutations[i] = mutation
	}
	return mutations, nil
}

// AcceptingConnections implements hub.Backend: degraded tenants and tenants
// over the memory soft cap refuse new connections until reclaimed.
func (a *Actor) AcceptingConnections() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return !a.degraded && a.estimatedMemoryLocked() < a.cfg.MemorySoftLimit
}

// estimatedMemoryLocked is a coarse per-tenant footprint estimate: exact
// accounting is not worth the bookkeeping, the cap is a soft circuit breaker.
func (a *Actor) estimatedMemoryLocked() int64 {
	return int64(a.led.EdgeCount())*320 + int64(a.st.EntityCount())*192
}

// Shutdown drains connections, flushes a final snapshot when dirty, and
// stops background work.
func (a *Actor) Shutdown(ctx context.Context) {
	a.stopOnce.Do(func() { close(a.stop) })
	if a.hub != nil {
		a.hub.Shutdown(ctx)
	}
	a.retryPending()

	a.mu.RLock()
	dirty := a.dirty
	a.mu.RUnlock()
	if dirty {
		if err := a.Snapshot(ctx); err != nil {
			a.logger.Error("shutdown snapshot", zap.Error(err))
		}
	}
}

func edgeRow(edge *ledger.Edge) store.Row {
	row := store.Row{
		"source_id":       edge.SourceID,
		"target_id":       edge.TargetID,
		"edge_id":         edge.ID,
		"created_version": strconv.FormatUint(edge.CreatedVersion, 10),
	}
	if edge.RevokedVersion != 0 {
		row["revoked_version"] = strconv.FormatUint(edge.RevokedVersion, 10)
	}
	for name, value := range edge.Properties {
		row[name] = value
	}
	return row
}
