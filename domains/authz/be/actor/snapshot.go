package actor

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/edgewarden/edgewarden/domains/authz/be/graph"
	"github.com/edgewarden/edgewarden/domains/authz/be/ledger"
	"github.com/edgewarden/edgewarden/domains/authz/be/schema"
	"github.com/edgewarden/edgewarden/domains/authz/be/store"
	"github.com/edgewarden/edgewarden/platform/go/objectstore"
	"github.com/edgewarden/edgewarden/platform/go/tenant"
)

// recover cold-starts tenant state: active schema (installing the default for
// brand-new tenants), latest snapshot, then log replay past the snapshot
// version. A replay failure flips the actor to degraded read-only rather than
// refusing to serve at all.
func (a *Actor) recover(ctx context.Context) error {
	compiled, err := a.registry.LoadActive(ctx)
	if errors.Is(err, schema.ErrSchemaMissing) {
		compiled, err = a.registry.InstallDefault(ctx)
	}
	if err != nil {
		return fmt.Errorf("tenant %s: %w", a.tenantID, err)
	}

	manifest, manifestGen, err := a.loadManifest(ctx)
	if err != nil {
		return err
	}

	if manifest == nil {
		// Fresh tenant: empty state at version zero.
		a.compiled = compiled
		a.st = store.New(compiled)
		a.led = ledger.New()
	} else {
		// The snapshot was written under the schema version recorded in its
		// manifest; load with that schema and let replayed schema_change
		// entries migrate forward.
		snapCompiled := compiled
		if manifest.SchemaVersion != compiled.Version {
			snapCompiled, err = a.registry.Version(ctx, manifest.SchemaVersion)
			if err != nil {
				return fmt.Errorf("tenant %s: snapshot schema: %w", a.tenantID, err)
			}
		}
		if err := a.loadSnapshot(ctx, snapCompiled, manifest); err != nil {
			return err
		}
		a.snapshotVersion = manifest.Version
	}
	a.manifestGen = manifestGen

	a.idx = graph.New(a.compiled, a.cfg.MaxTraversal, a.cfg.Cache)
	a.idx.Rebuild(a.compiled, a.led.LiveEdges())

	if err := a.replay(ctx); err != nil {
		a.logger.Error("log replay failed, entering degraded read-only mode",
			zap.Uint64("snapshot_version", a.snapshotVersion), zap.Error(err))
		a.degraded = true
		return nil
	}

	a.logger.Info("tenant recovered",
		zap.Uint64("version", a.led.CurrentVersion()),
		zap.Uint64("snapshot_version", a.snapshotVersion),
		zap.Int("schema_version", a.compiled.Version),
		zap.Int("edges", a.led.EdgeCount()),
	)
	return nil
}

func (a *Actor) loadManifest(ctx context.Context) (*store.Manifest, int64, error) {
	obj, err := a.objects.Get(ctx, tenant.ManifestKey(a.tenantID))
	if errors.Is(err, objectstore.ErrNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("tenant %s: load manifest: %w", a.tenantID, err)
	}
	manifest, err := store.DecodeManifest(obj.Data)
	if err != nil {
		return nil, 0, fmt.Errorf("tenant %s: %w", a.tenantID, err)
	}
	return manifest, obj.Generation, nil
}

func (a *Actor) loadSnapshot(ctx context.Context, compiled *schema.Compiled, manifest *store.Manifest) error {
	tables := make(map[string][]byte, len(manifest.Tables))
	for name := range manifest.Tables {
		obj, err := a.objects.Get(ctx, tenant.TableKey(a.tenantID, name))
		if err != nil {
			return fmt.Errorf("tenant %s: load snapshot table %s: %w", a.tenantID, name, err)
		}
		tables[name] = obj.Data
	}

	st, err := store.LoadSnapshot(compiled, manifest, tables)
	if err != nil {
		return fmt.Errorf("tenant %s: %w", a.tenantID, err)
	}

	led := ledger.New()
	if err := restoreLedger(led, compiled, st); err != nil {
		return fmt.Errorf("tenant %s: %w", a.tenantID, err)
	}
	led.SetVersion(manifest.Version)

	a.compiled = compiled
	a.st = st
	a.led = led
	return nil
}

// restoreLedger reconstructs edges from the relationship table rows: the CSV
// snapshot is the system of record for edge identity and version stamps.
func restoreLedger(led *ledger.Ledger, compiled *schema.Compiled, st *store.Store) error {
	fixed := map[string]bool{
		"source_id": true, "target_id": true, "edge_id": true,
		"created_version": true, "revoked_version": true,
	}
	for _, name := range compiled.RelationshipNames() {
		rows, err := st.Scan(name)
		if err != nil {
			return err
		}
		for _, row := range rows {
			edge, err := rowToEdge(name, row, fixed)
			if err != nil {
				return err
			}
			if err := led.Restore(edge); err != nil {
				return err
			}
		}
	}
	return nil
}

func rowToEdge(relType string, row store.Row, fixed map[string]bool) (*ledger.Edge, error) {
	created, err := strconv.ParseUint(row["created_version"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("edge %s: bad created_version %q", row["edge_id"], row["created_version"])
	}
	var revoked uint64
	if raw := row["revoked_version"]; raw != "" {
		revoked, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("edge %s: bad revoked_version %q", row["edge_id"], raw)
		}
	}

	var properties map[string]string
	for column, value := range row {
		if fixed[column] || value == "" {
			continue
		}
		if properties == nil {
			properties = make(map[string]string)
		}
		properties[column] = value
	}

	return &ledger.Edge{
		ID:             row["edge_id"],
		Type:           relType,
		SourceID:       row["source_id"],
		TargetID:       row["target_id"],
		Properties:     properties,
		CreatedVersion: created,
		RevokedVersion: revoked,
	}, nil
}

// replay applies the retained log suffix past the snapshot version. The log
// is dense, so Range either returns the full suffix or errors.
func (a *Actor) replay(ctx context.Context) error {
	oldest, newest, err := a.log.Bounds(ctx, a.tenantID)
	if err != nil {
		return fmt.Errorf("log bounds: %w", err)
	}
	if newest <= a.snapshotVersion {
		return nil
	}
	from := a.snapshotVersion + 1
	if oldest > from {
		return fmt.Errorf("log starts at %d, need %d: retention gap", oldest, from)
	}

	entries, err := a.log.Range(ctx, a.tenantID, from, newest)
	if err != nil {
		return fmt.Errorf("log range [%d,%d]: %w", from, newest, err)
	}
	for _, entry := range entries {
		mutation, err := ledger.DecodeMutation(entry.Data)
		if err != nil {
			return fmt.Errorf("version %d: %w", entry.Version, err)
		}
		if mutation.Version != entry.Version {
			return fmt.Errorf("version %d: payload claims %d", entry.Version, mutation.Version)
		}
		if err := a.replayMutation(ctx, mutation); err != nil {
			return fmt.Errorf("version %d: %w", entry.Version, err)
		}
		a.led.SetVersion(mutation.Version)
	}

	a.idx.Rebuild(a.compiled, a.led.LiveEdges())
	a.sinceSnapshot = int(newest - a.snapshotVersion)
	a.dirty = a.sinceSnapshot > 0
	return nil
}

func (a *Actor) replayMutation(ctx context.Context, m *ledger.Mutation) error {
	switch m.Kind {
	case ledger.KindGrant:
		edge := m.Grant.Edge
		if err := a.led.Restore(&edge); err != nil {
			return err
		}
		rel, ok := a.compiled.Relationship(edge.Type)
		if !ok {
			return fmt.Errorf("grant names undeclared relationship %s", edge.Type)
		}
		return a.st.Insert(rel.Table, edge.ID, edgeRow(&edge))

	case ledger.KindRevoke:
		edge, err := a.led.Revoke(m.Revoke.EdgeID, m.Version)
		if err != nil {
			return err
		}
		return a.st.Update(edge.Type, edge.ID, store.Row{
			"revoked_version": strconv.FormatUint(m.Version, 10),
		})

	case ledger.KindUpsertEntity:
		row := store.Row{"id": m.Entity.ID}
		for field, value := range m.Entity.Fields {
			row[field] = value
		}
		if a.st.Has(m.Entity.Table, m.Entity.ID) {
			return a.st.Update(m.Entity.Table, m.Entity.ID, row)
		}
		return a.st.Insert(m.Entity.Table, m.Entity.ID, row)

	case ledger.KindDeleteEntity:
		return a.st.Delete(m.Entity.Table, m.Entity.ID)

	case ledger.KindSchemaChange:
		compiled, err := a.registry.Version(ctx, m.SchemaChange.SchemaVersion)
		if err != nil {
			return err
		}
		if err := a.st.Migrate(compiled); err != nil {
			return err
		}
		a.compiled = compiled
		return nil

	default:
		return fmt.Errorf("unknown mutation kind %q", m.Kind)
	}
}

// Snapshot writes the current state to object storage: per-table CSVs first,
// then the manifest with a generation precondition. Losing the generation
// race means another writer owns the tenant, which degrades this actor. At
// most one snapshot runs at a time; concurrent requests are no-ops.
func (a *Actor) Snapshot(ctx context.Context) error {
	if !a.snapshoting.CompareAndSwap(false, true) {
		return nil
	}
	defer a.snapshoting.Store(false)

	// Encode under the read lock so the snapshot is a consistent cut; the
	// uploads happen outside it.
	a.mu.RLock()
	if a.degraded {
		a.mu.RUnlock()
		return ErrDegraded
	}
	version := a.led.CurrentVersion()
	if version == a.snapshotVersion {
		a.mu.RUnlock()
		return nil
	}
	tables, manifest, err := a.st.Snapshot(version)
	expectGen := a.manifestGen
	a.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	for name, data := range tables {
		if _, err := a.objects.Put(ctx, tenant.TableKey(a.tenantID, name), data); err != nil {
			return fmt.Errorf("upload snapshot table %s: %w", name, err)
		}
	}

	encoded, err := manifest.EncodeManifest()
	if err != nil {
		return err
	}
	newGen, err := a.objects.PutIfGeneration(ctx, tenant.ManifestKey(a.tenantID), encoded, expectGen)
	if err != nil {
		if errors.Is(err, objectstore.ErrPreconditionFailed) {
			a.mu.Lock()
			a.degraded = true
			a.mu.Unlock()
			a.logger.Error("manifest generation moved underneath us", zap.Int64("expected", expectGen))
			return ErrSnapshotStale
		}
		return fmt.Errorf("upload manifest: %w", err)
	}

	a.mu.Lock()
	a.manifestGen = newGen
	a.snapshotVersion = version
	a.sinceSnapshot = int(a.led.CurrentVersion() - version)
	a.dirty = a.sinceSnapshot > 0 || len(a.pending) > 0
	a.mu.Unlock()

	a.logger.Info("snapshot written",
		zap.Uint64("version", version),
		zap.Int("tables", len(tables)),
	)

	a.pruneLog(ctx, version)
	return nil
}

// pruneLog trims the mutation log to the catch-up window plus slack behind
// the snapshot. Pruning failures only cost disk, so they are logged and
// dropped.
func (a *Actor) pruneLog(ctx context.Context, snapshotVersion uint64) {
	keep := uint64(a.cfg.MaxCatchup + a.cfg.RetentionSlack)
	if snapshotVersion <= keep {
		return
	}
	below := snapshotVersion - keep
	if err := a.log.PruneBelow(ctx, a.tenantID, below); err != nil {
		a.logger.Warn("prune mutation log", zap.Uint64("below", below), zap.Error(err))
	}
}
