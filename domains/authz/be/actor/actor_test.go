package actor

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/edgewarden/edgewarden/domains/authz/be/hub"
	"github.com/edgewarden/edgewarden/domains/authz/be/ledger"
	"github.com/edgewarden/edgewarden/domains/authz/be/proof"
	"github.com/edgewarden/edgewarden/domains/authz/be/schema"
	"github.com/edgewarden/edgewarden/domains/authz/be/store"
	"github.com/edgewarden/edgewarden/platform/go/kvlog"
	"github.com/edgewarden/edgewarden/platform/go/objectstore"
)

func testConfig() Config {
	return Config{
		// Keep background snapshots out of the way; tests trigger them
		// explicitly.
		SnapshotEvery: 1000,
		SnapshotIdle:  time.Hour,
	}
}

func newTestActor(t *testing.T, objects objectstore.Store, log kvlog.Log) *Actor {
	t.Helper()
	a, err := New(context.Background(), "acme", objects, log, testConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.Shutdown(ctx)
	})
	return a
}

func upsert(t *testing.T, a *Actor, table, id string, fields map[string]string) *ledger.Mutation {
	t.Helper()
	mutation, err := a.Apply(context.Background(), ledger.Request{
		Op:     ledger.OpUpsertEntity,
		Entity: &ledger.EntityRequest{Table: table, ID: id, Fields: fields},
	}, "test")
	require.NoError(t, err)
	return mutation
}

func grant(t *testing.T, a *Actor, relType, source, target, capability string) *ledger.Mutation {
	t.Helper()
	req := &ledger.GrantRequest{Type: relType, SourceID: source, TargetID: target}
	if capability != "" {
		req.Properties = map[string]string{ledger.CapabilityProperty: capability}
	}
	mutation, err := a.Apply(context.Background(), ledger.Request{Op: ledger.OpGrant, Grant: req}, "test")
	require.NoError(t, err)
	return mutation
}

// seedTeam installs alice in eng with edit on the wiki: three entities, two
// edges, five versions.
func seedTeam(t *testing.T, a *Actor) {
	t.Helper()
	upsert(t, a, "user", "alice", map[string]string{"name": "Alice"})
	upsert(t, a, "group", "eng", nil)
	upsert(t, a, "resource", "wiki", nil)
	grant(t, a, "member_of", "alice", "eng", "")
	grant(t, a, "group_permission", "eng", "wiki", "edit")
}

func TestFreshTenantInstallsDefaultSchema(t *testing.T) {
	t.Parallel()

	objects := objectstore.NewMemory()
	a := newTestActor(t, objects, kvlog.NewMemory())

	compiled := a.ActiveSchema()
	require.Equal(t, 1, compiled.Version)
	require.Contains(t, compiled.RelationshipNames(), "member_of")

	stats := a.Stats()
	require.Zero(t, stats.CurrentVersion)
	require.Zero(t, stats.Edges)
	require.False(t, stats.Degraded)

	// The installed default is durable, not an in-memory fallback.
	_, err := schema.NewRegistry(objects, "acme", nil).LoadActive(context.Background())
	require.NoError(t, err)
}

func TestGrantRevokeQueryFlow(t *testing.T) {
	t.Parallel()

	a := newTestActor(t, objectstore.NewMemory(), kvlog.NewMemory())
	ctx := context.Background()
	seedTeam(t, a)

	allowed, latency, err := a.Can(ctx, "alice", "edit", "wiki")
	require.NoError(t, err)
	require.True(t, allowed)
	require.Greater(t, latency, time.Duration(0))

	objects, err := a.AccessibleObjects(ctx, "alice", "edit")
	require.NoError(t, err)
	require.Equal(t, []string{"wiki"}, objects)

	accessors, err := a.Accessors(ctx, "wiki", "edit")
	require.NoError(t, err)
	require.Len(t, accessors, 2, "alice through eng, eng directly")

	// Versions are dense: three upserts, two grants.
	require.EqualValues(t, 5, a.Stats().CurrentVersion)

	revoked, err := a.Apply(ctx, ledger.Request{
		Op:     ledger.OpRevoke,
		Revoke: &ledger.RevokeRequest{Type: "member_of", SourceID: "alice", TargetID: "eng"},
	}, "test")
	require.NoError(t, err)
	require.EqualValues(t, 6, revoked.Version)

	allowed, _, err = a.Can(ctx, "alice", "edit", "wiki")
	require.NoError(t, err)
	require.False(t, allowed, "revocation is immediate")
}

func TestGrantIsIdempotent(t *testing.T) {
	t.Parallel()

	a := newTestActor(t, objectstore.NewMemory(), kvlog.NewMemory())
	seedTeam(t, a)
	before := a.Stats().CurrentVersion

	first := grant(t, a, "has_permission", "alice", "wiki", "read")
	repeat := grant(t, a, "has_permission", "alice", "wiki", "read")

	require.Equal(t, first.Grant.Edge.ID, repeat.Grant.Edge.ID)
	require.Equal(t, first.Version, repeat.Version)
	require.EqualValues(t, before+1, a.Stats().CurrentVersion, "the repeat consumed no version")

	// A different capability on the same endpoints is a new edge.
	other := grant(t, a, "has_permission", "alice", "wiki", "write")
	require.NotEqual(t, first.Grant.Edge.ID, other.Grant.Edge.ID)
}

func TestGrantRejections(t *testing.T) {
	t.Parallel()

	a := newTestActor(t, objectstore.NewMemory(), kvlog.NewMemory())
	ctx := context.Background()
	upsert(t, a, "user", "alice", nil)
	upsert(t, a, "resource", "wiki", nil)
	before := a.Stats().CurrentVersion

	_, err := a.Apply(ctx, ledger.Request{Op: ledger.OpGrant, Grant: &ledger.GrantRequest{
		Type: "teleports_to", SourceID: "alice", TargetID: "wiki",
	}}, "test")
	require.ErrorIs(t, err, ErrSchemaValidationFailed)

	_, err = a.Apply(ctx, ledger.Request{Op: ledger.OpGrant, Grant: &ledger.GrantRequest{
		Type: "has_permission", SourceID: "ghost", TargetID: "wiki",
		Properties: map[string]string{"capability": "read"},
	}}, "test")
	require.ErrorIs(t, err, ErrUnknownEntity)

	// has_permission requires a capability property.
	_, err = a.Apply(ctx, ledger.Request{Op: ledger.OpGrant, Grant: &ledger.GrantRequest{
		Type: "has_permission", SourceID: "alice", TargetID: "wiki",
	}}, "test")
	require.ErrorIs(t, err, store.ErrConstraintViolated)

	require.Equal(t, before, a.Stats().CurrentVersion, "rejected grants leave no trace")

	granted := grant(t, a, "has_permission", "alice", "wiki", "read")
	require.Equal(t, before+1, granted.Version, "the version sequence has no holes")
}

func TestRevokeIsIdempotent(t *testing.T) {
	t.Parallel()

	a := newTestActor(t, objectstore.NewMemory(), kvlog.NewMemory())
	ctx := context.Background()
	seedTeam(t, a)
	granted := grant(t, a, "has_permission", "alice", "wiki", "read")

	first, err := a.Apply(ctx, ledger.Request{
		Op: ledger.OpRevoke, Revoke: &ledger.RevokeRequest{EdgeID: granted.Grant.Edge.ID},
	}, "test")
	require.NoError(t, err)

	repeat, err := a.Apply(ctx, ledger.Request{
		Op: ledger.OpRevoke, Revoke: &ledger.RevokeRequest{EdgeID: granted.Grant.Edge.ID},
	}, "test")
	require.NoError(t, err)
	require.Equal(t, first.Version, repeat.Version, "repeat reports the original revocation version")
	require.Equal(t, first.Version, a.Stats().CurrentVersion)

	_, err = a.Apply(ctx, ledger.Request{
		Op: ledger.OpRevoke, Revoke: &ledger.RevokeRequest{EdgeID: "never-minted"},
	}, "test")
	require.ErrorIs(t, err, ledger.ErrUnknownEdge)
}

func TestDeleteEntityBlockedByLiveEdges(t *testing.T) {
	t.Parallel()

	a := newTestActor(t, objectstore.NewMemory(), kvlog.NewMemory())
	ctx := context.Background()
	seedTeam(t, a)

	_, err := a.Apply(ctx, ledger.Request{
		Op: ledger.OpDeleteEntity, Entity: &ledger.EntityRequest{Table: "group", ID: "eng"},
	}, "test")
	require.ErrorIs(t, err, store.ErrConstraintViolated)

	for _, tuple := range []*ledger.RevokeRequest{
		{Type: "member_of", SourceID: "alice", TargetID: "eng"},
		{Type: "group_permission", SourceID: "eng", TargetID: "wiki", Capability: "edit"},
	} {
		_, err := a.Apply(ctx, ledger.Request{Op: ledger.OpRevoke, Revoke: tuple}, "test")
		require.NoError(t, err)
	}

	_, err = a.Apply(ctx, ledger.Request{
		Op: ledger.OpDeleteEntity, Entity: &ledger.EntityRequest{Table: "group", ID: "eng"},
	}, "test")
	require.NoError(t, err, "revoked edges no longer block deletion")
}

func TestProofValidation(t *testing.T) {
	t.Parallel()

	a := newTestActor(t, objectstore.NewMemory(), kvlog.NewMemory())
	ctx := context.Background()
	seedTeam(t, a)

	membership, ok := a.led.LiveByTuple("member_of", "alice", "eng", "")
	require.True(t, ok)
	permission, ok := a.led.LiveByTuple("group_permission", "eng", "wiki", "edit")
	require.True(t, ok)

	result, err := a.ValidateProof(ctx, proof.Claim{
		Subject: "alice", Object: "wiki", Capability: "edit",
		EdgeIDs: []string{membership.ID, permission.ID},
	})
	require.NoError(t, err)
	require.True(t, result.Allowed)

	result, err = a.ValidateProof(ctx, proof.Claim{
		Subject: "alice", Object: "wiki", Capability: "edit",
		EdgeIDs: []string{membership.ID, "nonexistent"},
	})
	require.NoError(t, err)
	require.False(t, result.Allowed)
	require.Equal(t, proof.ReasonUnknownEdge, result.Reason)
	require.Equal(t, "nonexistent", result.InvalidEdge)
}

func TestSnapshotAndRecover(t *testing.T) {
	t.Parallel()

	objects := objectstore.NewMemory()
	log := kvlog.NewMemory()
	ctx := context.Background()

	first, err := New(ctx, "acme", objects, log, testConfig(), nil)
	require.NoError(t, err)
	seedTeam(t, first)
	require.NoError(t, first.Snapshot(ctx))
	require.EqualValues(t, 5, first.Stats().SnapshotVersion)

	// Two more mutations after the snapshot exercise log replay on recovery.
	upsert(t, first, "resource", "handbook", nil)
	grant(t, first, "group_permission", "eng", "handbook", "read")

	second := newTestActor(t, objects, log)
	stats := second.Stats()
	require.EqualValues(t, 7, stats.CurrentVersion)
	require.EqualValues(t, 5, stats.SnapshotVersion)
	require.Equal(t, 3, stats.Edges, "two snapshot edges plus the replayed grant")
	require.False(t, stats.Degraded)

	allowed, _, err := second.Can(ctx, "alice", "edit", "wiki")
	require.NoError(t, err)
	require.True(t, allowed, "snapshot state survives")
	allowed, _, err = second.Can(ctx, "alice", "read", "handbook")
	require.NoError(t, err)
	require.True(t, allowed, "replayed state survives")

	first.Shutdown(ctx)
}

func TestRecoverDegradedOnRetentionGap(t *testing.T) {
	t.Parallel()

	objects := objectstore.NewMemory()
	log := kvlog.NewMemory()
	ctx := context.Background()

	// A log that starts past the snapshot horizon cannot be replayed.
	require.NoError(t, log.Append(ctx, "acme", 5, []byte("m5")))
	require.NoError(t, log.Append(ctx, "acme", 6, []byte("m6")))

	a := newTestActor(t, objects, log)
	require.True(t, a.Degraded())

	_, err := a.Apply(ctx, ledger.Request{
		Op:     ledger.OpUpsertEntity,
		Entity: &ledger.EntityRequest{Table: "user", ID: "alice"},
	}, "test")
	require.ErrorIs(t, err, ErrDegraded)

	// Reads still work against whatever state was recovered.
	allowed, _, err := a.Can(ctx, "alice", "edit", "wiki")
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestDurableAppendRetriesOnShutdown(t *testing.T) {
	t.Parallel()

	objects := objectstore.NewMemory()
	log := kvlog.NewMemory()
	ctx := context.Background()

	a, err := New(ctx, "acme", objects, log, testConfig(), nil)
	require.NoError(t, err)

	log.FailAppends = true
	upsert(t, a, "user", "alice", nil)
	upsert(t, a, "group", "eng", nil)

	// The in-memory commit is authoritative even while the log is down.
	require.EqualValues(t, 2, a.Stats().CurrentVersion)
	_, newest, err := log.Bounds(ctx, "acme")
	require.NoError(t, err)
	require.Zero(t, newest, "nothing durable yet")

	log.FailAppends = false
	a.Shutdown(ctx)

	entries, err := log.Range(ctx, "acme", 1, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2, "the pending backlog flushed in order")
}

func TestSnapshotPrunesLog(t *testing.T) {
	t.Parallel()

	objects := objectstore.NewMemory()
	log := kvlog.NewMemory()
	ctx := context.Background()

	cfg := testConfig()
	cfg.MaxCatchup = 2
	cfg.RetentionSlack = 2

	a, err := New(ctx, "acme", objects, log, cfg, nil)
	require.NoError(t, err)
	defer a.Shutdown(ctx)

	for i := 0; i < 10; i++ {
		upsert(t, a, "user", fmt.Sprintf("u%d", i), nil)
	}
	require.NoError(t, a.Snapshot(ctx))

	oldest, newest, err := log.Bounds(ctx, "acme")
	require.NoError(t, err)
	require.EqualValues(t, 10, newest)
	require.EqualValues(t, 6, oldest, "snapshot version 10 minus catch-up window 4")
}

func TestBulkStopsAtFirstFailure(t *testing.T) {
	t.Parallel()

	a := newTestActor(t, objectstore.NewMemory(), kvlog.NewMemory())
	seedTeam(t, a)

	results := a.Bulk(context.Background(), []ledger.Request{
		{Op: ledger.OpUpsertEntity, Entity: &ledger.EntityRequest{Table: "resource", ID: "handbook"}},
		{Op: ledger.OpGrant, Grant: &ledger.GrantRequest{Type: "teleports_to", SourceID: "alice", TargetID: "wiki"}},
		{Op: ledger.OpUpsertEntity, Entity: &ledger.EntityRequest{Table: "resource", ID: "never-created"}},
	}, "test")

	require.Len(t, results, 3)
	require.Equal(t, "ok", results[0].Status)
	require.NotZero(t, results[0].Version)
	require.Equal(t, "failed", results[1].Status)
	require.Contains(t, results[1].Error, "teleports_to")
	require.Equal(t, "skipped", results[2].Status)

	require.False(t, a.st.Has("resource", "never-created"))
}

func TestMemorySoftLimitRefusesConnections(t *testing.T) {
	t.Parallel()

	objects := objectstore.NewMemory()
	cfg := testConfig()
	cfg.MemorySoftLimit = 1

	a, err := New(context.Background(), "acme", objects, kvlog.NewMemory(), cfg, nil)
	require.NoError(t, err)
	defer a.Shutdown(context.Background())

	require.True(t, a.AcceptingConnections(), "empty tenant fits any cap")
	upsert(t, a, "user", "alice", nil)
	require.False(t, a.AcceptingConnections())
}

func TestRegistryReusesActors(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(objectstore.NewMemory(), kvlog.NewMemory(), testConfig(), time.Hour, nil)
	ctx := context.Background()
	defer registry.Shutdown(ctx)

	first, err := registry.Actor(ctx, "acme")
	require.NoError(t, err)
	again, err := registry.Actor(ctx, "acme")
	require.NoError(t, err)
	require.Same(t, first, again)
	require.Equal(t, 1, registry.Loaded())

	other, err := registry.Actor(ctx, "globex")
	require.NoError(t, err)
	require.NotSame(t, first, other)
	require.Equal(t, 2, registry.Loaded())
}

func TestRegistryCollapsesConcurrentColdStarts(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(objectstore.NewMemory(), kvlog.NewMemory(), testConfig(), time.Hour, nil)
	ctx := context.Background()
	defer registry.Shutdown(ctx)

	const callers = 16
	actors := make([]*Actor, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := registry.Actor(ctx, "acme")
			require.NoError(t, err)
			actors[i] = a
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		require.Same(t, actors[0], actors[i])
	}
	require.Equal(t, 1, registry.Loaded())
}

// Version handshakes read actor state while the write path broadcasts into
// the hub; this hammers both sides concurrently to catch lock-order
// inversions between the two.
func TestHandshakesDoNotStallWrites(t *testing.T) {
	t.Parallel()

	a := newTestActor(t, objectstore.NewMemory(), kvlog.NewMemory())
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.Hub().HandleWS(w, r, "sync")
	}))
	t.Cleanup(server.Close)
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	stop := make(chan struct{})
	var clients sync.WaitGroup
	for i := 0; i < 4; i++ {
		clients.Add(1)
		go func() {
			defer clients.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
				if err != nil {
					continue
				}
				_ = ws.WriteJSON(hub.Frame{Type: hub.FrameVersion, Version: a.CurrentVersion()})
				_ = ws.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
				_, _, _ = ws.ReadMessage()
				_ = ws.Close()
			}
		}()
	}

	done := make(chan error, 1)
	go func() {
		for i := 0; i < 300; i++ {
			_, err := a.Apply(context.Background(), ledger.Request{
				Op:     ledger.OpUpsertEntity,
				Entity: &ledger.EntityRequest{Table: "user", ID: fmt.Sprintf("u%d", i)},
			}, "test")
			if err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("writes stalled behind version handshakes")
	}
	close(stop)
	clients.Wait()
}

func TestConcurrentReadsDuringWrites(t *testing.T) {
	t.Parallel()

	a := newTestActor(t, objectstore.NewMemory(), kvlog.NewMemory())
	ctx := context.Background()
	seedTeam(t, a)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _, err := a.Can(ctx, "alice", "edit", "wiki")
				require.NoError(t, err)
				_, err = a.Accessors(ctx, "wiki", "edit")
				require.NoError(t, err)
			}
		}()
	}
	for i := 0; i < 25; i++ {
		upsert(t, a, "resource", fmt.Sprintf("r%d", i), nil)
	}
	wg.Wait()
}
