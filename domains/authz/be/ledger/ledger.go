package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownEdge indicates an edge id that was never minted for this tenant.
var ErrUnknownEdge = errors.New("unknown edge")

// Ledger is the in-memory authoritative record of a tenant's edges and the
// dense version counter. It is not safe for concurrent use; the tenant actor
// serializes all access.
type Ledger struct {
	version uint64
	edges   map[string]*Edge
	// byTuple maps the idempotency tuple of each *live* edge to its id.
	byTuple map[string]string
}

// New returns an empty ledger at version zero.
func New() *Ledger {
	return &Ledger{
		edges:   make(map[string]*Edge),
		byTuple: make(map[string]string),
	}
}

// CurrentVersion returns the latest committed version, zero when pristine.
func (l *Ledger) CurrentVersion() uint64 {
	return l.version
}

// NextVersion advances and returns the dense version counter. Callers must
// commit the mutation that consumed it; the actor guarantees this by applying
// mutations to completion once accepted.
func (l *Ledger) NextVersion() uint64 {
	l.version++
	return l.version
}

// SetVersion force-sets the counter during recovery.
func (l *Ledger) SetVersion(version uint64) {
	l.version = version
}

// Edge looks up an edge by id, revoked or live.
func (l *Ledger) Edge(id string) (*Edge, bool) {
	edge, ok := l.edges[id]
	return edge, ok
}

// LiveByTuple returns the live edge with the given idempotency tuple, if any.
func (l *Ledger) LiveByTuple(relType, sourceID, targetID, capability string) (*Edge, bool) {
	id, ok := l.byTuple[TupleKey(relType, sourceID, targetID, capability)]
	if !ok {
		return nil, false
	}
	edge, ok := l.edges[id]
	return edge, ok
}

// EdgeCount returns the number of edges ever minted, including revoked ones.
func (l *Ledger) EdgeCount() int {
	return len(l.edges)
}

// LiveEdges returns every live edge; used to rebuild the graph index.
func (l *Ledger) LiveEdges() []*Edge {
	live := make([]*Edge, 0, len(l.byTuple))
	for _, id := range l.byTuple {
		live = append(live, l.edges[id])
	}
	return live
}

// Mint creates a new live edge at the given version. Edge ids are UUIDv4:
// 128 bits of entropy, never reused even after revocation.
func (l *Ledger) Mint(relType, sourceID, targetID string, properties map[string]string, version uint64, operator string, at time.Time) (*Edge, error) {
	edge := &Edge{
		ID:             uuid.NewString(),
		Type:           relType,
		SourceID:       sourceID,
		TargetID:       targetID,
		Properties:     properties,
		CreatedVersion: version,
		Operator:       operator,
		CreatedAt:      at,
	}
	if _, exists := l.edges[edge.ID]; exists {
		return nil, fmt.Errorf("edge id collision: %s", edge.ID)
	}
	l.edges[edge.ID] = edge
	l.byTuple[edge.TupleKey()] = edge.ID
	return edge, nil
}

// Revoke marks the edge revoked at the given version. Revoking an already
// revoked edge is an error the caller maps to the idempotency policy.
func (l *Ledger) Revoke(id string, version uint64) (*Edge, error) {
	edge, ok := l.edges[id]
	if !ok {
		return nil, ErrUnknownEdge
	}
	if !edge.Live() {
		return nil, fmt.Errorf("edge %s already revoked at version %d", id, edge.RevokedVersion)
	}
	edge.RevokedVersion = version
	delete(l.byTuple, edge.TupleKey())
	return edge, nil
}

// Restore inserts an edge as-is during snapshot load or log replay.
func (l *Ledger) Restore(edge *Edge) error {
	if _, exists := l.edges[edge.ID]; exists {
		return fmt.Errorf("edge %s restored twice", edge.ID)
	}
	l.edges[edge.ID] = edge
	if edge.Live() {
		l.byTuple[edge.TupleKey()] = edge.ID
	}
	return nil
}

// LiveEdgesTouching returns live edges with the given entity as either
// endpoint; used for the delete-cascade check on entities.
func (l *Ledger) LiveEdgesTouching(entityID string) []*Edge {
	var touching []*Edge
	for _, id := range l.byTuple {
		edge := l.edges[id]
		if edge.SourceID == entityID || edge.TargetID == entityID {
			touching = append(touching, edge)
		}
	}
	return touching
}
