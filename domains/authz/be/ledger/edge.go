package ledger

import (
	"time"
)

// CapabilityProperty names the edge property carrying the capability on
// permission-bearing edges.
const CapabilityProperty = "capability"

// Edge is one server-minted relationship instance. Revocation is soft: the
// record is retained with RevokedVersion set so historical proofs can
// distinguish "never existed" from "was live then".
type Edge struct {
	ID         string            `json:"edge_id" msgpack:"edge_id"`
	Type       string            `json:"type" msgpack:"type"`
	SourceID   string            `json:"source_id" msgpack:"source_id"`
	TargetID   string            `json:"target_id" msgpack:"target_id"`
	Properties map[string]string `json:"properties,omitempty" msgpack:"properties,omitempty"`

	CreatedVersion uint64 `json:"created_version" msgpack:"created_version"`
	// RevokedVersion is zero while the edge is live.
	RevokedVersion uint64    `json:"revoked_version,omitempty" msgpack:"revoked_version,omitempty"`
	Operator       string    `json:"operator,omitempty" msgpack:"operator,omitempty"`
	CreatedAt      time.Time `json:"created_at" msgpack:"created_at"`
}

// Live reports whether the edge has not been revoked.
func (e *Edge) Live() bool {
	return e.RevokedVersion == 0
}

// LiveAt reports whether the edge was live at the given evaluation version:
// created at or before it and not revoked at or before it.
func (e *Edge) LiveAt(version uint64) bool {
	if e.CreatedVersion > version {
		return false
	}
	return e.RevokedVersion == 0 || e.RevokedVersion > version
}

// Capability returns the capability property, empty for non-permission edges.
func (e *Edge) Capability() string {
	return e.Properties[CapabilityProperty]
}

// TupleKey identifies the idempotency class of a grant: at most one live edge
// may exist per (type, source, target, capability).
func (e *Edge) TupleKey() string {
	return TupleKey(e.Type, e.SourceID, e.TargetID, e.Capability())
}

// TupleKey builds the live-edge uniqueness key.
func TupleKey(relType, sourceID, targetID, capability string) string {
	return relType + "\x1f" + sourceID + "\x1f" + targetID + "\x1f" + capability
}
