package proof

import (
	"go.uber.org/zap"

	"github.com/edgewarden/edgewarden/domains/authz/be/ledger"
	"github.com/edgewarden/edgewarden/domains/authz/be/schema"
)

// Reason enumerates the proof rejection categories. The empty reason means
// the proof was accepted.
type Reason string

const (
	ReasonNone                  Reason = ""
	ReasonUnknownEdge           Reason = "UnknownEdge"
	ReasonRevokedEdge           Reason = "RevokedEdge"
	ReasonBrokenChain           Reason = "BrokenChain"
	ReasonIllegalRelationInPath Reason = "IllegalRelationInPath"
	ReasonCapabilityMismatch    Reason = "CapabilityMismatch"
	ReasonPathTooLong           Reason = "PathTooLong"
)

// Claim is an edge-path proof submitted by a client: an ordered list of edge
// ids asserted to justify "subject can capability object".
type Claim struct {
	Subject    string   `json:"subject"`
	Object     string   `json:"object"`
	Capability string   `json:"capability"`
	EdgeIDs    []string `json:"edge_ids"`
	// AtVersion pins the evaluation version; zero means current state.
	AtVersion uint64 `json:"at_version,omitempty"`
}

// Result is the validation outcome. BrokenAt is the index of the first chain
// break (-1 when not applicable); InvalidEdge names the offending edge id.
type Result struct {
	Allowed     bool   `json:"allowed"`
	Reason      Reason `json:"reason,omitempty"`
	BrokenAt    int    `json:"broken_at,omitempty"`
	InvalidEdge string `json:"invalid_edge,omitempty"`
}

// EdgeSource resolves edge ids; the ledger implements it.
type EdgeSource interface {
	Edge(id string) (*ledger.Edge, bool)
}

// Validate checks a claim against the ledger alone, in O(path length) with no
// graph traversal. Every rejection is logged as an attack attempt with its
// specific reason; both an accepted proof and a true query answer are valid
// authorization grounds, but proofs remain auditable from the ledger after
// the fact.
func Validate(edges EdgeSource, compiled *schema.Compiled, maxTraversal int, claim Claim, logger *zap.Logger) Result {
	if logger == nil {
		logger = zap.NewNop()
	}
	reject := func(result Result, fields ...zap.Field) Result {
		fields = append(fields,
			zap.String("subject", claim.Subject),
			zap.String("object", claim.Object),
			zap.String("capability", claim.Capability),
			zap.String("reason", string(result.Reason)),
		)
		logger.Warn("proof rejected", fields...)
		return result
	}

	path := make([]*ledger.Edge, len(claim.EdgeIDs))
	for i, id := range claim.EdgeIDs {
		edge, ok := edges.Edge(id)
		if !ok {
			return reject(Result{Reason: ReasonUnknownEdge, BrokenAt: i, InvalidEdge: id})
		}
		path[i] = edge
	}

	for i, edge := range path {
		live := edge.Live()
		if claim.AtVersion > 0 {
			live = edge.LiveAt(claim.AtVersion)
		}
		if !live {
			return reject(Result{Reason: ReasonRevokedEdge, BrokenAt: i, InvalidEdge: edge.ID})
		}
	}

	if len(path) == 0 {
		return reject(Result{Reason: ReasonBrokenChain, BrokenAt: 0})
	}
	if path[0].SourceID != claim.Subject {
		return reject(Result{Reason: ReasonBrokenChain, BrokenAt: 0, InvalidEdge: path[0].ID})
	}
	for i := 0; i < len(path)-1; i++ {
		if path[i].TargetID != path[i+1].SourceID {
			return reject(Result{Reason: ReasonBrokenChain, BrokenAt: i + 1, InvalidEdge: path[i+1].ID})
		}
	}
	last := path[len(path)-1]
	if last.TargetID != claim.Object {
		return reject(Result{Reason: ReasonBrokenChain, BrokenAt: len(path) - 1, InvalidEdge: last.ID})
	}

	for i, edge := range path[:len(path)-1] {
		if !compiled.Traversable(edge.Type) {
			return reject(Result{Reason: ReasonIllegalRelationInPath, BrokenAt: i, InvalidEdge: edge.ID},
				zap.String("relationship", edge.Type))
		}
	}
	if !compiled.PermissionBearing(last.Type) {
		return reject(Result{Reason: ReasonIllegalRelationInPath, BrokenAt: len(path) - 1, InvalidEdge: last.ID},
			zap.String("relationship", last.Type))
	}
	if last.Capability() != claim.Capability {
		return reject(Result{Reason: ReasonCapabilityMismatch, BrokenAt: len(path) - 1, InvalidEdge: last.ID})
	}

	if maxTraversal <= 0 {
		maxTraversal = 10
	}
	if len(path) > maxTraversal {
		return reject(Result{Reason: ReasonPathTooLong}, zap.Int("length", len(path)))
	}

	return Result{Allowed: true, BrokenAt: -1}
}
