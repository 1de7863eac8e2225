package ledger

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedRequest indicates a mutation request that fails local shape
// checks before reaching the writer.
var ErrMalformedRequest = errors.New("malformed mutation request")

// Op names a requested mutation operation.
type Op string

const (
	OpGrant        Op = "grant"
	OpRevoke       Op = "revoke"
	OpUpsertEntity Op = "upsert_entity"
	OpDeleteEntity Op = "delete_entity"
)

// GrantRequest asks for a new edge.
type GrantRequest struct {
	Type       string            `json:"type"`
	SourceID   string            `json:"source"`
	TargetID   string            `json:"target"`
	Properties map[string]string `json:"properties,omitempty"`
}

// RevokeRequest revokes an edge by id (primary form) or by tuple
// (convenience form).
type RevokeRequest struct {
	EdgeID     string `json:"edge_id,omitempty"`
	Type       string `json:"type,omitempty"`
	SourceID   string `json:"source,omitempty"`
	TargetID   string `json:"target,omitempty"`
	Capability string `json:"capability,omitempty"`
}

// EntityRequest upserts or deletes an entity row.
type EntityRequest struct {
	Table  string            `json:"table"`
	ID     string            `json:"id"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Request is one requested mutation; exactly one payload matches Op.
type Request struct {
	Op     Op             `json:"op"`
	Grant  *GrantRequest  `json:"grant,omitempty"`
	Revoke *RevokeRequest `json:"revoke,omitempty"`
	Entity *EntityRequest `json:"entity,omitempty"`
}

// Validate performs shape checks that need no tenant state.
func (r *Request) Validate() error {
	switch r.Op {
	case OpGrant:
		if r.Grant == nil {
			return fmt.Errorf("%w: grant payload missing", ErrMalformedRequest)
		}
		if strings.TrimSpace(r.Grant.Type) == "" ||
			strings.TrimSpace(r.Grant.SourceID) == "" ||
			strings.TrimSpace(r.Grant.TargetID) == "" {
			return fmt.Errorf("%w: grant requires type, source and target", ErrMalformedRequest)
		}
	case OpRevoke:
		if r.Revoke == nil {
			return fmt.Errorf("%w: revoke payload missing", ErrMalformedRequest)
		}
		if r.Revoke.EdgeID == "" &&
			(r.Revoke.Type == "" || r.Revoke.SourceID == "" || r.Revoke.TargetID == "") {
			return fmt.Errorf("%w: revoke requires an edge id or a full tuple", ErrMalformedRequest)
		}
	case OpUpsertEntity:
		if r.Entity == nil || r.Entity.Table == "" || r.Entity.ID == "" {
			return fmt.Errorf("%w: upsert requires table and id", ErrMalformedRequest)
		}
	case OpDeleteEntity:
		if r.Entity == nil || r.Entity.Table == "" || r.Entity.ID == "" {
			return fmt.Errorf("%w: delete requires table and id", ErrMalformedRequest)
		}
	default:
		return fmt.Errorf("%w: unknown op %q", ErrMalformedRequest, r.Op)
	}
	return nil
}
