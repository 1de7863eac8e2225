package ledger

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Kind enumerates the mutation log entry kinds.
type Kind string

const (
	KindGrant        Kind = "grant"
	KindRevoke       Kind = "revoke"
	KindUpsertEntity Kind = "upsert_entity"
	KindDeleteEntity Kind = "delete_entity"
	KindSchemaChange Kind = "schema_change"
)

// GrantPayload records a committed grant.
type GrantPayload struct {
	Edge Edge `json:"edge" msgpack:"edge"`
}

// RevokePayload records a committed revocation by edge id.
type RevokePayload struct {
	EdgeID   string `json:"edge_id" msgpack:"edge_id"`
	Type     string `json:"type,omitempty" msgpack:"type,omitempty"`
	SourceID string `json:"source_id,omitempty" msgpack:"source_id,omitempty"`
	TargetID string `json:"target_id,omitempty" msgpack:"target_id,omitempty"`
}

// EntityPayload records an entity upsert or delete.
type EntityPayload struct {
	Table  string            `json:"table" msgpack:"table"`
	ID     string            `json:"id" msgpack:"id"`
	Fields map[string]string `json:"fields,omitempty" msgpack:"fields,omitempty"`
}

// SchemaChangePayload records a schema activation.
type SchemaChangePayload struct {
	SchemaVersion int `json:"schema_version" msgpack:"schema_version"`
}

// Mutation is one committed log entry. Exactly one payload field is set,
// matching Kind.
type Mutation struct {
	Version  uint64    `json:"version" msgpack:"version"`
	Kind     Kind      `json:"kind" msgpack:"kind"`
	At       time.Time `json:"at" msgpack:"at"`
	Operator string    `json:"operator,omitempty" msgpack:"operator,omitempty"`

	Grant        *GrantPayload        `json:"grant,omitempty" msgpack:"grant,omitempty"`
	Revoke       *RevokePayload       `json:"revoke,omitempty" msgpack:"revoke,omitempty"`
	Entity       *EntityPayload       `json:"entity,omitempty" msgpack:"entity,omitempty"`
	SchemaChange *SchemaChangePayload `json:"schema_change,omitempty" msgpack:"schema_change,omitempty"`
}

// Encode serializes the mutation for the key-value log.
func (m *Mutation) Encode() ([]byte, error) {
	data, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode mutation %d: %w", m.Version, err)
	}
	return data, nil
}

// DecodeMutation deserializes a key-value log entry.
func DecodeMutation(data []byte) (*Mutation, error) {
	var m Mutation
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode mutation: %w", err)
	}
	return &m, nil
}
