package hub

import (
	"github.com/edgewarden/edgewarden/domains/authz/be/ledger"
)

// Frame type constants for the WebSocket envelope {type, ...}.
const (
	// Client to server.
	FrameVersion = "version"
	FrameMutate  = "mutate"
	FramePing    = "ping"

	// Server to client.
	FrameMutation         = "mutation"
	FrameCatchUp          = "catch_up"
	FrameAck              = "ack"
	FrameReject           = "reject"
	FrameFullSyncRequired = "full_sync_required"
	FrameSchemaChange     = "schema_change"
	FramePong             = "pong"
	FrameError            = "error"
)

// Frame is the wire envelope in both directions; fields are populated
// according to Type.
type Frame struct {
	Type string `json:"type"`

	// version, ack, schema_change
	Version uint64 `json:"version,omitempty"`

	// mutation
	Op *ledger.Mutation `json:"op,omitempty"`

	// catch_up
	From      uint64             `json:"from,omitempty"`
	To        uint64             `json:"to,omitempty"`
	Mutations []*ledger.Mutation `json:"mutations,omitempty"`

	// mutate (client), ack, reject
	ClientID string          `json:"client_id,omitempty"`
	Request  *ledger.Request `json:"request,omitempty"`

	// reject, full_sync_required
	Reason string `json:"reason,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}
