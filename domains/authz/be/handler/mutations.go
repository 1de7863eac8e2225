package handler

import (
	"net/http"

	"github.com/edgewarden/edgewarden/domains/authz/be/ledger"
)

// grant implements POST /{tenant}/grant.
func (h *Handler) grant(w http.ResponseWriter, r *http.Request) {
	a, space, ok := h.actorFor(w, r)
	if !ok {
		return
	}
	var body ledger.GrantRequest
	if err := decodeBody(r, &body); err != nil {
		h.writeFailure(w, r, err)
		return
	}

	mutation, err := a.Apply(r.Context(), ledger.Request{Op: ledger.OpGrant, Grant: &body}, space.Operator)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"edge_id": mutation.Grant.Edge.ID,
		"version": mutation.Version,
	})
}

// revoke implements POST /{tenant}/revoke, by edge id or by full tuple.
func (h *Handler) revoke(w http.ResponseWriter, r *http.Request) {
	a, space, ok := h.actorFor(w, r)
	if !ok {
		return
	}
	var body ledger.RevokeRequest
	if err := decodeBody(r, &body); err != nil {
		h.writeFailure(w, r, err)
		return
	}

	mutation, err := a.Apply(r.Context(), ledger.Request{Op: ledger.OpRevoke, Revoke: &body}, space.Operator)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": mutation.Version})
}

type bulkBody struct {
	Operations []ledger.Request `json:"operations"`
}

// bulk implements POST /{tenant}/bulk: operations apply in submission order,
// the first failure aborts the rest of the batch.
func (h *Handler) bulk(w http.ResponseWriter, r *http.Request) {
	a, space, ok := h.actorFor(w, r)
	if !ok {
		return
	}
	var body bulkBody
	if err := decodeBody(r, &body); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if len(body.Operations) == 0 {
		writeError(w, http.StatusBadRequest, "operations are required", "")
		return
	}

	results := a.Bulk(r.Context(), body.Operations, space.Operator)
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// snapshot implements POST /{tenant}/snapshot: force an immediate snapshot.
func (h *Handler) snapshot(w http.ResponseWriter, r *http.Request) {
	a, _, ok := h.actorFor(w, r)
	if !ok {
		return
	}
	if err := a.Snapshot(r.Context()); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshot_version": a.Stats().SnapshotVersion})
}

// ws implements GET /{tenant}/ws: hand the connection to the tenant hub.
func (h *Handler) ws(w http.ResponseWriter, r *http.Request) {
	a, space, ok := h.actorFor(w, r)
	if !ok {
		return
	}
	a.Hub().HandleWS(w, r, space.Operator)
}
