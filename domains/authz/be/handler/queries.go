package handler

import (
	"net/http"

	"github.com/edgewarden/edgewarden/domains/authz/be/graph"
	"github.com/edgewarden/edgewarden/domains/authz/be/proof"
)

// can implements GET /{tenant}/can?subject=&capability=&object=
func (h *Handler) can(w http.ResponseWriter, r *http.Request) {
	a, _, ok := h.actorFor(w, r)
	if !ok {
		return
	}
	subject := r.URL.Query().Get("subject")
	capability := r.URL.Query().Get("capability")
	object := r.URL.Query().Get("object")
	if subject == "" || capability == "" || object == "" {
		writeError(w, http.StatusBadRequest, "subject, capability and object are required", "")
		return
	}

	allowed, latency, err := a.Can(r.Context(), subject, capability, object)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"allowed":    allowed,
		"latency_ms": float64(latency.Microseconds()) / 1000,
	})
}

// accessible implements GET /{tenant}/accessible?subject=&capability=
func (h *Handler) accessible(w http.ResponseWriter, r *http.Request) {
	a, _, ok := h.actorFor(w, r)
	if !ok {
		return
	}
	subject := r.URL.Query().Get("subject")
	capability := r.URL.Query().Get("capability")
	if subject == "" || capability == "" {
		writeError(w, http.StatusBadRequest, "subject and capability are required", "")
		return
	}

	objects, err := a.AccessibleObjects(r.Context(), subject, capability)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if objects == nil {
		objects = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"objects": objects})
}

// accessors implements GET /{tenant}/accessors?object=&capability=
func (h *Handler) accessors(w http.ResponseWriter, r *http.Request) {
	a, _, ok := h.actorFor(w, r)
	if !ok {
		return
	}
	object := r.URL.Query().Get("object")
	capability := r.URL.Query().Get("capability")
	if object == "" || capability == "" {
		writeError(w, http.StatusBadRequest, "object and capability are required", "")
		return
	}

	accessors, err := a.Accessors(r.Context(), object, capability)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if accessors == nil {
		accessors = []graph.Accessor{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"accessors": accessors})
}

// stats implements GET /{tenant}/stats
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	a, _, ok := h.actorFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a.Stats())
}

// validate implements POST /{tenant}/validate: edge-path proof checking.
// An accepted proof answers 200; a rejected one answers 403 with the
// rejection category in the body.
func (h *Handler) validate(w http.ResponseWriter, r *http.Request) {
	a, _, ok := h.actorFor(w, r)
	if !ok {
		return
	}
	var claim proof.Claim
	if err := decodeBody(r, &claim); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if claim.Subject == "" || claim.Object == "" || claim.Capability == "" {
		writeError(w, http.StatusBadRequest, "subject, object and capability are required", "")
		return
	}

	result, err := a.ValidateProof(r.Context(), claim)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	if result.Allowed {
		writeJSON(w, http.StatusOK, map[string]any{"allowed": true})
		return
	}
	body := map[string]any{
		"allowed":   false,
		"reason":    string(result.Reason),
		"broken_at": result.BrokenAt,
	}
	if result.InvalidEdge != "" {
		body["invalid_edge"] = result.InvalidEdge
	}
	writeJSON(w, http.StatusForbidden, body)
}
