package handler

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

const maxSchemaBytes = 1 << 20

// schemaUpload implements PUT /{tenant}/schema: validate and store a new
// version without activating it. Warnings come back alongside the version;
// fatal issues answer 400 with the full issue list.
func (h *Handler) schemaUpload(w http.ResponseWriter, r *http.Request) {
	a, _, ok := h.actorFor(w, r)
	if !ok {
		return
	}
	source, err := io.ReadAll(io.LimitReader(r.Body, maxSchemaBytes))
	if err != nil || len(source) == 0 {
		writeError(w, http.StatusBadRequest, "schema source body is required", "")
		return
	}

	version, issues, err := a.UploadSchema(r.Context(), source)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if issues.HasErrors() {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "schema validation failed",
			"issues": issues,
		})
		return
	}

	body := map[string]any{"version": version}
	if len(issues) > 0 {
		body["issues"] = issues
	}
	writeJSON(w, http.StatusCreated, body)
}

// schemaActivate implements POST /{tenant}/schema/activate/{version} and
// POST /{tenant}/schema/rollback/{version}; rollback is activation of an
// earlier version and shares the forward-compatibility gate.
func (h *Handler) schemaActivate(w http.ResponseWriter, r *http.Request) {
	a, _, ok := h.actorFor(w, r)
	if !ok {
		return
	}
	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil || version < 1 {
		writeError(w, http.StatusBadRequest, "version must be a positive integer", "")
		return
	}

	compiled, err := a.ActivateSchema(r.Context(), version)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active_version": compiled.Version})
}

// schemaShow implements GET /{tenant}/schema: the active compiled schema.
func (h *Handler) schemaShow(w http.ResponseWriter, r *http.Request) {
	a, _, ok := h.actorFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a.ActiveSchema())
}
