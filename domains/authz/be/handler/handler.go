package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/edgewarden/edgewarden/domains/authz/be/actor"
	"github.com/edgewarden/edgewarden/domains/authz/be/ledger"
	"github.com/edgewarden/edgewarden/domains/authz/be/schema"
	"github.com/edgewarden/edgewarden/domains/authz/be/store"
	"github.com/edgewarden/edgewarden/platform/go/kvlog"
	"github.com/edgewarden/edgewarden/platform/go/logging"
	"github.com/edgewarden/edgewarden/platform/go/objectstore"
	"github.com/edgewarden/edgewarden/platform/go/tenant"
)

// Handler wires the tenant actor registry to the HTTP and WebSocket surface.
type Handler struct {
	actors *actor.Registry
	logger *zap.Logger
}

// New constructs a Handler instance.
func New(actors *actor.Registry, logger *zap.Logger) *Handler {
	if actors == nil {
		panic("actor registry is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Handler{actors: actors, logger: logger}
}

// Routes mounts the full tenant surface plus process liveness.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", h.healthz)

	r.Route("/{tenant}", func(r chi.Router) {
		r.Use(tenant.Middleware)

		r.Get("/can", h.can)
		r.Get("/accessible", h.accessible)
		r.Get("/accessors", h.accessors)
		r.Get("/stats", h.stats)

		r.Post("/grant", h.grant)
		r.Post("/revoke", h.revoke)
		r.Post("/bulk", h.bulk)
		r.Post("/validate", h.validate)

		r.Put("/schema", h.schemaUpload)
		r.Get("/schema", h.schemaShow)
		r.Post("/schema/activate/{version}", h.schemaActivate)
		r.Post("/schema/rollback/{version}", h.schemaActivate)

		r.Post("/snapshot", h.snapshot)
		r.Get("/ws", h.ws)
	})
	return r
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "tenants_loaded": h.actors.Loaded()})
}

// actorFor resolves the request's tenant actor, writing the error response
// itself when resolution fails.
func (h *Handler) actorFor(w http.ResponseWriter, r *http.Request) (*actor.Actor, tenant.Space, bool) {
	space, ok := tenant.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusBadRequest, "tenant not resolved", "")
		return nil, tenant.Space{}, false
	}
	a, err := h.actors.Actor(r.Context(), space.ID)
	if err != nil {
		logging.FromRequest(r, h.logger).Error("tenant cold start failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "tenant unavailable", "")
		return nil, space, false
	}
	return a, space, true
}

func (h *Handler) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		// Internal detail stays in the log, not the response body.
		logging.FromRequest(r, h.logger).Error("request failed", zap.Error(err))
		writeError(w, status, http.StatusText(status), "")
		return
	}
	writeError(w, status, err.Error(), "")
}

// statusFor maps domain sentinels to HTTP statuses: 400 input, 404 unknown
// edge or entity, 409 schema version conflicts, 429 over quota, 503 degraded
// or infrastructure-unavailable.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrMalformedRequest),
		errors.Is(err, store.ErrConstraintViolated),
		errors.Is(err, store.ErrTableUnknown),
		errors.Is(err, actor.ErrSchemaValidationFailed):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrUnknownEdge),
		errors.Is(err, store.ErrRowUnknown),
		errors.Is(err, actor.ErrUnknownEntity):
		return http.StatusNotFound
	case errors.Is(err, schema.ErrVersionUnknown),
		errors.Is(err, schema.ErrSchemaMissing):
		return http.StatusConflict
	case errors.Is(err, actor.ErrOverQuota):
		return http.StatusTooManyRequests
	case errors.Is(err, actor.ErrDegraded),
		errors.Is(err, actor.ErrTimeout),
		errors.Is(err, actor.ErrSnapshotStale),
		errors.Is(err, kvlog.ErrUnavailable),
		errors.Is(err, objectstore.ErrNotFound):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message, details string) {
	body := map[string]any{"error": message}
	if details != "" {
		body["details"] = details
	}
	writeJSON(w, status, body)
}

func decodeBody(r *http.Request, into any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrMalformedRequest, err)
	}
	return nil
}
