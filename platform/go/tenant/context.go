package tenant

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/edgewarden/edgewarden/platform/go/logging"
)

// Space captures the resolved tenant routing metadata for a request.
// It is attached to the context by middleware once the tenant has been
// resolved from the URL path or header.
type Space struct {
	ID         string
	BasePrefix string
	// Operator is the authenticated caller identity injected by the edge
	// router via the X-Operator header; "anonymous" when absent.
	Operator string
}

type ctxKey struct{}

// WithSpace returns a derived context carrying the tenant Space.
func WithSpace(ctx context.Context, space Space) context.Context {
	return context.WithValue(ctx, ctxKey{}, space)
}

// FromContext extracts the tenant Space and a boolean indicating presence.
func FromContext(ctx context.Context) (Space, bool) {
	space, ok := ctx.Value(ctxKey{}).(Space)
	return space, ok
}

// OperatorHeader names the header the out-of-scope router uses to forward the
// authenticated caller identity.
const OperatorHeader = "X-Operator"

// Middleware resolves the tenant from the chi {tenant} URL param (falling back
// to the X-Tenant header) and stores the Space on the request context. The
// request-scoped logger, when present, is re-stored enriched with the tenant
// and operator so handler logs carry both. Requests with an invalid tenant id
// are rejected with 400.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := chi.URLParam(r, "tenant")
		if raw == "" {
			raw = r.Header.Get("X-Tenant")
		}
		id, err := NormalizeID(raw)
		if err != nil {
			http.Error(w, `{"error":"invalid tenant id"}`, http.StatusBadRequest)
			return
		}

		operator := strings.TrimSpace(r.Header.Get(OperatorHeader))
		if operator == "" {
			operator = "anonymous"
		}

		space := Space{
			ID:         id,
			BasePrefix: BasePrefix(id),
			Operator:   operator,
		}
		ctx := WithSpace(r.Context(), space)
		if logger, ok := logging.FromContext(ctx); ok {
			ctx = logging.WithLogger(ctx, logger.With(
				zap.String("tenant", space.ID),
				zap.String("operator", space.Operator),
			))
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
