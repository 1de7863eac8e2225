package logging

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type loggerKey struct{}

// WithLogger returns a context carrying the request-scoped logger.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the request-scoped logger, if one is stored.
func FromContext(ctx context.Context) (*zap.Logger, bool) {
	logger, ok := ctx.Value(loggerKey{}).(*zap.Logger)
	return logger, ok
}

// FromRequest returns the request-scoped logger for handler code, falling
// back when the middleware chain did not run (direct handler calls in tests).
func FromRequest(r *http.Request, fallback *zap.Logger) *zap.Logger {
	if logger, ok := FromContext(r.Context()); ok {
		return logger
	}
	if fallback != nil {
		return fallback
	}
	return zap.NewNop()
}

// RequestLogger stamps the base logger with the request identity, stores it
// on the context for downstream middleware to enrich (the tenant middleware
// adds tenant and operator), and emits one completion line per request.
func RequestLogger(base *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()

			fields := []zap.Field{
				zap.String("http_method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr),
			}
			if requestID := middleware.GetReqID(r.Context()); requestID != "" {
				fields = append(fields, zap.String("request_id", requestID))
			}
			logger := base.With(fields...)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(WithLogger(r.Context(), logger)))

			logger.Info("request completed",
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(started)),
			)
		})
	}
}
