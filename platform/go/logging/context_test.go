package logging

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestFromRequestFallbacks(t *testing.T) {
	t.Parallel()

	request := httptest.NewRequest(http.MethodGet, "/acme/can", nil)

	fallback := zap.NewNop()
	require.Same(t, fallback, FromRequest(request, fallback))
	require.NotNil(t, FromRequest(request, nil))

	stored := zap.NewNop()
	request = request.WithContext(WithLogger(request.Context(), stored))
	require.Same(t, stored, FromRequest(request, fallback))
}

func TestRequestLoggerStoresScopedLogger(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	base := zap.New(core)

	handler := RequestLogger(base)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		FromRequest(r, nil).Info("inside handler")
		w.WriteHeader(http.StatusTeapot)
	}))

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/acme/can", nil))

	entries := logs.All()
	require.Len(t, entries, 2)

	inner := entries[0]
	require.Equal(t, "inside handler", inner.Message)
	fields := inner.ContextMap()
	require.Equal(t, http.MethodGet, fields["http_method"])
	require.Equal(t, "/acme/can", fields["path"])

	completion := entries[1]
	require.Equal(t, "request completed", completion.Message)
	require.EqualValues(t, http.StatusTeapot, completion.ContextMap()["status"])
}
