package tenant

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/edgewarden/edgewarden/platform/go/logging"
)

func TestNormalizeID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw   string
		want  string
		valid bool
	}{
		{"acme", "acme", true},
		{"  ACME  ", "acme", true},
		{"acme-corp", "acme-corp", true},
		{"acme_corp_2", "acme_corp_2", true},
		{"", "", false},
		{"   ", "", false},
		{"-acme", "", false},
		{"acme-", "", false},
		{"acme..corp", "", false},
		{"acme corp", "", false},
		{"tenant/../../etc", "", false},
		{strings.Repeat("a", 65), "", false},
		{strings.Repeat("a", 64), strings.Repeat("a", 64), true},
	}

	for _, tc := range tests {
		id, err := NormalizeID(tc.raw)
		if tc.valid {
			require.NoError(t, err, tc.raw)
			require.Equal(t, tc.want, id)
		} else {
			require.Error(t, err, tc.raw)
		}
	}
}

func TestObjectKeys(t *testing.T) {
	t.Parallel()

	require.Equal(t, "acme/", BasePrefix("acme"))
	require.Equal(t, "acme/schema/current.json", SchemaKey("acme"))
	require.Equal(t, "acme/schema/versions/v3.json", SchemaVersionKey("acme", 3))
	require.Equal(t, "acme/data/user.csv", TableKey("acme", "user"))
	require.Equal(t, "acme/data/_manifest.json", ManifestKey("acme"))
}

func TestMiddleware(t *testing.T) {
	t.Parallel()

	router := chi.NewRouter()
	var seen Space
	router.Route("/{tenant}", func(r chi.Router) {
		r.Use(Middleware)
		r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
			space, ok := FromContext(r.Context())
			require.True(t, ok)
			seen = space
			w.WriteHeader(http.StatusOK)
		})
	})

	t.Run("resolves from path", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		request := httptest.NewRequest(http.MethodGet, "/acme/ping", nil)
		request.Header.Set(OperatorHeader, "alice")
		router.ServeHTTP(recorder, request)

		require.Equal(t, http.StatusOK, recorder.Code)
		require.Equal(t, "acme", seen.ID)
		require.Equal(t, "acme/", seen.BasePrefix)
		require.Equal(t, "alice", seen.Operator)
	})

	t.Run("anonymous operator", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/acme/ping", nil))
		require.Equal(t, "anonymous", seen.Operator)
	})

	t.Run("rejects invalid tenant", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/BAD!ID/ping", nil))
		require.Equal(t, http.StatusBadRequest, recorder.Code)
	})
}

func TestMiddlewareEnrichesRequestLogger(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)

	router := chi.NewRouter()
	router.Use(logging.RequestLogger(zap.New(core)))
	router.Route("/{tenant}", func(r chi.Router) {
		r.Use(Middleware)
		r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
			logging.FromRequest(r, nil).Info("handled")
			w.WriteHeader(http.StatusOK)
		})
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/acme/ping", nil)
	request.Header.Set(OperatorHeader, "alice")
	router.ServeHTTP(recorder, request)

	require.Equal(t, http.StatusOK, recorder.Code)
	entries := logs.FilterMessage("handled").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "acme", fields["tenant"])
	require.Equal(t, "alice", fields["operator"])
}
