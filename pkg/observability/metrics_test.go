package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Recorders(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.RecordIdPFetch("corp", "discovery", nil, 20*time.Millisecond)
	m.RecordIdPFetch("corp", "discovery", errors.New("timeout"), time.Second)
	m.RecordTrustFailure("corp", "network")
	m.RecordCacheLookup("corp", "jwks", "local")
	m.RecordTokenValidation("corp", "nonce-mismatch")
	m.RecordNonce("consume", "hit")
	m.RecordAuthzDecision(true, "master")
	m.RecordAuthzDecision(false, "guest")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.IdPFetchesTotal.WithLabelValues("corp", "discovery", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IdPFetchesTotal.WithLabelValues("corp", "discovery", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IdPTrustFailures.WithLabelValues("corp", "network")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IdPCacheLookups.WithLabelValues("corp", "jwks", "local")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TokenValidations.WithLabelValues("corp", "nonce-mismatch")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NonceOperations.WithLabelValues("consume", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuthzDecisionsTotal.WithLabelValues("allow", "master")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuthzDecisionsTotal.WithLabelValues("deny", "guest")))
}

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordIdPFetch("corp", "jwks", nil, time.Millisecond)
		m.RecordTrustFailure("corp", "network")
		m.RecordCacheLookup("corp", "jwks", "shared")
		m.RecordTokenValidation("corp", "valid")
		m.RecordNonce("issue", "ok")
		m.RecordAuthzDecision(false, "no_permissions")
	})
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	handler := HTTPMetricsMiddleware(m, func(*http.Request) string { return "/auth/{alias}/login" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusFound)
		}),
	)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/corp/login", nil))

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/auth/{alias}/login", "302")))
}

func TestMetricsHandler(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	m.RecordAuthzDecision(true, "callback")

	rec := httptest.NewRecorder()
	MetricsHandler(registry).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "oidcaccount_authz_decisions_total"))
}
