package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics.
//
// The Record* helpers are safe to call on a nil *Metrics so components
// can be built without instrumentation in tests.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Identity provider metrics
	IdPFetchesTotal  *prometheus.CounterVec
	IdPFetchDuration *prometheus.HistogramVec
	IdPTrustFailures *prometheus.CounterVec
	IdPCacheLookups  *prometheus.CounterVec
	TokenValidations *prometheus.CounterVec
	NonceOperations  *prometheus.CounterVec

	// Authorization metrics
	AuthzDecisionsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oidcaccount_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "oidcaccount_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		IdPFetchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oidcaccount_idp_fetches_total",
				Help: "Network fetches of identity provider metadata",
			},
			[]string{"alias", "resource", "status"},
		),
		IdPFetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "oidcaccount_idp_fetch_duration_seconds",
				Help:    "Duration of identity provider metadata fetches",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"alias", "resource"},
		),
		IdPTrustFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oidcaccount_idp_trust_failures_total",
				Help: "Discovery documents rejected by host validation",
			},
			[]string{"alias", "source"},
		),
		IdPCacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oidcaccount_idp_cache_lookups_total",
				Help: "Identity provider metadata lookups by the tier that served them",
			},
			[]string{"alias", "resource", "tier"},
		),
		TokenValidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oidcaccount_token_validations_total",
				Help: "Identity token validations by outcome",
			},
			[]string{"alias", "result"},
		),
		NonceOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oidcaccount_nonce_operations_total",
				Help: "Nonce issue and consume operations",
			},
			[]string{"operation", "result"},
		),
		AuthzDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oidcaccount_authz_decisions_total",
				Help: "Authorization decisions by outcome and deciding rule",
			},
			[]string{"decision", "reason"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.IdPFetchesTotal,
		m.IdPFetchDuration,
		m.IdPTrustFailures,
		m.IdPCacheLookups,
		m.TokenValidations,
		m.NonceOperations,
		m.AuthzDecisionsTotal,
	)

	return m
}

// RecordIdPFetch records one network fetch of discovery or key material
func (m *Metrics) RecordIdPFetch(alias, resource string, err error, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.IdPFetchesTotal.WithLabelValues(alias, resource, status).Inc()
	m.IdPFetchDuration.WithLabelValues(alias, resource).Observe(d.Seconds())
}

// RecordTrustFailure counts a rejected discovery document. source is
// "network" or "shared_cache".
func (m *Metrics) RecordTrustFailure(alias, source string) {
	if m == nil {
		return
	}
	m.IdPTrustFailures.WithLabelValues(alias, source).Inc()
}

// RecordCacheLookup counts which tier (local, shared, network) served a lookup
func (m *Metrics) RecordCacheLookup(alias, resource, tier string) {
	if m == nil {
		return
	}
	m.IdPCacheLookups.WithLabelValues(alias, resource, tier).Inc()
}

// RecordTokenValidation counts a validation outcome ("valid" or a failure kind)
func (m *Metrics) RecordTokenValidation(alias, result string) {
	if m == nil {
		return
	}
	m.TokenValidations.WithLabelValues(alias, result).Inc()
}

// RecordNonce counts nonce issue/consume operations
func (m *Metrics) RecordNonce(operation, result string) {
	if m == nil {
		return
	}
	m.NonceOperations.WithLabelValues(operation, result).Inc()
}

// RecordAuthzDecision counts an authorization outcome and the rule that produced it
func (m *Metrics) RecordAuthzDecision(allowed bool, reason string) {
	if m == nil {
		return
	}
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	m.AuthzDecisionsTotal.WithLabelValues(decision, reason).Inc()
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests. routeName maps a request
// onto a low-cardinality label; the raw path is used when it is nil.
func HTTPMetricsMiddleware(metrics *Metrics, routeName func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if metrics == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := r.URL.Path
			if routeName != nil {
				route = routeName(r)
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
