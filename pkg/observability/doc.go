// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry setup and health checks for the account service.
//
// Components accept a *Logger and a *Metrics at construction time. Both
// may be left nil in tests: NopLogger is used in place of a nil logger
// and every Metrics recorder is a no-op on a nil receiver.
//
// Metric names are prefixed with oidcaccount_. The identity provider
// series distinguish which lookup tier served a request (local, shared,
// network) so a cold shared cache is visible as a rise in network fetches.
package observability
