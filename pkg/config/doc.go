// Package config loads service configuration from OIDCACCOUNT_* environment
// variables and validates it.
//
// Server settings:
//
//	OIDCACCOUNT_HOST="0.0.0.0"
//	OIDCACCOUNT_PORT="8080"
//	OIDCACCOUNT_HEALTH_PORT="9090"
//	OIDCACCOUNT_BASE_URL="https://accounts.example.com"
//	OIDCACCOUNT_SECURE_COOKIES="true"
//	OIDCACCOUNT_TRUST_PROXY="false"
//
// Storage settings:
//
//	OIDCACCOUNT_DATABASE_DRIVER="postgres"  # sqlite3, postgres
//	OIDCACCOUNT_DATABASE_URL="postgres://localhost/oidcaccount?sslmode=disable"
//	OIDCACCOUNT_REDIS_URL="redis://localhost:6379"  # optional shared cache
//
// Identity provider settings:
//
//	OIDCACCOUNT_IDP_CONFIG="/etc/oidcaccount/idp.yaml"
//	OIDCACCOUNT_FETCH_TIMEOUT="5s"  # at most 30s
//	OIDCACCOUNT_NONCE_TTL="10m"
//	OIDCACCOUNT_SESSION_TTL="24h"
//	OIDCACCOUNT_MASTER_USER_ID="1"
//	OIDCACCOUNT_DEBUG_AUTH="false"
//	OIDCACCOUNT_LOGIN_RATE_LIMIT="30"  # per client per minute, 0 disables
//
// Observability settings:
//
//	OIDCACCOUNT_LOG_LEVEL="info"  # debug, info, warn, error
//	OIDCACCOUNT_METRICS_ENABLED="true"
//	OIDCACCOUNT_OTEL_ENABLED="true"
//	OIDCACCOUNT_OTEL_ENDPOINT="otel-collector:4317"
package config
