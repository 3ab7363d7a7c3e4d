package authz

import (
	"net/http"

	"github.com/gorilla/mux"
)

// ParamsFunc extracts check parameters from a request
type ParamsFunc func(r *http.Request) map[string]interface{}

// RouteParams exposes gorilla/mux route variables as check parameters
func RouteParams(r *http.Request) map[string]interface{} {
	vars := mux.Vars(r)
	params := make(map[string]interface{}, len(vars))
	for k, v := range vars {
		params[k] = v
	}
	return params
}

// Middleware guards handlers with access checks
type Middleware struct {
	manager *Manager
}

// NewMiddleware creates a new access-check middleware
func NewMiddleware(manager *Manager) *Middleware {
	return &Middleware{manager: manager}
}

// RequireAccess allows the request through only when CheckAccess grants
// slug for the user in the request context.
func (am *Middleware) RequireAccess(slug string, params ParamsFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := UserFromContext(r.Context())
			if user == nil {
				http.Error(w, "Authentication required", http.StatusUnauthorized)
				return
			}

			var data map[string]interface{}
			if params != nil {
				data = params(r)
			}
			if !am.manager.CheckAccess(r.Context(), user, slug, data) {
				http.Error(w, "Insufficient permissions", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
