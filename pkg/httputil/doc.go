// Package httputil holds the JSON response helpers and request middleware
// shared by the HTTP handlers.
//
//	router.Use(httputil.RequestIDMiddleware, httputil.RecoveryMiddleware(logger))
//	httputil.WriteJSON(w, http.StatusOK, providers)
//	httputil.WriteUnauthorized(w, "authentication failed")
package httputil
