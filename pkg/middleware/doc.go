// Package middleware throttles requests per client.
//
// MemoryLimiter keeps token buckets in-process; RedisLimiter shares a
// fixed-window counter between instances. Both plug into RateLimit:
//
//	limit := middleware.RateLimit(
//		middleware.NewMemoryLimiter(middleware.DefaultLoginRateLimit(), 10000),
//		func(r *http.Request) string { return httputil.ClientIP(r, false) },
//		logger,
//	)
//	router.Handle("/auth/{alias}/login", limit(loginHandler))
package middleware
