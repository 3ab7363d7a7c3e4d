// Package async runs background tasks with a deadline and panic recovery.
//
// The service uses it for work that must not hold up startup or a request,
// such as prefetching identity provider metadata:
//
//	async.SafeGo(ctx, logger, 10*time.Second, "warm identity providers", registry.Warm)
package async
