package idp

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// loaded is the Loaded(value, expiresAt) state of a cached resource. A nil
// pointer is the Unloaded state.
type loaded[T any] struct {
	value     T
	expiresAt time.Time
	fetchedAt time.Time
}

// fillFunc produces a fresh value and its expiry. It runs at most once at
// a time per resource.
type fillFunc[T any] func(ctx context.Context) (T, time.Time, error)

// resource is a lazily loaded value swapped in whole. Readers never see a
// partially updated value and concurrent loads are coalesced.
type resource[T any] struct {
	state  atomic.Pointer[loaded[T]]
	flight singleflight.Group
}

// current returns the value when loaded and unexpired at now
func (r *resource[T]) current(now time.Time) (T, bool) {
	s := r.state.Load()
	if s == nil || !now.Before(s.expiresAt) {
		var zero T
		return zero, false
	}
	return s.value, true
}

// get returns the current value or loads one with fill. Callers waiting
// on another caller's load still honour their own ctx.
func (r *resource[T]) get(ctx context.Context, now func() time.Time, fill fillFunc[T]) (T, error) {
	if v, ok := r.current(now()); ok {
		return v, nil
	}
	return r.do(ctx, "load", func() (T, error) {
		if v, ok := r.current(now()); ok {
			return v, nil
		}
		return r.fill(ctx, now, fill)
	})
}

// refresh reloads the value unless it was fetched within minAge
func (r *resource[T]) refresh(ctx context.Context, now func() time.Time, minAge time.Duration, fill fillFunc[T]) (T, error) {
	return r.do(ctx, "refresh", func() (T, error) {
		if s := r.state.Load(); s != nil && now().Sub(s.fetchedAt) < minAge && now().Before(s.expiresAt) {
			return s.value, nil
		}
		return r.fill(ctx, now, fill)
	})
}

// reset returns the resource to Unloaded
func (r *resource[T]) reset() {
	r.state.Store(nil)
}

func (r *resource[T]) fill(ctx context.Context, now func() time.Time, fill fillFunc[T]) (T, error) {
	v, expiresAt, err := fill(context.WithoutCancel(ctx))
	if err != nil {
		var zero T
		return zero, err
	}
	r.state.Store(&loaded[T]{value: v, expiresAt: expiresAt, fetchedAt: now()})
	return v, nil
}

func (r *resource[T]) do(ctx context.Context, key string, fn func() (T, error)) (T, error) {
	ch := r.flight.DoChan(key, func() (interface{}, error) {
		return fn()
	})
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			var zero T
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}
