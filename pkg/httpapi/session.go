package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/oidcaccount/pkg/cache"
)

// SessionCookie names the browser session cookie
const SessionCookie = "oidcaccount_session"

// DefaultSessionTTL bounds how long a signed-in session lasts
const DefaultSessionTTL = 24 * time.Hour

// binding is what a signed-in session maps to
type binding struct {
	UserID int64  `json:"user_id"`
	Alias  string `json:"alias"`
}

// sessions maps opaque session ids to signed-in users in a cache
type sessions struct {
	store  cache.Cache
	ttl    time.Duration
	secure bool
}

func (s *sessions) key(id string) string { return "session:" + id }

func (s *sessions) bind(ctx context.Context, id string, b binding) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	if err := s.store.Put(ctx, s.key(id), data, s.ttl); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

// lookup returns the binding for id; ok is false for an anonymous session
func (s *sessions) lookup(ctx context.Context, id string) (b binding, ok bool, err error) {
	data, err := s.store.Get(ctx, s.key(id))
	if errors.Is(err, cache.ErrCacheMiss) {
		return binding{}, false, nil
	}
	if err != nil {
		return binding{}, false, fmt.Errorf("failed to read session: %w", err)
	}
	if err := json.Unmarshal(data, &b); err != nil || b.UserID == 0 {
		return binding{}, false, nil
	}
	return b, true, nil
}

func (s *sessions) destroy(ctx context.Context, id string) error {
	return s.store.Delete(ctx, s.key(id))
}

// id returns the session id carried by r, or "" when absent or malformed
func (s *sessions) id(r *http.Request) string {
	c, err := r.Cookie(SessionCookie)
	if err != nil {
		return ""
	}
	if _, err := uuid.Parse(c.Value); err != nil {
		return ""
	}
	return c.Value
}

// ensure returns the request's session id, issuing a new cookie if needed
func (s *sessions) ensure(w http.ResponseWriter, r *http.Request) string {
	if id := s.id(r); id != "" {
		return id
	}
	return s.issue(w)
}

// issue sets a cookie carrying a fresh session id
func (s *sessions) issue(w http.ResponseWriter) string {
	id := uuid.NewString()
	http.SetCookie(w, s.cookie(id, int(s.ttl.Seconds())))
	return id
}

func (s *sessions) expire(w http.ResponseWriter) {
	http.SetCookie(w, s.cookie("", -1))
}

func (s *sessions) cookie(value string, maxAge int) *http.Cookie {
	c := &http.Cookie{
		Name:     SessionCookie,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	}
	// The provider posts the callback cross-site; only SameSite=None
	// cookies are sent with it.
	if s.secure {
		c.SameSite = http.SameSiteNoneMode
	}
	return c
}
