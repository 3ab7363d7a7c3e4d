// Package nonce issues and consumes the one-time values that bind an
// identity token to the browser session that started the login.
//
// Each session has a single slot. Issuing a nonce overwrites the slot and
// consuming it empties the slot atomically, so a value can be matched at
// most once and concurrent sessions never see each other's values.
package nonce

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/oidcaccount/pkg/observability"
)

const (
	// DefaultTTL bounds how long a login attempt may take
	DefaultTTL = 10 * time.Minute

	tokenBytes = 32
)

var (
	// ErrNoNonce is returned when the session has no outstanding nonce
	ErrNoNonce = errors.New("no nonce issued for session")
	// ErrNoSession is returned when a session id is empty
	ErrNoSession = errors.New("session id is required")
)

// Store keeps one value per session.
type Store interface {
	// Put replaces the session's value.
	Put(ctx context.Context, sessionID, value string, ttl time.Duration) error
	// Take returns and removes the session's value in one atomic step,
	// or ErrNoNonce.
	Take(ctx context.Context, sessionID string) (string, error)
}

// Manager hands out session-bound nonce handles
type Manager struct {
	store   Store
	ttl     time.Duration
	metrics *observability.Metrics
}

// NewManager creates a manager over store. ttl <= 0 selects DefaultTTL.
func NewManager(store Store, ttl time.Duration, metrics *observability.Metrics) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{store: store, ttl: ttl, metrics: metrics}
}

// ForSession binds the manager to one browser session
func (m *Manager) ForSession(sessionID string) *Session {
	return &Session{m: m, id: sessionID}
}

// Session issues and verifies nonces for a single browser session
type Session struct {
	m  *Manager
	id string
}

// ID returns the bound session id
func (s *Session) ID() string {
	return s.id
}

// Issue generates a fresh nonce and stores it for the session, replacing
// any nonce from an abandoned earlier attempt.
func (s *Session) Issue(ctx context.Context) (string, error) {
	if s.id == "" {
		return "", ErrNoSession
	}
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	value := base64.RawURLEncoding.EncodeToString(buf)

	if err := s.m.store.Put(ctx, s.id, value, s.m.ttl); err != nil {
		s.m.metrics.RecordNonce("issue", "error")
		return "", fmt.Errorf("failed to store nonce: %w", err)
	}
	s.m.metrics.RecordNonce("issue", "ok")
	return value, nil
}

// Consume removes and returns the outstanding nonce. Once called the
// session has no nonce until the next Issue, whatever the caller then
// does with the value.
func (s *Session) Consume(ctx context.Context) (string, error) {
	if s.id == "" {
		return "", ErrNoSession
	}
	value, err := s.m.store.Take(ctx, s.id)
	switch {
	case errors.Is(err, ErrNoNonce):
		s.m.metrics.RecordNonce("consume", "miss")
		return "", err
	case err != nil:
		s.m.metrics.RecordNonce("consume", "error")
		return "", fmt.Errorf("failed to consume nonce: %w", err)
	}
	s.m.metrics.RecordNonce("consume", "hit")
	return value, nil
}

// VerifyAndConsume reports whether token equals the outstanding nonce.
// The nonce is invalidated even when the comparison fails.
func (s *Session) VerifyAndConsume(ctx context.Context, token string) bool {
	expected, err := s.Consume(ctx)
	if err != nil || token == "" {
		return false
	}
	return Equal(expected, token)
}

// Equal compares two nonce values in constant time
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
