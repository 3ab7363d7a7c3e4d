// Package idptest runs a fake OpenID Connect provider for tests. It serves
// discovery, JWKS, token and userinfo endpoints and signs ID tokens with
// an RSA key it controls.
package idptest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/platinummonkey/oidcaccount/pkg/idp"
)

// ClientID is the relying party id Record registers
const ClientID = "test-client"

// Server is a fake identity provider
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	key      *rsa.PrivateKey
	keyID    string
	mutate   func(doc map[string]interface{})
	userInfo map[string]interface{}
	delay    time.Duration
	status   int

	discoveryHits atomic.Int32
	keyHits       atomic.Int32
	tokenHits     atomic.Int32
}

// NewServer starts a fake provider and registers its shutdown with t
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{key: GenerateKey(t), keyID: "key-1", status: http.StatusOK}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", s.handleDiscovery)
	mux.HandleFunc("/jwks", s.handleJWKS)
	mux.HandleFunc("/token", s.handleToken)
	mux.HandleFunc("/userinfo", s.handleUserInfo)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// GenerateKey returns a fresh 2048-bit RSA key
func GenerateKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return key
}

// Issuer is the iss value the provider advertises
func (s *Server) Issuer() string { return s.URL }

// Record returns a configuration record pointing at the server
func (s *Server) Record(alias string) idp.Record {
	return idp.Record{
		Name:         "Test " + alias,
		Alias:        alias,
		Icon:         "images/" + alias + ".png",
		URI:          &idp.URIRecord{Base: s.URL + "/", API: []idp.APIRecord{{Name: "graph", URI: s.URL + "/graph"}}},
		ClientID:     ClientID,
		ClientSecret: "test-secret",
	}
}

// Config returns a validated config for alias
func (s *Server) Config(t testing.TB, alias string) idp.Config {
	t.Helper()
	cfg, err := idp.NewConfig(s.Record(alias))
	if err != nil {
		t.Fatalf("invalid test config: %v", err)
	}
	return cfg
}

// Document returns the discovery document currently served
func (s *Server) Document() map[string]interface{} {
	doc := map[string]interface{}{
		"issuer":                 s.URL,
		"authorization_endpoint": s.URL + "/authorize",
		"token_endpoint":         s.URL + "/token",
		"jwks_uri":               s.URL + "/jwks",
		"end_session_endpoint":   s.URL + "/logout",
		"check_session_iframe":   s.URL + "/check_session",
		"userinfo_endpoint":      s.URL + "/userinfo",
	}
	doc["id_token_signing_alg_values_supported"] = []string{"RS256"}
	s.mu.Lock()
	mutate := s.mutate
	s.mu.Unlock()
	if mutate != nil {
		mutate(doc)
	}
	return doc
}

// MutateDocument changes the served discovery document. nil restores it.
func (s *Server) MutateDocument(fn func(doc map[string]interface{})) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mutate = fn
}

// SetDelay delays every response
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// SetStatus makes discovery and JWKS answer with code
func (s *Server) SetStatus(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = code
}

// SetUserInfo sets the userinfo response claims
func (s *Server) SetUserInfo(claims map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userInfo = claims
}

// RotateKey replaces the signing key and key id
func (s *Server) RotateKey(t testing.TB, keyID string) {
	key := GenerateKey(t)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key, s.keyID = key, keyID
}

// DiscoveryHits counts discovery requests served
func (s *Server) DiscoveryHits() int { return int(s.discoveryHits.Load()) }

// KeyHits counts JWKS requests served
func (s *Server) KeyHits() int { return int(s.keyHits.Load()) }

// TokenHits counts token endpoint requests served
func (s *Server) TokenHits() int { return int(s.tokenHits.Load()) }

// Claims returns a valid claim set for subject and nonce at now
func (s *Server) Claims(subject, nonce string, now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"iss":   s.Issuer(),
		"sub":   subject,
		"aud":   ClientID,
		"exp":   now.Add(time.Hour).Unix(),
		"iat":   now.Unix(),
		"nonce": nonce,
		"email": subject + "@example.com",
		"name":  "Test " + subject,
	}
}

// Sign signs claims with the current key as an RS256 JWT
func (s *Server) Sign(t testing.TB, claims map[string]interface{}) string {
	s.mu.Lock()
	key, kid := s.key, s.keyID
	s.mu.Unlock()
	return SignWith(t, jose.RS256, key, kid, claims)
}

// SignWith signs claims with an arbitrary key, algorithm and key id
func SignWith(t testing.TB, alg jose.SignatureAlgorithm, key interface{}, kid string, claims map[string]interface{}) string {
	t.Helper()
	opts := (&jose.SignerOptions{}).WithType("JWT")
	if kid != "" {
		opts = opts.WithHeader("kid", kid)
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: alg, Key: key}, opts)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}
	raw, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return raw
}

// KeySet returns the public key set currently served
func (s *Server) KeySet() *jose.JSONWebKeySet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &s.key.PublicKey,
		KeyID:     s.keyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}}
}

func (s *Server) wait() int {
	s.mu.Lock()
	delay, status := s.delay, s.status
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return status
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	s.discoveryHits.Add(1)
	if status := s.wait(); status != http.StatusOK {
		w.WriteHeader(status)
		return
	}
	writeJSON(w, s.Document())
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	s.keyHits.Add(1)
	if status := s.wait(); status != http.StatusOK {
		w.WriteHeader(status)
		return
	}
	writeJSON(w, s.KeySet())
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	s.tokenHits.Add(1)
	if err := r.ParseForm(); err != nil || r.PostForm.Get("code") == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
		return
	}
	writeJSON(w, map[string]interface{}{
		"access_token": "access-" + r.PostForm.Get("code"),
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
}

func (s *Server) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer access-") {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	s.mu.Lock()
	info := s.userInfo
	s.mu.Unlock()
	if info == nil {
		info = map[string]interface{}{"sub": "unknown"}
	}
	writeJSON(w, info)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
