// Package token validates OpenID Connect ID tokens.
package token

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/platinummonkey/oidcaccount/pkg/nonce"
)

// DefaultLeeway absorbs clock skew between this service and the provider
const DefaultLeeway = time.Minute

// DefaultAlgorithms are the accepted signature algorithms. Symmetric and
// "none" algorithms are never accepted.
var DefaultAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.ES256, jose.ES384, jose.ES512,
}

// Expectations are the values a token must match
type Expectations struct {
	// Issuer must equal the iss claim.
	Issuer string
	// Subject, when set, must equal the sub claim.
	Subject string
	// Audience, when set, must be contained in the aud claim.
	Audience string
	// Nonce is the value consumed from the session. An empty Nonce
	// rejects every token.
	Nonce string
}

// Validator checks structure, signature and claims of ID tokens
type Validator struct {
	algorithms []jose.SignatureAlgorithm
	leeway     time.Duration
	now        func() time.Time
}

// Option configures a Validator
type Option func(*Validator)

// WithAlgorithms replaces the algorithm allow-list. jose.HS* algorithms
// are dropped.
func WithAlgorithms(algs ...jose.SignatureAlgorithm) Option {
	return func(v *Validator) {
		v.algorithms = v.algorithms[:0]
		for _, alg := range algs {
			if asymmetric(alg) {
				v.algorithms = append(v.algorithms, alg)
			}
		}
	}
}

// WithLeeway sets the allowed clock skew
func WithLeeway(d time.Duration) Option {
	return func(v *Validator) { v.leeway = d }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// NewValidator creates a validator with DefaultAlgorithms and DefaultLeeway
func NewValidator(opts ...Option) *Validator {
	v := &Validator{
		algorithms: append([]jose.SignatureAlgorithm(nil), DefaultAlgorithms...),
		leeway:     DefaultLeeway,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func asymmetric(alg jose.SignatureAlgorithm) bool {
	switch alg {
	case jose.HS256, jose.HS384, jose.HS512, "none", "":
		return false
	}
	return true
}

func (v *Validator) allowed(alg string) bool {
	for _, a := range v.algorithms {
		if string(a) == alg {
			return true
		}
	}
	return false
}

type header struct {
	Algorithm string `json:"alg"`
	KeyID     string `json:"kid"`
}

// Validate runs every check in order and returns the claims only when
// all of them pass.
func (v *Validator) Validate(raw string, want Expectations, keys *jose.JSONWebKeySet) (*Claims, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return nil, reject(KindMalformed, "expected three dot separated segments")
	}

	hdrBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, reject(KindMalformed, "header is not base64url: %v", err)
	}
	var hdr header
	if err := json.Unmarshal(hdrBytes, &hdr); err != nil {
		return nil, reject(KindMalformed, "header is not JSON: %v", err)
	}
	if !v.allowed(hdr.Algorithm) {
		return nil, reject(KindUnsupportedAlgorithm, "algorithm %q is not accepted", hdr.Algorithm)
	}
	if parts[2] == "" {
		return nil, reject(KindMalformed, "missing signature")
	}

	jws, err := jose.ParseSigned(raw, v.algorithms)
	if err != nil {
		return nil, reject(KindMalformed, "%v", err)
	}

	payload, err := verify(jws, hdr, keys)
	if err != nil {
		return nil, err
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, reject(KindMalformed, "claims are not valid JSON: %v", err)
	}
	if err := json.Unmarshal(payload, &claims.Raw); err != nil {
		return nil, reject(KindMalformed, "claims are not a JSON object: %v", err)
	}

	if err := v.checkIdentity(&claims, want); err != nil {
		return nil, err
	}
	if err := v.checkTimes(&claims); err != nil {
		return nil, err
	}
	if want.Nonce == "" {
		return nil, reject(KindNonceMismatch, "no nonce outstanding for session")
	}
	if !nonce.Equal(claims.Nonce, want.Nonce) {
		return nil, reject(KindNonceMismatch, "nonce does not match session")
	}
	return &claims, nil
}

// verify checks the signature with the key named by kid or, without a
// kid, with each key in turn.
func verify(jws *jose.JSONWebSignature, hdr header, keys *jose.JSONWebKeySet) ([]byte, error) {
	if keys == nil || len(keys.Keys) == 0 {
		return nil, reject(KindUnknownKey, "no signing keys available")
	}
	candidates := keys.Keys
	if hdr.KeyID != "" {
		candidates = keys.Key(hdr.KeyID)
		if len(candidates) == 0 {
			return nil, reject(KindUnknownKey, "no key with id %q", hdr.KeyID)
		}
	}

	var lastErr error = errors.New("no key matches the token algorithm")
	for i := range candidates {
		key := candidates[i]
		if key.Algorithm != "" && key.Algorithm != hdr.Algorithm {
			continue
		}
		payload, err := jws.Verify(key)
		if err == nil {
			return payload, nil
		}
		lastErr = err
	}
	return nil, &ValidationError{Kind: KindBadSignature, Err: lastErr}
}

func (v *Validator) checkIdentity(c *Claims, want Expectations) error {
	if c.Issuer != want.Issuer {
		return reject(KindIssuerMismatch, "issuer %q, expected %q", c.Issuer, want.Issuer)
	}
	if c.Subject == "" {
		return reject(KindMissingSubject, "sub claim is empty")
	}
	if want.Subject != "" && c.Subject != want.Subject {
		return reject(KindSubjectMismatch, "subject %q, expected %q", c.Subject, want.Subject)
	}
	if want.Audience != "" {
		if !c.Audience.Contains(want.Audience) {
			return reject(KindAudienceMismatch, "audience %v does not include %q", []string(c.Audience), want.Audience)
		}
		if len(c.Audience) > 1 && c.AuthorizedParty != "" && c.AuthorizedParty != want.Audience {
			return reject(KindAudienceMismatch, "authorized party %q, expected %q", c.AuthorizedParty, want.Audience)
		}
	}
	return nil
}

func (v *Validator) checkTimes(c *Claims) error {
	now := v.now()
	if c.Expiry == nil {
		return reject(KindMalformed, "exp claim is missing")
	}
	if c.IssuedAt == nil {
		return reject(KindMalformed, "iat claim is missing")
	}
	if now.After(c.Expiry.Time().Add(v.leeway)) {
		return reject(KindExpired, "expired at %s", c.Expiry.Time().UTC().Format(time.RFC3339))
	}
	if c.NotBefore != nil && now.Add(v.leeway).Before(c.NotBefore.Time()) {
		return reject(KindNotYetValid, "not valid before %s", c.NotBefore.Time().UTC().Format(time.RFC3339))
	}
	if now.Add(v.leeway).Before(c.IssuedAt.Time()) {
		return reject(KindIssuedInFuture, "issued at %s", c.IssuedAt.Time().UTC().Format(time.RFC3339))
	}
	return nil
}
