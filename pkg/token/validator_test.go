package token

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/oidcaccount/pkg/idp/idptest"
)

type tokenFixture struct {
	server    *idptest.Server
	validator *Validator
	now       time.Time
	want      Expectations
}

func newTokenFixture(t *testing.T) *tokenFixture {
	server := idptest.NewServer(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &tokenFixture{
		server:    server,
		validator: NewValidator(WithClock(func() time.Time { return now })),
		now:       now,
		want: Expectations{
			Issuer:   server.Issuer(),
			Audience: idptest.ClientID,
			Nonce:    "session-nonce",
		},
	}
}

func (f *tokenFixture) claims(mutate func(map[string]interface{})) map[string]interface{} {
	c := f.server.Claims("alice", "session-nonce", f.now)
	if mutate != nil {
		mutate(c)
	}
	return c
}

func assertKind(t *testing.T, err error, want Kind) {
	t.Helper()
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok, "expected a ValidationError, got %v", err)
	assert.Equal(t, want, kind, err.Error())
}

func TestValidate_Success(t *testing.T) {
	f := newTokenFixture(t)
	raw := f.server.Sign(t, f.claims(func(c map[string]interface{}) {
		c["upn"] = "alice@corp.example.com"
		c["locale"] = "en-AU"
	}))

	claims, err := f.validator.Validate(raw, f.want, f.server.KeySet())
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, f.server.Issuer(), claims.Issuer)
	assert.Equal(t, "alice@example.com", claims.EmailAddress())
	assert.Equal(t, "en-AU", claims.Locale)
	assert.Equal(t, "alice@corp.example.com", claims.Raw["upn"])
}

func TestValidate_EmailFallsBackToUPN(t *testing.T) {
	f := newTokenFixture(t)
	raw := f.server.Sign(t, f.claims(func(c map[string]interface{}) {
		delete(c, "email")
		c["upn"] = "alice@corp.example.com"
	}))
	claims, err := f.validator.Validate(raw, f.want, f.server.KeySet())
	require.NoError(t, err)
	assert.Equal(t, "alice@corp.example.com", claims.EmailAddress())
}

func TestValidate_Structure(t *testing.T) {
	f := newTokenFixture(t)
	keys := f.server.KeySet()

	tests := map[string]string{
		"empty":           "",
		"two segments":    "a.b",
		"four segments":   "a.b.c.d",
		"empty header":    ".b.c",
		"bad base64":      "!!!.b.c",
		"header not json": base64.RawURLEncoding.EncodeToString([]byte("nope")) + ".b.c",
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := f.validator.Validate(raw, f.want, keys)
			assertKind(t, err, KindMalformed)
		})
	}
}

func TestValidate_RejectsNoneAlgorithm(t *testing.T) {
	f := newTokenFixture(t)
	signed := f.server.Sign(t, f.claims(nil))
	payload := strings.Split(signed, ".")[1]
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))

	_, err := f.validator.Validate(header+"."+payload+".", f.want, f.server.KeySet())
	assertKind(t, err, KindUnsupportedAlgorithm)
}

func TestValidate_RejectsHMAC(t *testing.T) {
	f := newTokenFixture(t)
	raw := idptest.SignWith(t, jose.HS256, []byte("client-secret-used-as-hmac-key!!"), "key-1", f.claims(nil))
	_, err := f.validator.Validate(raw, f.want, f.server.KeySet())
	assertKind(t, err, KindUnsupportedAlgorithm)

	restricted := NewValidator(WithAlgorithms(jose.HS256, jose.RS256))
	_, err = restricted.Validate(raw, f.want, f.server.KeySet())
	assertKind(t, err, KindUnsupportedAlgorithm)
}

func TestValidate_Signature(t *testing.T) {
	f := newTokenFixture(t)
	keys := f.server.KeySet()

	t.Run("foreign key same kid", func(t *testing.T) {
		raw := idptest.SignWith(t, jose.RS256, idptest.GenerateKey(t), "key-1", f.claims(nil))
		_, err := f.validator.Validate(raw, f.want, keys)
		assertKind(t, err, KindBadSignature)
	})

	t.Run("unknown kid", func(t *testing.T) {
		raw := idptest.SignWith(t, jose.RS256, idptest.GenerateKey(t), "rotated", f.claims(nil))
		_, err := f.validator.Validate(raw, f.want, keys)
		assertKind(t, err, KindUnknownKey)
	})

	t.Run("no kid tries every key", func(t *testing.T) {
		signing := idptest.GenerateKey(t)
		set := &jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
			{Key: &idptest.GenerateKey(t).PublicKey, KeyID: "a"},
			{Key: &signing.PublicKey, KeyID: "b"},
		}}
		raw := idptest.SignWith(t, jose.RS256, signing, "", f.claims(nil))
		_, err := f.validator.Validate(raw, f.want, set)
		assert.NoError(t, err)

		foreign := idptest.SignWith(t, jose.RS256, idptest.GenerateKey(t), "", f.claims(nil))
		_, err = f.validator.Validate(foreign, f.want, set)
		assertKind(t, err, KindBadSignature)
	})

	t.Run("tampered payload", func(t *testing.T) {
		signed := f.server.Sign(t, f.claims(nil))
		parts := strings.Split(signed, ".")
		other := strings.Split(f.server.Sign(t, f.claims(func(c map[string]interface{}) { c["sub"] = "mallory" })), ".")
		_, err := f.validator.Validate(parts[0]+"."+other[1]+"."+parts[2], f.want, keys)
		assertKind(t, err, KindBadSignature)
	})

	t.Run("algorithm mismatch with key", func(t *testing.T) {
		ec, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		raw := idptest.SignWith(t, jose.ES256, ec, "key-1", f.claims(nil))
		_, err = f.validator.Validate(raw, f.want, keys)
		assertKind(t, err, KindBadSignature)
	})

	t.Run("empty key set", func(t *testing.T) {
		_, err := f.validator.Validate(f.server.Sign(t, f.claims(nil)), f.want, &jose.JSONWebKeySet{})
		assertKind(t, err, KindUnknownKey)
	})
}

func TestValidate_Claims(t *testing.T) {
	f := newTokenFixture(t)
	keys := f.server.KeySet()

	tests := []struct {
		name   string
		mutate func(map[string]interface{})
		want   func(*Expectations)
		kind   Kind
	}{
		{"issuer", func(c map[string]interface{}) { c["iss"] = "https://evil.example.com" }, nil, KindIssuerMismatch},
		{"empty subject", func(c map[string]interface{}) { c["sub"] = "" }, nil, KindMissingSubject},
		{"subject hint", nil, func(e *Expectations) { e.Subject = "bob" }, KindSubjectMismatch},
		{"audience", func(c map[string]interface{}) { c["aud"] = "other-client" }, nil, KindAudienceMismatch},
		{"authorized party", func(c map[string]interface{}) {
			c["aud"] = []string{idptest.ClientID, "other"}
			c["azp"] = "other"
		}, nil, KindAudienceMismatch},
		{"expired", func(c map[string]interface{}) { c["exp"] = f.now.Add(-2 * time.Minute).Unix() }, nil, KindExpired},
		{"missing exp", func(c map[string]interface{}) { delete(c, "exp") }, nil, KindMalformed},
		{"missing iat", func(c map[string]interface{}) { delete(c, "iat") }, nil, KindMalformed},
		{"issued in future", func(c map[string]interface{}) { c["iat"] = f.now.Add(10 * time.Minute).Unix() }, nil, KindIssuedInFuture},
		{"not yet valid", func(c map[string]interface{}) { c["nbf"] = f.now.Add(10 * time.Minute).Unix() }, nil, KindNotYetValid},
		{"nonce mismatch", func(c map[string]interface{}) { c["nonce"] = "someone-elses-nonce" }, nil, KindNonceMismatch},
		{"missing nonce claim", func(c map[string]interface{}) { delete(c, "nonce") }, nil, KindNonceMismatch},
		{"no outstanding nonce", nil, func(e *Expectations) { e.Nonce = "" }, KindNonceMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want := f.want
			if tt.want != nil {
				tt.want(&want)
			}
			claims, err := f.validator.Validate(f.server.Sign(t, f.claims(tt.mutate)), want, keys)
			assert.Nil(t, claims)
			assertKind(t, err, tt.kind)
		})
	}
}

func TestValidate_Leeway(t *testing.T) {
	f := newTokenFixture(t)
	keys := f.server.KeySet()

	withinSkew := f.server.Sign(t, f.claims(func(c map[string]interface{}) {
		c["exp"] = f.now.Add(-30 * time.Second).Unix()
		c["iat"] = f.now.Add(30 * time.Second).Unix()
	}))
	_, err := f.validator.Validate(withinSkew, f.want, keys)
	assert.NoError(t, err)

	strict := NewValidator(WithLeeway(0), WithClock(func() time.Time { return f.now }))
	_, err = strict.Validate(withinSkew, f.want, keys)
	assertKind(t, err, KindExpired)
}

func TestValidate_AudienceArray(t *testing.T) {
	f := newTokenFixture(t)
	raw := f.server.Sign(t, f.claims(func(c map[string]interface{}) {
		c["aud"] = []string{"api", idptest.ClientID}
		c["azp"] = idptest.ClientID
	}))
	_, err := f.validator.Validate(raw, f.want, f.server.KeySet())
	assert.NoError(t, err)
}

func TestValidationError(t *testing.T) {
	err := reject(KindExpired, "expired at %s", "then")
	assert.Equal(t, "token validation failed: expired: expired at then", err.Error())

	_, ok := KindOf(assert.AnError)
	assert.False(t, ok)
}
