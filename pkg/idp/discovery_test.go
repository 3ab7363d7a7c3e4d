package idp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDocument() *DiscoveryDocument {
	return &DiscoveryDocument{
		Issuer:                "https://login.example.com/tenant",
		AuthorizationEndpoint: "https://login.example.com/authorize",
		TokenEndpoint:         "https://login.example.com/token",
		JWKSURI:               "https://login.example.com/keys",
		EndSessionEndpoint:    "https://login.example.com/logout",
		CheckSessionIframe:    "https://login.example.com/session",
		UserInfoEndpoint:      "https://LOGIN.example.com/userinfo",
	}
}

func TestValidateDocument(t *testing.T) {
	cfg, err := NewConfig(validRecord())
	require.NoError(t, err)

	assert.NoError(t, validateDocument(cfg, validDocument()))

	hostile := []struct {
		name     string
		mutate   func(*DiscoveryDocument)
		endpoint string
	}{
		{"authorization", func(d *DiscoveryDocument) { d.AuthorizationEndpoint = "https://evil.example.net/authorize" }, "authorization_endpoint"},
		{"token", func(d *DiscoveryDocument) { d.TokenEndpoint = "https://evil.example.net/token" }, "token_endpoint"},
		{"jwks", func(d *DiscoveryDocument) { d.JWKSURI = "https://login.example.com.evil.net/keys" }, "jwks_uri"},
		{"end session", func(d *DiscoveryDocument) { d.EndSessionEndpoint = "https://evil.example.net/" }, "end_session_endpoint"},
		{"check session", func(d *DiscoveryDocument) { d.CheckSessionIframe = "https://evil.example.net/" }, "check_session_iframe"},
		{"userinfo", func(d *DiscoveryDocument) { d.UserInfoEndpoint = "https://evil.example.net/" }, "userinfo_endpoint"},
		{"issuer", func(d *DiscoveryDocument) { d.Issuer = "https://evil.example.net/" }, "issuer"},
		{"scheme downgrade", func(d *DiscoveryDocument) { d.TokenEndpoint = "http://login.example.com/token" }, "token_endpoint"},
	}
	for _, tt := range hostile {
		t.Run(tt.name, func(t *testing.T) {
			doc := validDocument()
			tt.mutate(doc)
			err := validateDocument(cfg, doc)

			var trust *TrustValidationError
			require.ErrorAs(t, err, &trust)
			assert.Equal(t, tt.endpoint, trust.Endpoint)
			assert.Equal(t, "login.example.com", trust.ExpectedHost)
			assert.Equal(t, "corp", trust.Alias)
		})
	}
}

func TestValidateDocument_Malformed(t *testing.T) {
	cfg, err := NewConfig(validRecord())
	require.NoError(t, err)

	doc := validDocument()
	doc.CheckSessionIframe = ""
	assert.ErrorIs(t, validateDocument(cfg, doc), ErrMalformedDocument)

	doc = validDocument()
	doc.TokenEndpoint = "/relative/token"
	assert.ErrorIs(t, validateDocument(cfg, doc), ErrMalformedDocument)

	doc = validDocument()
	doc.Issuer = ""
	assert.NoError(t, validateDocument(cfg, doc), "issuer is optional")
	assert.Equal(t, "https://login.example.com/tenant", doc.issuer(cfg))
}
