package idp

import (
	"fmt"
	"net/url"
	"strings"
)

// DiscoveryDocument is the subset of OpenID provider metadata this
// service relies on. Values returned by Provider are copies.
type DiscoveryDocument struct {
	Issuer                string   `json:"issuer,omitempty"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	JWKSURI               string   `json:"jwks_uri"`
	EndSessionEndpoint    string   `json:"end_session_endpoint"`
	CheckSessionIframe    string   `json:"check_session_iframe"`
	UserInfoEndpoint      string   `json:"userinfo_endpoint"`
	SigningAlgorithms     []string `json:"id_token_signing_alg_values_supported,omitempty"`
}

type endpoint struct {
	name     string
	value    string
	required bool
}

func (d *DiscoveryDocument) endpoints() []endpoint {
	return []endpoint{
		{"issuer", d.Issuer, false},
		{"authorization_endpoint", d.AuthorizationEndpoint, true},
		{"token_endpoint", d.TokenEndpoint, true},
		{"jwks_uri", d.JWKSURI, true},
		{"end_session_endpoint", d.EndSessionEndpoint, true},
		{"check_session_iframe", d.CheckSessionIframe, true},
		{"userinfo_endpoint", d.UserInfoEndpoint, true},
	}
}

func (d *DiscoveryDocument) clone() *DiscoveryDocument {
	c := *d
	c.SigningAlgorithms = append([]string(nil), d.SigningAlgorithms...)
	return &c
}

// validateDocument checks every endpoint before any of them is used. A
// missing or unparsable endpoint wraps ErrMalformedDocument; an endpoint
// on a foreign host, or downgraded from https, is a *TrustValidationError.
func validateDocument(cfg Config, d *DiscoveryDocument) error {
	expected := cfg.baseURI.Hostname()
	for _, ep := range d.endpoints() {
		if ep.value == "" {
			if ep.required {
				return fmt.Errorf("%w: missing %s", ErrMalformedDocument, ep.name)
			}
			continue
		}
		u, err := url.Parse(ep.value)
		if err != nil || !u.IsAbs() || u.Hostname() == "" {
			return fmt.Errorf("%w: %s is not an absolute URL", ErrMalformedDocument, ep.name)
		}
		if !strings.EqualFold(u.Hostname(), expected) || downgraded(cfg.baseURI.Scheme, u.Scheme) {
			return &TrustValidationError{
				Alias:        cfg.alias,
				Endpoint:     ep.name,
				URL:          ep.value,
				ExpectedHost: expected,
				ActualHost:   u.Hostname(),
			}
		}
	}
	return nil
}

func downgraded(baseScheme, scheme string) bool {
	return baseScheme == "https" && scheme != "https"
}

// issuer is the value expected in the iss claim
func (d *DiscoveryDocument) issuer(cfg Config) string {
	if d.Issuer != "" {
		return d.Issuer
	}
	return strings.TrimSuffix(cfg.BaseURI(), "/")
}
