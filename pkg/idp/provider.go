package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/platinummonkey/oidcaccount/pkg/cache"
	"github.com/platinummonkey/oidcaccount/pkg/observability"
)

const (
	// DefaultFetchTimeout bounds each discovery and key fetch
	DefaultFetchTimeout = 5 * time.Second
	// MaxFetchTimeout caps configured fetch timeouts
	MaxFetchTimeout = 30 * time.Second
	// KeyRefreshInterval is the minimum time between forced key refreshes
	KeyRefreshInterval = time.Minute

	maxDocumentBytes = 1 << 20

	resourceDiscovery = "discovery"
	resourceKeys      = "jwks"
)

// NonceIssuer issues a one-time value bound to the caller's session
type NonceIssuer interface {
	Issue(ctx context.Context) (string, error)
}

// Options are the collaborators shared by every provider in a registry
type Options struct {
	// Cache is the shared tier; nil disables it.
	Cache cache.Cache
	// HTTPClient defaults to a client with Timeout applied.
	HTTPClient *http.Client
	// Timeout defaults to DefaultFetchTimeout and is capped at
	// MaxFetchTimeout.
	Timeout time.Duration
	Logger  *observability.Logger
	Metrics *observability.Metrics
	// Now defaults to time.Now.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultFetchTimeout
	}
	if o.Timeout > MaxFetchTimeout {
		o.Timeout = MaxFetchTimeout
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: o.Timeout}
	}
	if o.Logger == nil {
		o.Logger = observability.NopLogger()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Provider is one configured OpenID Connect identity provider. Discovery
// metadata and signing keys are looked up locally, then in the shared
// cache, then fetched over the network.
type Provider struct {
	cfg  Config
	opts Options
	log  *observability.Logger

	discovery resource[*DiscoveryDocument]
	keys      resource[*jose.JSONWebKeySet]
}

// NewProvider creates a provider for a validated config
func NewProvider(cfg Config, opts Options) *Provider {
	opts = opts.withDefaults()
	return &Provider{
		cfg:  cfg,
		opts: opts,
		log:  opts.Logger.WithField("idp", cfg.alias),
	}
}

// Config returns the provider configuration
func (p *Provider) Config() Config { return p.cfg }

// Alias returns the provider alias
func (p *Provider) Alias() string { return p.cfg.alias }

// Name returns the provider display name
func (p *Provider) Name() string { return p.cfg.name }

// LoginURI builds the authorization request for redirectURI. A fresh
// nonce is issued to the session on every call.
func (p *Provider) LoginURI(ctx context.Context, nonces NonceIssuer, redirectURI string) (string, error) {
	if _, err := parseAbsoluteURL(redirectURI); err != nil {
		return "", fmt.Errorf("invalid redirect uri: %w", err)
	}
	doc, err := p.DiscoveryDocument(ctx)
	if err != nil {
		return "", err
	}
	nonce, err := nonces.Issue(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to issue nonce: %w", err)
	}
	return withQuery(doc.AuthorizationEndpoint, url.Values{
		"client_id":     {p.cfg.clientID},
		"response_type": {"id_token code"},
		"redirect_uri":  {redirectURI},
		"response_mode": {"form_post"},
		"scope":         {"openid email"},
		"nonce":         {nonce},
	})
}

// LogoutURI builds the end-session request returning to redirectURI
func (p *Provider) LogoutURI(ctx context.Context, redirectURI string) (string, error) {
	doc, err := p.DiscoveryDocument(ctx)
	if err != nil {
		return "", err
	}
	return withQuery(doc.EndSessionEndpoint, url.Values{
		"post_logout_redirect_uri": {redirectURI},
	})
}

func withQuery(endpoint string, params url.Values) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, v := range params {
		q[k] = v
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// TokenEndpoint returns the discovered token endpoint
func (p *Provider) TokenEndpoint(ctx context.Context) (string, error) {
	return p.endpoint(ctx, func(d *DiscoveryDocument) string { return d.TokenEndpoint })
}

// JWKSURI returns the discovered key set location
func (p *Provider) JWKSURI(ctx context.Context) (string, error) {
	return p.endpoint(ctx, func(d *DiscoveryDocument) string { return d.JWKSURI })
}

// SessionCheckURI returns the discovered check_session_iframe
func (p *Provider) SessionCheckURI(ctx context.Context) (string, error) {
	return p.endpoint(ctx, func(d *DiscoveryDocument) string { return d.CheckSessionIframe })
}

// UserInfoURI returns the discovered userinfo endpoint
func (p *Provider) UserInfoURI(ctx context.Context) (string, error) {
	return p.endpoint(ctx, func(d *DiscoveryDocument) string { return d.UserInfoEndpoint })
}

// Issuer returns the expected iss claim: the discovered issuer, or the
// base URI when the document does not declare one.
func (p *Provider) Issuer(ctx context.Context) (string, error) {
	return p.endpoint(ctx, func(d *DiscoveryDocument) string { return d.issuer(p.cfg) })
}

func (p *Provider) endpoint(ctx context.Context, pick func(*DiscoveryDocument) string) (string, error) {
	doc, err := p.DiscoveryDocument(ctx)
	if err != nil {
		return "", err
	}
	return pick(doc), nil
}

// APIURI returns a configured API endpoint by name
func (p *Provider) APIURI(name string) (string, error) {
	u, ok := p.cfg.apiURI(name)
	if !ok {
		return "", &NotFoundError{Kind: "api", Name: name}
	}
	return u, nil
}

// DiscoveryDocument returns the host-validated discovery document
func (p *Provider) DiscoveryDocument(ctx context.Context) (*DiscoveryDocument, error) {
	if doc, ok := p.discovery.current(p.opts.Now()); ok {
		p.opts.Metrics.RecordCacheLookup(p.cfg.alias, resourceDiscovery, "local")
		return doc.clone(), nil
	}
	doc, err := p.discovery.get(ctx, p.opts.Now, p.loadDiscovery)
	if err != nil {
		return nil, err
	}
	return doc.clone(), nil
}

// KeySet returns the provider's public signing keys
func (p *Provider) KeySet(ctx context.Context) (*jose.JSONWebKeySet, error) {
	if keys, ok := p.keys.current(p.opts.Now()); ok {
		p.opts.Metrics.RecordCacheLookup(p.cfg.alias, resourceKeys, "local")
		return keys, nil
	}
	return p.keys.get(ctx, p.opts.Now, p.loadKeys(true))
}

// RefreshKeySet refetches the key set from the network, skipping the
// shared cache. Calls within KeyRefreshInterval of the last fetch return
// the current keys.
func (p *Provider) RefreshKeySet(ctx context.Context) (*jose.JSONWebKeySet, error) {
	return p.keys.refresh(ctx, p.opts.Now, KeyRefreshInterval, p.loadKeys(false))
}

// Invalidate drops the locally cached discovery document and key set
func (p *Provider) Invalidate() {
	p.discovery.reset()
	p.keys.reset()
}

// OAuth2Config describes the provider for the authorization code exchange
func (p *Provider) OAuth2Config(ctx context.Context, redirectURI string) (*oauth2.Config, error) {
	doc, err := p.DiscoveryDocument(ctx)
	if err != nil {
		return nil, err
	}
	return &oauth2.Config{
		ClientID:     p.cfg.clientID,
		ClientSecret: p.cfg.clientSecret,
		RedirectURL:  redirectURI,
		Scopes:       []string{oidc.ScopeOpenID, "email"},
		Endpoint: oauth2.Endpoint{
			AuthURL:  doc.AuthorizationEndpoint,
			TokenURL: doc.TokenEndpoint,
		},
	}, nil
}

// HTTPContext binds the provider's timed HTTP client to ctx for the
// oauth2 and go-oidc packages.
func (p *Provider) HTTPContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.opts.HTTPClient)
	return oidc.ClientContext(ctx, p.opts.HTTPClient)
}

// UserInfo queries the discovered userinfo endpoint with an access token
func (p *Provider) UserInfo(ctx context.Context, token *oauth2.Token) (*oidc.UserInfo, error) {
	doc, err := p.DiscoveryDocument(ctx)
	if err != nil {
		return nil, err
	}
	issuer := doc.issuer(p.cfg)
	pc := &oidc.ProviderConfig{
		IssuerURL:   issuer,
		AuthURL:     doc.AuthorizationEndpoint,
		TokenURL:    doc.TokenEndpoint,
		UserInfoURL: doc.UserInfoEndpoint,
		JWKSURL:     doc.JWKSURI,
		Algorithms:  doc.SigningAlgorithms,
	}
	ctx, cancel := context.WithTimeout(p.HTTPContext(ctx), p.opts.Timeout)
	defer cancel()
	info, err := pc.NewProvider(ctx).UserInfo(ctx, oauth2.StaticTokenSource(token))
	if err != nil {
		return nil, fmt.Errorf("userinfo request to %q failed: %w", p.cfg.alias, err)
	}
	return info, nil
}

func (p *Provider) discoveryCacheKey() string { return p.cfg.alias + "-idpconfig" }
func (p *Provider) keysCacheKey() string      { return p.cfg.alias + "-jwks" }

// cacheEnvelope is the shared-cache representation of a fetched resource
type cacheEnvelope struct {
	ExpiresAt time.Time       `json:"expires_at"`
	Value     json.RawMessage `json:"value"`
}

func (p *Provider) loadDiscovery(ctx context.Context) (*DiscoveryDocument, time.Time, error) {
	ctx, span := observability.Tracer().Start(ctx, "idp.discovery",
		traceAttrs(p.cfg.alias)...)
	defer span.End()

	if doc, expiresAt, ok := p.discoveryFromSharedCache(ctx); ok {
		p.opts.Metrics.RecordCacheLookup(p.cfg.alias, resourceDiscovery, "shared")
		return doc, expiresAt, nil
	}

	target := p.cfg.DiscoveryURL()
	var doc DiscoveryDocument
	if err := p.fetchJSON(ctx, resourceDiscovery, target, &doc); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, time.Time{}, &DiscoveryFetchError{Alias: p.cfg.alias, URL: target, Err: err}
	}
	if err := validateDocument(p.cfg, &doc); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, time.Time{}, p.rejectDocument(err, target, "network")
	}
	p.opts.Metrics.RecordCacheLookup(p.cfg.alias, resourceDiscovery, "network")

	expiresAt := p.opts.Now().Add(p.cfg.cacheTTL)
	p.storeShared(ctx, p.discoveryCacheKey(), &doc, expiresAt)
	return &doc, expiresAt, nil
}

// rejectDocument logs and classifies a failed document validation
func (p *Provider) rejectDocument(err error, target, source string) error {
	var trust *TrustValidationError
	if errors.As(err, &trust) {
		p.opts.Metrics.RecordTrustFailure(p.cfg.alias, source)
		p.log.WithFields(map[string]interface{}{
			"endpoint":      trust.Endpoint,
			"url":           trust.URL,
			"expected_host": trust.ExpectedHost,
			"actual_host":   trust.ActualHost,
			"source":        source,
		}).Error("Discovery document failed host validation, possible manipulation")
		return trust
	}
	return &DiscoveryFetchError{Alias: p.cfg.alias, URL: target, Err: err}
}

func (p *Provider) discoveryFromSharedCache(ctx context.Context) (*DiscoveryDocument, time.Time, bool) {
	var doc DiscoveryDocument
	expiresAt, ok := p.loadShared(ctx, p.discoveryCacheKey(), &doc)
	if !ok {
		return nil, time.Time{}, false
	}
	if err := validateDocument(p.cfg, &doc); err != nil {
		_ = p.rejectDocument(err, p.discoveryCacheKey(), "shared_cache")
		p.deleteShared(ctx, p.discoveryCacheKey())
		return nil, time.Time{}, false
	}
	return &doc, expiresAt, true
}

// loadKeys returns the key fill function. useShared selects whether the
// shared cache is consulted before the network.
func (p *Provider) loadKeys(useShared bool) fillFunc[*jose.JSONWebKeySet] {
	return func(ctx context.Context) (*jose.JSONWebKeySet, time.Time, error) {
		ctx, span := observability.Tracer().Start(ctx, "idp.jwks", traceAttrs(p.cfg.alias)...)
		defer span.End()

		jwksURI, err := p.JWKSURI(ctx)
		if err != nil {
			return nil, time.Time{}, err
		}

		if useShared {
			var cached jose.JSONWebKeySet
			if expiresAt, ok := p.loadShared(ctx, p.keysCacheKey(), &cached); ok && len(signingKeys(&cached).Keys) > 0 {
				p.opts.Metrics.RecordCacheLookup(p.cfg.alias, resourceKeys, "shared")
				return signingKeys(&cached), expiresAt, nil
			}
		}

		var raw jose.JSONWebKeySet
		if err := p.fetchJSON(ctx, resourceKeys, jwksURI, &raw); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, time.Time{}, &KeyFetchError{Alias: p.cfg.alias, URL: jwksURI, Err: err}
		}
		keys := signingKeys(&raw)
		if len(keys.Keys) == 0 {
			err := fmt.Errorf("%w: no usable signing keys", ErrMalformedDocument)
			span.SetStatus(codes.Error, err.Error())
			return nil, time.Time{}, &KeyFetchError{Alias: p.cfg.alias, URL: jwksURI, Err: err}
		}
		p.opts.Metrics.RecordCacheLookup(p.cfg.alias, resourceKeys, "network")

		expiresAt := p.opts.Now().Add(p.cfg.cacheTTL)
		p.storeShared(ctx, p.keysCacheKey(), keys, expiresAt)
		return keys, expiresAt, nil
	}
}

// signingKeys keeps the public half of valid signature keys
func signingKeys(set *jose.JSONWebKeySet) *jose.JSONWebKeySet {
	out := &jose.JSONWebKeySet{}
	for _, k := range set.Keys {
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		if !k.Valid() {
			continue
		}
		if !k.IsPublic() {
			k = k.Public()
		}
		out.Keys = append(out.Keys, k)
	}
	return out
}

func (p *Provider) fetchJSON(ctx context.Context, resource, target string, dst interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	start := time.Now()
	err := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		resp, err := p.opts.HTTPClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentBytes)).Decode(dst); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedDocument, err)
		}
		return nil
	}()
	p.opts.Metrics.RecordIdPFetch(p.cfg.alias, resource, err, time.Since(start))
	if err != nil {
		p.log.WithError(err).WithField("url", target).Warnf("Failed to fetch %s", resource)
	}
	return err
}

func (p *Provider) loadShared(ctx context.Context, key string, dst interface{}) (time.Time, bool) {
	if p.opts.Cache == nil {
		return time.Time{}, false
	}
	data, err := p.opts.Cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			p.log.WithError(err).WithField("key", key).Warn("Shared cache read failed")
		}
		return time.Time{}, false
	}
	var env cacheEnvelope
	if err := json.Unmarshal(data, &env); err != nil || !p.opts.Now().Before(env.ExpiresAt) {
		p.deleteShared(ctx, key)
		return time.Time{}, false
	}
	if err := json.Unmarshal(env.Value, dst); err != nil {
		p.deleteShared(ctx, key)
		return time.Time{}, false
	}
	return env.ExpiresAt, true
}

func (p *Provider) storeShared(ctx context.Context, key string, value interface{}, expiresAt time.Time) {
	if p.opts.Cache == nil {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		p.log.WithError(err).WithField("key", key).Warn("Failed to encode shared cache entry")
		return
	}
	data, _ := json.Marshal(cacheEnvelope{ExpiresAt: expiresAt, Value: raw})
	if err := p.opts.Cache.Put(ctx, key, data, expiresAt.Sub(p.opts.Now())); err != nil {
		p.log.WithError(err).WithField("key", key).Warn("Shared cache write failed")
	}
}

func (p *Provider) deleteShared(ctx context.Context, key string) {
	if err := p.opts.Cache.Delete(ctx, key); err != nil {
		p.log.WithError(err).WithField("key", key).Warn("Shared cache delete failed")
	}
}

func traceAttrs(alias string) []trace.SpanStartOption {
	return []trace.SpanStartOption{trace.WithAttributes(attribute.String("idp.alias", alias))}
}
