// Package authn runs the federated login flow: it starts the
// authorization request, validates the identity token posted back by the
// provider, provisions the account and records sign-in activity.
package authn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/platinummonkey/oidcaccount/pkg/accounts"
	"github.com/platinummonkey/oidcaccount/pkg/authz"
	"github.com/platinummonkey/oidcaccount/pkg/idp"
	"github.com/platinummonkey/oidcaccount/pkg/nonce"
	"github.com/platinummonkey/oidcaccount/pkg/observability"
	"github.com/platinummonkey/oidcaccount/pkg/token"
)

var (
	// ErrAuthenticationFailed wraps every rejected login. Callers show
	// users this error only.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrAccountDisabled is returned for a valid login to a disabled account
	ErrAccountDisabled = errors.New("account is disabled")
)

// UserStore provisions accounts and records their activity
type UserStore interface {
	FindOrCreateUser(ctx context.Context, id accounts.Identity) (*authz.User, bool, error)
	UpdateProfile(ctx context.Context, userID int64, id accounts.Identity) error
	RecordActivity(ctx context.Context, a *accounts.Activity) error
}

// Config wires an Authenticator
type Config struct {
	Registry  *idp.Registry
	Nonces    *nonce.Manager
	Validator *token.Validator
	Users     UserStore
	Logger    *observability.Logger
	Metrics   *observability.Metrics
}

// Authenticator orchestrates login and logout against registered providers
type Authenticator struct {
	registry  *idp.Registry
	nonces    *nonce.Manager
	validator *token.Validator
	users     UserStore
	log       *observability.Logger
	metrics   *observability.Metrics
}

// New creates an Authenticator. A nil Validator selects token defaults.
func New(cfg Config) *Authenticator {
	if cfg.Validator == nil {
		cfg.Validator = token.NewValidator()
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}
	return &Authenticator{
		registry:  cfg.Registry,
		nonces:    cfg.Nonces,
		validator: cfg.Validator,
		users:     cfg.Users,
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
	}
}

// Providers lists the configured identity providers
func (a *Authenticator) Providers() []*idp.Provider {
	return a.registry.Providers()
}

// BeginLogin returns the provider authorization URL for a session. A new
// nonce replaces any outstanding one for the session.
func (a *Authenticator) BeginLogin(ctx context.Context, alias, sessionID, redirectURI string) (string, error) {
	provider, err := a.registry.Lookup(alias)
	if err != nil {
		return "", err
	}
	return provider.LoginURI(ctx, a.nonces.ForSession(sessionID), redirectURI)
}

// Callback is the form_post response from a provider
type Callback struct {
	Alias       string
	SessionID   string
	IDToken     string
	Code        string
	RedirectURI string
	IPAddress   string
}

// Result is a completed login
type Result struct {
	User     *authz.User
	Claims   *token.Claims
	Created  bool
	Provider *idp.Provider
}

// CompleteLogin validates the callback and provisions the account. The
// session nonce is consumed before validation starts so it can not be
// replayed whatever the outcome. Validation failures are returned
// wrapped in ErrAuthenticationFailed; provider retrieval errors are
// returned as they are.
func (a *Authenticator) CompleteLogin(ctx context.Context, cb Callback) (*Result, error) {
	ctx, span := observability.Tracer().Start(ctx, "authn.complete_login",
		trace.WithAttributes(attribute.String("idp.alias", cb.Alias)))
	defer span.End()

	result, err := a.completeLogin(ctx, cb)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "login rejected")
		return nil, err
	}
	span.SetAttributes(attribute.Int64("user.id", result.User.ID))
	return result, nil
}

func (a *Authenticator) completeLogin(ctx context.Context, cb Callback) (*Result, error) {
	provider, err := a.registry.Lookup(cb.Alias)
	if err != nil {
		return nil, err
	}
	log := a.log.WithFields(map[string]interface{}{
		"idp":        cb.Alias,
		"request_id": observability.GetRequestID(ctx),
	})

	expected, err := a.nonces.ForSession(cb.SessionID).Consume(ctx)
	if err != nil && !errors.Is(err, nonce.ErrNoNonce) {
		return nil, fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}

	claims, err := a.validate(ctx, provider, cb.IDToken, expected)
	if err != nil {
		kind, ok := token.KindOf(err)
		if !ok {
			// Discovery or key retrieval failed; the token was never judged.
			a.metrics.RecordTokenValidation(cb.Alias, "error")
			log.WithError(err).Warn("Identity provider unavailable during login")
			return nil, err
		}
		a.metrics.RecordTokenValidation(cb.Alias, string(kind))
		log.WithError(err).WithField("reason", string(kind)).Warn("Rejected identity token")
		return nil, fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}
	a.metrics.RecordTokenValidation(cb.Alias, "ok")

	id := accounts.Identity{
		Issuer:  claims.Issuer,
		Subject: claims.Subject,
		Email:   claims.EmailAddress(),
		Name:    claims.Name,
		Locale:  claims.Locale,
	}
	if cb.Code != "" && provider.Config().ClientSecret() != "" && (id.Email == "" || id.Name == "") {
		a.enrich(ctx, provider, cb, &id, log)
	}

	user, created, err := a.users.FindOrCreateUser(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to provision user: %w", err)
	}
	if !created && profileChanged(user, id) {
		if err := a.users.UpdateProfile(ctx, user.ID, id); err != nil {
			log.WithError(err).Warn("Failed to update user profile")
		} else {
			user.Email, user.Name = id.Email, id.Name
			if id.Locale != "" {
				user.Locale = id.Locale
			}
		}
	}
	log = log.WithField("user_id", user.ID)

	if !user.Enabled {
		log.Warn("Login to disabled account refused")
		return nil, fmt.Errorf("%w: %w", ErrAuthenticationFailed, ErrAccountDisabled)
	}

	if err := a.users.RecordActivity(ctx, &accounts.Activity{
		UserID:      user.ID,
		IPAddress:   cb.IPAddress,
		Type:        accounts.ActivitySignIn,
		Description: "signed in with " + provider.Name(),
	}); err != nil {
		log.WithError(err).Warn("Failed to record sign in")
	}

	log.WithField("created", created).Info("User signed in")
	return &Result{User: user, Claims: claims, Created: created, Provider: provider}, nil
}

// validate checks the token against the cached key set. A token naming
// an unknown key triggers one key set refresh and a retry.
func (a *Authenticator) validate(ctx context.Context, provider *idp.Provider, raw, expectedNonce string) (*token.Claims, error) {
	issuer, err := provider.Issuer(ctx)
	if err != nil {
		return nil, err
	}
	keys, err := provider.KeySet(ctx)
	if err != nil {
		return nil, err
	}
	want := token.Expectations{
		Issuer:   issuer,
		Audience: provider.Config().ClientID(),
		Nonce:    expectedNonce,
	}

	claims, err := a.validator.Validate(raw, want, keys)
	if kind, ok := token.KindOf(err); ok && kind == token.KindUnknownKey {
		keys, refreshErr := provider.RefreshKeySet(ctx)
		if refreshErr != nil {
			return nil, refreshErr
		}
		return a.validator.Validate(raw, want, keys)
	}
	return claims, err
}

// enrich exchanges the authorization code and fills missing profile
// fields from the userinfo endpoint. Failures are logged only.
func (a *Authenticator) enrich(ctx context.Context, provider *idp.Provider, cb Callback, id *accounts.Identity, log *observability.Logger) {
	cfg, err := provider.OAuth2Config(ctx, cb.RedirectURI)
	if err != nil {
		log.WithError(err).Warn("Skipping userinfo lookup")
		return
	}
	exchangeCtx, cancel := context.WithTimeout(provider.HTTPContext(ctx), idp.DefaultFetchTimeout)
	defer cancel()
	tok, err := cfg.Exchange(exchangeCtx, cb.Code, oauth2.SetAuthURLParam("redirect_uri", cb.RedirectURI))
	if err != nil {
		log.WithError(err).Warn("Authorization code exchange failed")
		return
	}

	info, err := provider.UserInfo(ctx, tok)
	if err != nil {
		log.WithError(err).Warn("Userinfo request failed")
		return
	}
	if info.Subject != id.Subject {
		log.WithField("userinfo_sub", info.Subject).Warn("Userinfo subject does not match identity token")
		return
	}

	var extra struct {
		Name string `json:"name"`
		UPN  string `json:"upn"`
	}
	_ = info.Claims(&extra)
	if id.Email == "" {
		id.Email = info.Email
		if id.Email == "" {
			id.Email = extra.UPN
		}
	}
	if id.Name == "" {
		id.Name = extra.Name
	}
}

func profileChanged(u *authz.User, id accounts.Identity) bool {
	if id.Email == "" && id.Name == "" {
		return false
	}
	return u.Email != id.Email || u.Name != id.Name || (id.Locale != "" && u.Locale != id.Locale)
}

// Logout records the sign-out and returns the provider end-session URL
func (a *Authenticator) Logout(ctx context.Context, alias string, user *authz.User, ipAddress, redirectURI string) (string, error) {
	provider, err := a.registry.Lookup(alias)
	if err != nil {
		return "", err
	}
	if user != nil {
		if err := a.users.RecordActivity(ctx, &accounts.Activity{
			UserID:     user.ID,
			IPAddress:  ipAddress,
			Type:       accounts.ActivitySignOut,
			OccurredAt: time.Now().UTC(),
		}); err != nil {
			a.log.WithError(err).WithField("user_id", user.ID).Warn("Failed to record sign out")
		}
	}
	return provider.LogoutURI(ctx, redirectURI)
}
