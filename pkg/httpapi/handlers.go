package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/oidcaccount/pkg/accounts"
	"github.com/platinummonkey/oidcaccount/pkg/authn"
	"github.com/platinummonkey/oidcaccount/pkg/authz"
	"github.com/platinummonkey/oidcaccount/pkg/httputil"
	"github.com/platinummonkey/oidcaccount/pkg/idp"
	"github.com/platinummonkey/oidcaccount/pkg/observability"
)

// providerView is the public description of an identity provider
type providerView struct {
	Name  string `json:"name"`
	Alias string `json:"alias"`
	Icon  string `json:"icon"`
	Login string `json:"login"`
}

// listProviders handles GET /auth/providers
func (s *Server) listProviders(w http.ResponseWriter, r *http.Request) {
	providers := s.auth.Providers()
	views := make([]providerView, 0, len(providers))
	for _, p := range providers {
		views = append(views, providerView{
			Name:  p.Name(),
			Alias: p.Alias(),
			Icon:  p.Config().IconAsset(),
			Login: "/auth/" + p.Alias() + "/login",
		})
	}
	_ = httputil.WriteJSON(w, http.StatusOK, views)
}

// me handles GET /auth/me
func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	user := authz.UserFromContext(r.Context())
	if user == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	_ = httputil.WriteJSON(w, http.StatusOK, user)
}

func (s *Server) callbackURL(alias string) string {
	return s.baseURL + "/auth/" + alias + "/callback"
}

// login handles GET /auth/{alias}/login
func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	alias := mux.Vars(r)["alias"]
	sessionID := s.sessions.ensure(w, r)

	loginURL, err := s.auth.BeginLogin(r.Context(), alias, sessionID, s.callbackURL(alias))
	if err != nil {
		s.providerError(w, r, alias, err)
		return
	}
	http.Redirect(w, r, loginURL, http.StatusFound)
}

// callback handles the provider's form_post at POST /auth/{alias}/callback
func (s *Server) callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	alias := mux.Vars(r)["alias"]
	log := s.log.WithFields(map[string]interface{}{
		"idp":        alias,
		"request_id": observability.GetRequestID(ctx),
	})

	sessionID := s.sessions.id(r)
	if sessionID == "" {
		log.Warn("Callback without a session")
		httputil.WriteUnauthorized(w, "authentication failed")
		return
	}
	if err := r.ParseForm(); err != nil {
		httputil.WriteBadRequest(w, "invalid form")
		return
	}
	if idpErr := r.PostForm.Get("error"); idpErr != "" {
		log.WithField("error", idpErr).WithField("error_description", r.PostForm.Get("error_description")).
			Warn("Identity provider returned an error")
		httputil.WriteUnauthorized(w, "authentication failed")
		return
	}

	result, err := s.auth.CompleteLogin(ctx, authn.Callback{
		Alias:       alias,
		SessionID:   sessionID,
		IDToken:     r.PostForm.Get("id_token"),
		Code:        r.PostForm.Get("code"),
		RedirectURI: s.callbackURL(alias),
		IPAddress:   httputil.ClientIP(r, s.trustProxy),
	})
	if err != nil {
		s.providerError(w, r, alias, err)
		return
	}

	// The pre-login session id was visible before authentication; bind
	// the user to a new one.
	_ = s.sessions.destroy(ctx, sessionID)
	newID := s.sessions.issue(w)
	if err := s.sessions.bind(ctx, newID, binding{UserID: result.User.ID, Alias: alias}); err != nil {
		log.WithError(err).Error("Failed to bind session")
		httputil.WriteInternalError(w)
		return
	}
	http.Redirect(w, r, s.baseURL+"/", http.StatusSeeOther)
}

// logout handles /auth/{alias}/logout
func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	alias := mux.Vars(r)["alias"]

	if id := s.sessions.id(r); id != "" {
		if err := s.sessions.destroy(ctx, id); err != nil {
			s.log.WithError(err).Warn("Failed to destroy session")
		}
	}
	s.sessions.expire(w)

	logoutURL, err := s.auth.Logout(ctx, alias, authz.UserFromContext(ctx),
		httputil.ClientIP(r, s.trustProxy), s.baseURL+"/")
	if err != nil {
		s.providerError(w, r, alias, err)
		return
	}
	http.Redirect(w, r, logoutURL, http.StatusFound)
}

// activity handles GET /users/{user_id}/activity
func (s *Server) activity(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUserID(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	activities, err := s.accounts.ListActivities(r.Context(), userID, limit)
	if err != nil {
		s.log.WithError(err).Error("Failed to list activities")
		httputil.WriteInternalError(w)
		return
	}
	_ = httputil.WriteJSON(w, http.StatusOK, activities)
}

type enabledRequest struct {
	Enabled *bool `json:"enabled"`
}

// setEnabled handles PUT /users/{user_id}/enabled
func (s *Server) setEnabled(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUserID(w, r)
	if !ok {
		return
	}
	if userID == s.authz.MasterUserID() {
		httputil.WriteForbidden(w, "the master account can not be disabled")
		return
	}

	var req enabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		httputil.WriteBadRequest(w, "enabled is required")
		return
	}
	if err := s.accounts.SetUserEnabled(r.Context(), userID, *req.Enabled); err != nil {
		if errors.Is(err, accounts.ErrNotFound) {
			httputil.WriteNotFound(w, "user not found")
			return
		}
		s.log.WithError(err).Error("Failed to update user")
		httputil.WriteInternalError(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func pathUserID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["user_id"], 10, 64)
	if err != nil || id <= 0 {
		httputil.WriteBadRequest(w, "invalid user id")
		return 0, false
	}
	return id, true
}

// providerError maps login flow failures onto responses. Token and
// account failures are reported generically.
func (s *Server) providerError(w http.ResponseWriter, r *http.Request, alias string, err error) {
	log := s.log.WithError(err).WithFields(map[string]interface{}{
		"idp":        alias,
		"request_id": observability.GetRequestID(r.Context()),
	})

	var trust *idp.TrustValidationError
	switch {
	case idp.IsNotFound(err):
		httputil.WriteNotFound(w, "unknown identity provider")
	case errors.Is(err, authn.ErrAuthenticationFailed):
		httputil.WriteUnauthorized(w, "authentication failed")
	case errors.As(err, &trust):
		log.Error("Identity provider failed trust validation")
		httputil.WriteBadGateway(w, "identity provider unavailable")
	case isFetchError(err):
		log.Warn("Identity provider unreachable")
		httputil.WriteBadGateway(w, "identity provider unavailable")
	default:
		log.Error("Login flow failed")
		httputil.WriteInternalError(w)
	}
}

func isFetchError(err error) bool {
	var discovery *idp.DiscoveryFetchError
	var keys *idp.KeyFetchError
	return errors.As(err, &discovery) || errors.As(err, &keys)
}
