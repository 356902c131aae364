// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package http

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/authcore/authcore/internal/client"
	"github.com/authcore/authcore/internal/grant"
	"github.com/authcore/authcore/internal/oauthproto"
	"github.com/authcore/authcore/internal/observability/logger"
	"github.com/authcore/authcore/internal/orchestrator"
)

// Authorize starts the authorization flow (RFC 6749 §4.1).
//
// @Summary OAuth2 Authorize Endpoint
// @Tags OAuth2
// @Param client_id query string true "Client ID"
// @Param redirect_uri query string true "Redirect URI"
// @Param response_type query string true "Response Type (must be 'code')"
// @Param scope query string false "Scopes"
// @Param state query string true "Random State"
// @Param code_challenge query string false "PKCE Challenge"
// @Param code_challenge_method query string false "PKCE Method (S256)"
// @Success 302 {string} string "Redirects to callback"
// @Failure 401 {object} map[string]string "login_required JSON when no login session is present; no redirect to a login page is made"
// @Router /oauth2/authorize [get]
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	req := orchestrator.Request{
		ResponseType:        query.Get("response_type"),
		ClientID:            query.Get("client_id"),
		RedirectURI:         query.Get("redirect_uri"),
		Scope:               query.Get("scope"),
		State:               query.Get("state"),
		CodeChallenge:       query.Get("code_challenge"),
		CodeChallengeMethod: query.Get("code_challenge_method"),
		UserID:              GetUserID(r.Context()),
	}
	// /authorize is not behind AuthMiddleware, so resolve the browser
	// login session from its cookie here.
	if req.UserID == "" {
		if sessionID := h.getSessionFromCookie(r); sessionID != "" {
			if sess, err := h.sessionService.Validate(r.Context(), sessionID); err == nil {
				req.UserID = sess.UserID
			}
		}
	}
	// No persisted per-client consent grants: any authenticated user is
	// taken to have consented, mirroring the auto-approve login flow.
	req.ConsentGranted = req.UserID != ""

	result := h.orchestrator.Authorize(r.Context(), req)

	switch result.State {
	case orchestrator.StateLoginRequired:
		respondJSON(w, http.StatusUnauthorized, map[string]string{
			"error":             "login_required",
			"error_description": "authentication required",
			"client_id":         result.LoginClientID,
		})
	case orchestrator.StateError:
		if result.RedirectURL == "" {
			respondJSON(w, result.OAuthErr.HTTPStatus(), result.OAuthErr)
			return
		}
		http.Redirect(w, r, result.RedirectURL, http.StatusFound)
	case orchestrator.StateAccessDenied, orchestrator.StateCompleted:
		http.Redirect(w, r, result.RedirectURL, http.StatusFound)
	default:
		slog.ErrorContext(r.Context(), "unexpected authorize state", "state", result.State)
		respondError(w, http.StatusInternalServerError, "internal server error")
	}
}

// Token exchanges a grant for an access token (RFC 6749 §4-6).
//
// @Summary OAuth2 Token Endpoint
// @Tags OAuth2
// @Accept x-www-form-urlencoded
// @Produce json
// @Param grant_type formData string true "authorization_code, refresh_token, client_credentials, or password"
// @Success 200 {object} grant.Response
// @Failure 400 {object} oauthproto.Error
// @Router /oauth2/token [post]
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.respondOAuthError(w, oauthproto.New(oauthproto.ErrInvalidRequest, "invalid request"))
		return
	}

	clientID := r.Form.Get("client_id")
	clientSecret := r.Form.Get("client_secret")
	if clientID == "" {
		if username, password, ok := r.BasicAuth(); ok {
			clientID = username
			clientSecret = password
		}
	}

	req := grant.Request{
		GrantType: r.Form.Get("grant_type"),
		Credentials: client.Credentials{
			ClientID:            clientID,
			ClientSecret:        clientSecret,
			ClientAssertionType: r.Form.Get("client_assertion_type"),
			ClientAssertion:     r.Form.Get("client_assertion"),
		},
		Code:         r.Form.Get("code"),
		RedirectURI:  r.Form.Get("redirect_uri"),
		CodeVerifier: r.Form.Get("code_verifier"),
		RefreshToken: r.Form.Get("refresh_token"),
		Scope:        r.Form.Get("scope"),
		Username:     r.Form.Get("username"),
		Password:     r.Form.Get("password"),
	}

	resp, err := h.dispatcher.Dispatch(r.Context(), req)
	if err != nil {
		slog.ErrorContext(r.Context(), "token request failed", logger.Error(err), logger.GrantType(req.GrantType))
		h.respondOAuthError(w, grantError(err))
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	respondJSON(w, http.StatusOK, resp)
}

// Revoke revokes an access or refresh token (RFC 7009).
//
// @Summary Revoke Token
// @Tags OAuth2
// @Accept x-www-form-urlencoded
// @Param token formData string true "Token to revoke"
// @Success 200 {string} string "OK"
// @Router /oauth2/revoke [post]
func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.respondOAuthError(w, oauthproto.New(oauthproto.ErrInvalidRequest, "invalid request"))
		return
	}

	clientID := r.Form.Get("client_id")
	clientSecret := r.Form.Get("client_secret")
	if clientID == "" {
		if username, password, ok := r.BasicAuth(); ok {
			clientID = username
			clientSecret = password
		}
	}

	tok := r.Form.Get("token")
	if tok == "" {
		h.respondOAuthError(w, oauthproto.New(oauthproto.ErrInvalidRequest, "missing token"))
		return
	}

	if _, err := h.clients.AuthenticateClient(r.Context(), client.Credentials{ClientID: clientID, ClientSecret: clientSecret}); err != nil {
		h.respondOAuthError(w, oauthproto.New(oauthproto.ErrInvalidClient, "client authentication failed"))
		return
	}

	// RFC 7009 §2.2: the server responds 200 regardless of whether the
	// token was valid, already revoked, or of a type it doesn't manage.
	hint := r.Form.Get("token_type_hint")
	if err := h.tokens.Revoke(r.Context(), tok, hint); err != nil {
		slog.ErrorContext(r.Context(), "revoke failed", logger.Error(err))
	}
	w.WriteHeader(http.StatusOK)
}

// Introspect reports a token's current state (RFC 7662).
//
// @Summary Introspect Token
// @Tags OAuth2
// @Accept x-www-form-urlencoded
// @Param token formData string true "Token to introspect"
// @Success 200 {object} token.Introspection
// @Router /oauth2/introspect [post]
func (h *Handler) Introspect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.respondOAuthError(w, oauthproto.New(oauthproto.ErrInvalidRequest, "invalid request"))
		return
	}

	clientID := r.Form.Get("client_id")
	clientSecret := r.Form.Get("client_secret")
	if clientID == "" {
		if username, password, ok := r.BasicAuth(); ok {
			clientID = username
			clientSecret = password
		}
	}
	if _, err := h.clients.AuthenticateClient(r.Context(), client.Credentials{ClientID: clientID, ClientSecret: clientSecret}); err != nil {
		h.respondOAuthError(w, oauthproto.New(oauthproto.ErrInvalidClient, "client authentication failed"))
		return
	}

	tok := r.Form.Get("token")
	result := h.tokens.Introspect(r.Context(), tok)

	w.Header().Set("Cache-Control", "no-store")
	respondJSON(w, http.StatusOK, result)
}

// JWKS returns the JSON Web Key Set used to verify JWT access tokens
// (RFC 7517).
//
// @Summary JWKS
// @Tags OIDC
// @Produce json
// @Router /jwks.json [get]
func (h *Handler) JWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	respondJSON(w, http.StatusOK, h.keys.JWKS())
}

// discoveryMetadata is the OIDC Discovery (§3) document this server
// publishes at /.well-known/openid-configuration.
type discoveryMetadata struct {
	Issuer                 string   `json:"issuer"`
	AuthorizationEndpoint  string   `json:"authorization_endpoint"`
	TokenEndpoint          string   `json:"token_endpoint"`
	RevocationEndpoint     string   `json:"revocation_endpoint"`
	IntrospectionEndpoint  string   `json:"introspection_endpoint"`
	JWKSURI                string   `json:"jwks_uri"`
	ResponseTypesSupported []string `json:"response_types_supported"`
	GrantTypesSupported    []string `json:"grant_types_supported"`
	ScopesSupported        []string `json:"scopes_supported"`
}

// Discovery returns the OpenID Connect metadata document (OIDC Discovery §3).
//
// @Summary OIDC Discovery
// @Tags OIDC
// @Produce json
// @Router /.well-known/openid-configuration [get]
func (h *Handler) Discovery(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	respondJSON(w, http.StatusOK, discoveryMetadata{
		Issuer:                 h.issuer,
		AuthorizationEndpoint:  h.issuer + "/oauth2/authorize",
		TokenEndpoint:          h.issuer + "/oauth2/token",
		RevocationEndpoint:     h.issuer + "/oauth2/revoke",
		IntrospectionEndpoint:  h.issuer + "/oauth2/introspect",
		JWKSURI:                h.issuer + "/jwks.json",
		ResponseTypesSupported: []string{"code"},
		GrantTypesSupported:    []string{"authorization_code", "refresh_token", "client_credentials", "password"},
		ScopesSupported:        []string{"openid"},
	})
}

// grantError translates a grant package sentinel into a wire-level
// oauthproto.Error; anything unrecognized is treated as opaque server
// error so internal failure detail never reaches the client.
func grantError(err error) *oauthproto.Error {
	switch {
	case errors.Is(err, grant.ErrUnsupportedGrantType):
		return oauthproto.New(oauthproto.ErrUnsupportedGrantType, "unsupported grant_type")
	case errors.Is(err, grant.ErrUnauthorizedClient):
		return oauthproto.New(oauthproto.ErrUnauthorizedClient, "client authentication failed")
	case errors.Is(err, grant.ErrInvalidGrant):
		return oauthproto.New(oauthproto.ErrInvalidGrant, "invalid grant")
	default:
		return oauthproto.New(oauthproto.ErrServerError, "internal server error")
	}
}

// respondOAuthError serializes a protocol-level error into the HTTP
// response. 401 responses carry the WWW-Authenticate challenge RFC 6750
// §3 / RFC 6749 §5.2 require: Basic for invalid_client, Bearer for
// invalid_token and insufficient_scope.
func (h *Handler) respondOAuthError(w http.ResponseWriter, oe *oauthproto.Error) {
	status := oe.HTTPStatus()
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", oe.WWWAuthenticate(h.issuer))
	}
	respondJSON(w, status, oe)
}
