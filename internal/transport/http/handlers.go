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

// Package http is the authorization server's HTTP transport: the chi
// route tree, the login-plane endpoints backed by internal/identity and
// internal/session, and the OAuth2/OIDC endpoints backed by
// internal/orchestrator, internal/grant and internal/token.
package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/authcore/authcore/internal/audit"
	"github.com/authcore/authcore/internal/client"
	"github.com/authcore/authcore/internal/crypto"
	"github.com/authcore/authcore/internal/grant"
	"github.com/authcore/authcore/internal/identity"
	"github.com/authcore/authcore/internal/observability/logger"
	"github.com/authcore/authcore/internal/orchestrator"
	"github.com/authcore/authcore/internal/permission"
	"github.com/authcore/authcore/internal/session"
	"github.com/authcore/authcore/internal/store"
	"github.com/authcore/authcore/internal/token"
)

// SessionConfig carries the browser login-session cookie's attributes.
type SessionConfig struct {
	CookieName     string
	CookieDomain   string
	CookiePath     string
	CookieSecure   bool
	CookieHTTPOnly bool
	CookieSameSite string
}

// Handler wires every HTTP endpoint to the domain services beneath it.
type Handler struct {
	identityService *identity.Service
	sessionService  *session.Service
	orchestrator    *orchestrator.Orchestrator
	dispatcher      *grant.Dispatcher
	tokens          *token.Service
	clients         *client.Registry
	clientStore     store.ClientRepository
	keys            *crypto.Manager
	permissions     *permission.Evaluator
	auditLogger     audit.Logger
	issuer          string
	sessionConfig   SessionConfig
}

// NewHandler builds a Handler.
func NewHandler(
	identityService *identity.Service,
	sessionService *session.Service,
	orch *orchestrator.Orchestrator,
	dispatcher *grant.Dispatcher,
	tokens *token.Service,
	clients *client.Registry,
	clientStore store.ClientRepository,
	keys *crypto.Manager,
	permissions *permission.Evaluator,
	auditLogger audit.Logger,
	issuer string,
	sessionConfig SessionConfig,
) *Handler {
	return &Handler{
		identityService: identityService,
		sessionService:  sessionService,
		orchestrator:    orch,
		dispatcher:      dispatcher,
		tokens:          tokens,
		clients:         clients,
		clientStore:     clientStore,
		keys:            keys,
		permissions:     permissions,
		auditLogger:     auditLogger,
		issuer:          issuer,
		sessionConfig:   sessionConfig,
	}
}

// NewRouter assembles the chi route tree.
func NewRouter(h *Handler, rl *RateLimiter) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(LoggingMiddleware())
	r.Use(RateLimitMiddleware(rl))

	r.Get("/health", h.HealthCheck)
	r.Get("/jwks.json", h.JWKS)
	r.Get("/.well-known/openid-configuration", h.Discovery)

	r.Route("/oauth2", func(r chi.Router) {
		r.Get("/authorize", h.Authorize)
		r.Post("/token", h.Token)
		r.Post("/revoke", h.Revoke)
		r.Post("/introspect", h.Introspect)

		r.Group(func(r chi.Router) {
			r.Use(h.AuthMiddleware)
			r.Use(h.CSRFMiddleware)
			r.Route("/clients", func(r chi.Router) {
				r.Post("/", h.RegisterClient)
				r.Get("/", h.ListClients)
				r.Get("/{clientID}", h.GetClient)
				r.Delete("/{clientID}", h.DeleteClient)
				r.Post("/{clientID}/rotate-secret", h.RegenerateClientSecret)
			})
		})
	})

	r.Route("/api/v1/auth", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.AuthMiddleware)
			r.Post("/logout", h.Logout)
			r.Get("/me", h.GetCurrentUser)
			r.Group(func(r chi.Router) {
				r.Use(h.CSRFMiddleware)
				r.Post("/change-password", h.ChangePassword)
			})
		})
	})

	return r
}

// HealthCheck reports liveness.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Register creates a new login-plane user account.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	user, err := h.identityService.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrUserAlreadyExists):
			respondError(w, http.StatusConflict, "username already taken")
		case errors.Is(err, identity.ErrWeakPassword):
			respondError(w, http.StatusBadRequest, "password does not meet security requirements")
		default:
			slog.ErrorContext(r.Context(), "registration failed", logger.Error(err))
			respondError(w, http.StatusInternalServerError, "failed to register user")
		}
		return
	}

	respondJSON(w, http.StatusCreated, map[string]string{"user_id": user.ID, "username": user.Username})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login authenticates a username/password pair and starts a browser
// login session, whose cookie /oauth2/authorize reads to identify the
// user. /oauth2/authorize does not redirect here: it answers an
// unauthenticated request with 401 login_required.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.identityService.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	sess, err := h.sessionService.Start(r.Context(), user.ID, getIPAddress(r), r.UserAgent())
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to start session", logger.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to start session")
		return
	}

	h.setSessionCookie(w, sess.ID)
	respondJSON(w, http.StatusOK, map[string]string{"user_id": user.ID})
}

// Logout destroys the caller's browser login session.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	sessionID := GetSessionID(r.Context())
	if sessionID != "" {
		if err := h.sessionService.Destroy(r.Context(), sessionID); err != nil {
			slog.ErrorContext(r.Context(), "failed to destroy session", logger.Error(err))
		}
	}
	h.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// GetCurrentUser returns the authenticated user's identity.
func (h *Handler) GetCurrentUser(w http.ResponseWriter, r *http.Request) {
	userID := GetUserID(r.Context())
	user, err := h.identityService.GetByID(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusNotFound, "user not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"user_id": user.ID, "username": user.Username})
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

// ChangePassword updates the authenticated user's password.
func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	userID := GetUserID(r.Context())

	var req changePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.identityService.ChangePassword(r.Context(), userID, req.OldPassword, req.NewPassword); err != nil {
		switch {
		case errors.Is(err, identity.ErrInvalidCredentials):
			respondError(w, http.StatusUnauthorized, "current password is incorrect")
		case errors.Is(err, identity.ErrWeakPassword):
			respondError(w, http.StatusBadRequest, "password does not meet security requirements")
		default:
			slog.ErrorContext(r.Context(), "change password failed", logger.Error(err))
			respondError(w, http.StatusInternalServerError, "failed to change password")
		}
		return
	}

	// Force re-authentication everywhere else: a changed password
	// invalidates every other standing session for this user.
	if err := h.sessionService.DestroyAllForUser(r.Context(), userID); err != nil {
		slog.ErrorContext(r.Context(), "failed to revoke sessions after password change", logger.Error(err))
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.sessionConfig.CookieName,
		Value:    sessionID,
		Domain:   h.sessionConfig.CookieDomain,
		Path:     orDefault(h.sessionConfig.CookiePath, "/"),
		Secure:   h.sessionConfig.CookieSecure,
		HttpOnly: h.sessionConfig.CookieHTTPOnly,
		SameSite: sameSite(h.sessionConfig.CookieSameSite),
	})
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.sessionConfig.CookieName,
		Value:    "",
		Domain:   h.sessionConfig.CookieDomain,
		Path:     orDefault(h.sessionConfig.CookiePath, "/"),
		MaxAge:   -1,
		Secure:   h.sessionConfig.CookieSecure,
		HttpOnly: h.sessionConfig.CookieHTTPOnly,
		SameSite: sameSite(h.sessionConfig.CookieSameSite),
	})
}

func (h *Handler) getSessionFromCookie(r *http.Request) string {
	c, err := r.Cookie(h.sessionConfig.CookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

func sameSite(v string) http.SameSite {
	switch strings.ToLower(v) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// getIPAddress extracts the caller's address, preferring a proxy-set
// X-Forwarded-For over RemoteAddr.
func getIPAddress(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
