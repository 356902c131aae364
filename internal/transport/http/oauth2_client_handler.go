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
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/authcore/authcore/internal/audit"
	"github.com/authcore/authcore/internal/crypto"
	"github.com/authcore/authcore/internal/id"
	"github.com/authcore/authcore/internal/store"
)

// oauth2ClientsResource and manageClientsPermission name the
// permission-layer grant (internal/permission) required to administer
// OAuth2 client registrations.
const (
	oauth2ClientsResource   = "oauth2_clients"
	manageClientsPermission = "manage"
)

// RegisterClientRequest is the payload for registering a new OAuth2 client.
type RegisterClientRequest struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	AllowedScopes           []string `json:"allowed_scopes"`
	GrantTypes              []string `json:"grant_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// RegisterClientResponse is returned after registering a client; the
// secret is only ever shown once, at creation (or rotation) time.
type RegisterClientResponse struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
	ClientName   string `json:"client_name"`
}

func (h *Handler) requireManageClients(w http.ResponseWriter, r *http.Request) bool {
	userID := GetUserID(r.Context())
	allowed, err := h.permissions.Check(r.Context(), userID, oauth2ClientsResource, manageClientsPermission)
	if err != nil || !allowed {
		respondError(w, http.StatusForbidden, "client management access required")
		return false
	}
	return true
}

// RegisterClient registers a new OAuth2 client application.
func (h *Handler) RegisterClient(w http.ResponseWriter, r *http.Request) {
	if !h.requireManageClients(w, r) {
		return
	}

	var req RegisterClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ClientName == "" || len(req.RedirectURIs) == 0 {
		respondError(w, http.StatusBadRequest, "client_name and redirect_uris are required")
		return
	}

	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = "client_secret_basic"
	}

	clientSecret := ""
	secretHash := ""
	isConfidential := authMethod != "none"
	if isConfidential {
		var err error
		clientSecret, err = crypto.RandomToken(32)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "failed to generate client secret")
			return
		}
		secretHash = crypto.HashToken(clientSecret)
	}

	allowedScopes := req.AllowedScopes
	if len(allowedScopes) == 0 {
		allowedScopes = []string{"openid"}
	}
	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{"authorization_code"}
	}

	now := time.Now()
	c := &store.Client{
		ID:                      id.NewUUIDv7(),
		ClientID:                id.NewUUIDv7(),
		ClientSecretHash:        secretHash,
		ClientName:              req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		AllowedScopes:           allowedScopes,
		GrantTypes:              grantTypes,
		TokenEndpointAuthMethod: authMethod,
		IsConfidential:          isConfidential,
		IsActive:                true,
		CreatedAt:               now,
		UpdatedAt:               now,
	}

	if err := h.clientStore.Create(r.Context(), c); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to register client")
		return
	}

	h.auditLogger.Log(r.Context(), audit.Event{
		Type:     audit.TypeClientCreated,
		ActorID:  GetUserID(r.Context()),
		Resource: "oauth2_client",
		Metadata: map[string]any{"client_id": c.ClientID},
	})

	respondJSON(w, http.StatusCreated, RegisterClientResponse{
		ClientID:     c.ClientID,
		ClientSecret: clientSecret,
		ClientName:   c.ClientName,
	})
}

// ListClients lists every registered OAuth2 client.
func (h *Handler) ListClients(w http.ResponseWriter, r *http.Request) {
	if !h.requireManageClients(w, r) {
		return
	}

	clients, err := h.clientStore.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list clients")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"clients": clients,
		"total":   len(clients),
	})
}

// GetClient retrieves a single OAuth2 client by its public client_id.
func (h *Handler) GetClient(w http.ResponseWriter, r *http.Request) {
	if !h.requireManageClients(w, r) {
		return
	}

	clientID := chi.URLParam(r, "clientID")
	c, err := h.clientStore.GetByClientID(r.Context(), clientID)
	if err != nil {
		respondError(w, http.StatusNotFound, "client not found")
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// DeleteClient deletes an OAuth2 client registration.
func (h *Handler) DeleteClient(w http.ResponseWriter, r *http.Request) {
	if !h.requireManageClients(w, r) {
		return
	}

	clientID := chi.URLParam(r, "clientID")
	c, err := h.clientStore.GetByClientID(r.Context(), clientID)
	if err != nil {
		respondError(w, http.StatusNotFound, "client not found")
		return
	}

	if err := h.clientStore.Delete(r.Context(), c.ID); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to delete client")
		return
	}

	h.auditLogger.Log(r.Context(), audit.Event{
		Type:     "client_deleted",
		ActorID:  GetUserID(r.Context()),
		Resource: "oauth2_client",
		Metadata: map[string]any{"client_id": clientID},
	})

	w.WriteHeader(http.StatusNoContent)
}

// RegenerateClientSecret issues a fresh secret for a confidential client.
func (h *Handler) RegenerateClientSecret(w http.ResponseWriter, r *http.Request) {
	if !h.requireManageClients(w, r) {
		return
	}

	clientID := chi.URLParam(r, "clientID")
	c, err := h.clientStore.GetByClientID(r.Context(), clientID)
	if err != nil {
		respondError(w, http.StatusNotFound, "client not found")
		return
	}
	if !c.IsConfidential {
		respondError(w, http.StatusBadRequest, "cannot regenerate secret for a public client")
		return
	}

	newSecret, err := crypto.RandomToken(32)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to generate client secret")
		return
	}
	c.ClientSecretHash = crypto.HashToken(newSecret)
	c.UpdatedAt = time.Now()

	if err := h.clientStore.Update(r.Context(), c); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to update client secret")
		return
	}

	h.auditLogger.Log(r.Context(), audit.Event{
		Type:     audit.TypeSecretRotated,
		ActorID:  GetUserID(r.Context()),
		Resource: "oauth2_client",
		Metadata: map[string]any{"client_id": clientID},
	})

	respondJSON(w, http.StatusOK, map[string]string{"client_secret": newSecret})
}
