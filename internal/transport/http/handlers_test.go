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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/authcore/authcore/internal/audit"
	"github.com/authcore/authcore/internal/authzcode"
	"github.com/authcore/authcore/internal/client"
	"github.com/authcore/authcore/internal/crypto"
	"github.com/authcore/authcore/internal/grant"
	"github.com/authcore/authcore/internal/identity"
	"github.com/authcore/authcore/internal/orchestrator"
	"github.com/authcore/authcore/internal/permission"
	"github.com/authcore/authcore/internal/session"
	"github.com/authcore/authcore/internal/store"
	"github.com/authcore/authcore/internal/token"
)

type fakeClientRepo struct{ clients map[string]*store.Client }

func (f *fakeClientRepo) Create(ctx context.Context, c *store.Client) error {
	f.clients[c.ClientID] = c
	return nil
}
func (f *fakeClientRepo) GetByID(ctx context.Context, id string) (*store.Client, error) {
	for _, c := range f.clients {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, store.ErrNotFound
}
func (f *fakeClientRepo) GetByClientID(ctx context.Context, clientID string) (*store.Client, error) {
	c, ok := f.clients[clientID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c, nil
}
func (f *fakeClientRepo) Update(ctx context.Context, c *store.Client) error {
	f.clients[c.ClientID] = c
	return nil
}
func (f *fakeClientRepo) Delete(ctx context.Context, id string) error {
	for k, c := range f.clients {
		if c.ID == id {
			delete(f.clients, k)
			return nil
		}
	}
	return nil
}
func (f *fakeClientRepo) List(ctx context.Context) ([]*store.Client, error) {
	out := make([]*store.Client, 0, len(f.clients))
	for _, c := range f.clients {
		out = append(out, c)
	}
	return out, nil
}

type fakeCodeRepo struct{ codes map[string]*store.AuthorizationCode }

func newFakeCodeRepo() *fakeCodeRepo {
	return &fakeCodeRepo{codes: map[string]*store.AuthorizationCode{}}
}
func (f *fakeCodeRepo) CreateIfAbsent(ctx context.Context, c *store.AuthorizationCode) error {
	f.codes[c.Code] = c
	return nil
}
func (f *fakeCodeRepo) ConsumeCode(ctx context.Context, code string) (*store.AuthorizationCode, error) {
	c, ok := f.codes[code]
	if !ok {
		return nil, store.ErrNotFound
	}
	delete(f.codes, code)
	return c, nil
}
func (f *fakeCodeRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) { return 0, nil }

type fakeUserRepo struct{ users map[string]*store.User }

func newFakeUserRepo() *fakeUserRepo { return &fakeUserRepo{users: map[string]*store.User{}} }
func (f *fakeUserRepo) Create(ctx context.Context, u *store.User) error {
	for _, existing := range f.users {
		if existing.Username == u.Username {
			return store.ErrConflict
		}
	}
	f.users[u.ID] = u
	return nil
}
func (f *fakeUserRepo) GetByID(ctx context.Context, id string) (*store.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return u, nil
}
func (f *fakeUserRepo) GetByUsername(ctx context.Context, username string) (*store.User, error) {
	for _, u := range f.users {
		if u.Username == username {
			return u, nil
		}
	}
	return nil, store.ErrNotFound
}
func (f *fakeUserRepo) Update(ctx context.Context, u *store.User) error { f.users[u.ID] = u; return nil }
func (f *fakeUserRepo) Delete(ctx context.Context, id string) error     { delete(f.users, id); return nil }

type fakeStore struct {
	users   *fakeUserRepo
	access  map[string]*store.AccessToken
	byID    map[string]*store.AccessToken
	refresh map[string]*store.RefreshToken
}

func newFakeStore(users *fakeUserRepo) *fakeStore {
	return &fakeStore{users: users, access: map[string]*store.AccessToken{}, byID: map[string]*store.AccessToken{}, refresh: map[string]*store.RefreshToken{}}
}
func (s *fakeStore) Users() store.UserRepository                { return s.users }
func (s *fakeStore) Clients() store.ClientRepository            { return nil }
func (s *fakeStore) Codes() store.CodeRepository                { return nil }
func (s *fakeStore) AccessTokens() store.AccessTokenRepository  { return (*fakeAccessRepo)(s) }
func (s *fakeStore) RefreshTokens() store.RefreshTokenRepository { return (*fakeRefreshRepo)(s) }
func (s *fakeStore) Permissions() store.PermissionRepository    { return nil }
func (s *fakeStore) RevokeAllForUser(ctx context.Context, userID string) error { return nil }
func (s *fakeStore) SweepExpired(ctx context.Context, now time.Time) (store.SweepCounts, error) {
	return store.SweepCounts{}, nil
}

type fakeAccessRepo fakeStore

func (a *fakeAccessRepo) Create(ctx context.Context, t *store.AccessToken) error {
	a.access[t.Token] = t
	a.byID[t.ID] = t
	return nil
}
func (a *fakeAccessRepo) GetByToken(ctx context.Context, tok string) (*store.AccessToken, error) {
	t, ok := a.access[tok]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}
func (a *fakeAccessRepo) GetByID(ctx context.Context, id string) (*store.AccessToken, error) {
	t, ok := a.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}
func (a *fakeAccessRepo) Revoke(ctx context.Context, tok string) error    { delete(a.access, tok); return nil }
func (a *fakeAccessRepo) RevokeByID(ctx context.Context, id string) error { return nil }
func (a *fakeAccessRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

type fakeRefreshRepo fakeStore

func (r *fakeRefreshRepo) Create(ctx context.Context, t *store.RefreshToken) error {
	r.refresh[t.Token] = t
	return nil
}
func (r *fakeRefreshRepo) GetByToken(ctx context.Context, tok string) (*store.RefreshToken, error) {
	t, ok := r.refresh[tok]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}
func (r *fakeRefreshRepo) Revoke(ctx context.Context, tok string) error {
	delete(r.refresh, tok)
	return nil
}
func (r *fakeRefreshRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}
func (r *fakeRefreshRepo) RotateRefreshToken(ctx context.Context, oldToken string, newRefresh *store.RefreshToken, newAccess *store.AccessToken) error {
	delete(r.refresh, oldToken)
	if newRefresh != nil {
		r.refresh[newRefresh.Token] = newRefresh
	}
	r.access[newAccess.Token] = newAccess
	r.byID[newAccess.ID] = newAccess
	return nil
}

type fakePermissionRepo struct{ grants map[string]bool }

func newFakePermissionRepo() *fakePermissionRepo { return &fakePermissionRepo{grants: map[string]bool{}} }
func (p *fakePermissionRepo) GetResourceByName(ctx context.Context, name string) (*store.Resource, error) {
	return &store.Resource{ID: name, Name: name}, nil
}
func (p *fakePermissionRepo) GetPermissionByName(ctx context.Context, name string) (*store.Permission, error) {
	return &store.Permission{ID: name, Name: name}, nil
}
func (p *fakePermissionRepo) GetResourceByID(ctx context.Context, id string) (*store.Resource, error) {
	return &store.Resource{ID: id, Name: id}, nil
}
func (p *fakePermissionRepo) GetPermissionByID(ctx context.Context, id string) (*store.Permission, error) {
	return &store.Permission{ID: id, Name: id}, nil
}
func (p *fakePermissionRepo) Check(ctx context.Context, userID, resourceID, permissionID string) (bool, error) {
	return p.grants[userID+"|"+resourceID+"|"+permissionID], nil
}
func (p *fakePermissionRepo) ListForUser(ctx context.Context, userID string) ([]*store.UserResourcePermission, error) {
	return nil, nil
}
func (p *fakePermissionRepo) Grant(ctx context.Context, userID, resourceID, permissionID string) error {
	p.grants[userID+"|"+resourceID+"|"+permissionID] = true
	return nil
}
func (p *fakePermissionRepo) Revoke(ctx context.Context, userID, resourceID, permissionID string) error {
	delete(p.grants, userID+"|"+resourceID+"|"+permissionID)
	return nil
}
func (p *fakePermissionRepo) Generation(ctx context.Context) (uint64, error) { return 1, nil }

type fakeSessionRepo struct{ sessions map[string]*session.Session }

func newFakeSessionRepo() *fakeSessionRepo { return &fakeSessionRepo{sessions: map[string]*session.Session{}} }
func (r *fakeSessionRepo) Create(ctx context.Context, s *session.Session) error {
	r.sessions[s.ID] = s
	return nil
}
func (r *fakeSessionRepo) Get(ctx context.Context, id string) (*session.Session, error) {
	s, ok := r.sessions[id]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return s, nil
}
func (r *fakeSessionRepo) Touch(ctx context.Context, id string, lastSeenAt time.Time) error {
	if s, ok := r.sessions[id]; ok {
		s.LastSeenAt = lastSeenAt
	}
	return nil
}
func (r *fakeSessionRepo) Delete(ctx context.Context, id string) error {
	delete(r.sessions, id)
	return nil
}
func (r *fakeSessionRepo) DeleteByUserID(ctx context.Context, userID string) error {
	for id, s := range r.sessions {
		if s.UserID == userID {
			delete(r.sessions, id)
		}
	}
	return nil
}
func (r *fakeSessionRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) { return 0, nil }

// testHandler wires a complete Handler against in-memory fakes, mirroring
// how cmd/server/main.go wires the real Postgres-backed implementations.
func testHandler(t *testing.T) (*Handler, *fakeUserRepo, *fakeClientRepo, *fakePermissionRepo) {
	t.Helper()

	clientRepo := &fakeClientRepo{clients: map[string]*store.Client{}}
	userRepo := newFakeUserRepo()
	codeRepo := newFakeCodeRepo()
	permRepo := newFakePermissionRepo()
	sessionRepo := newFakeSessionRepo()

	keys := crypto.NewManager()
	if _, err := keys.Rotate(crypto.AlgRS256); err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}

	reg := client.NewRegistry(clientRepo, crypto.NewJWKSClient(nil, 0), "https://as.example/oauth2/token", nil)
	codes := authzcode.New(codeRepo, 0)
	tokens := token.New(newFakeStore(userRepo), keys, token.Config{
		AccessTokenFormat: token.FormatOpaque,
		AccessTokenTTL:    time.Hour,
		RefreshTokenTTL:   24 * time.Hour,
	})
	hasher := crypto.DefaultPasswordHasher()
	identitySvc := identity.NewService(userRepo, hasher, audit.NewSlogLogger())
	sessionSvc := session.New(sessionRepo, time.Hour)
	orch := orchestrator.New(reg, codes)
	dispatcher := grant.New(reg, codes, tokens, userRepo, hasher, grant.Config{})
	evaluator := permission.New(permRepo, 0, 0)

	h := NewHandler(identitySvc, sessionSvc, orch, dispatcher, tokens, reg, clientRepo, keys, evaluator, audit.NewSlogLogger(), "https://as.example", SessionConfig{CookieName: "session"})
	return h, userRepo, clientRepo, permRepo
}

func postJSON(h http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

// TestPurpose: registering then logging in returns a session cookie, and
// the current-user endpoint reflects the authenticated identity.
// Scope: Integration Test
func TestHandler_RegisterLoginMe(t *testing.T) {
	h, _, _, _ := testHandler(t)

	w := postJSON(h.Register, "/api/v1/auth/register", registerRequest{Username: "alice", Password: "hunter22"})
	if w.Code != http.StatusCreated {
		t.Fatalf("Register() status = %d, body = %s", w.Code, w.Body.String())
	}

	w = postJSON(h.Login, "/api/v1/auth/login", loginRequest{Username: "alice", Password: "hunter22"})
	if w.Code != http.StatusOK {
		t.Fatalf("Login() status = %d, body = %s", w.Code, w.Body.String())
	}
	cookies := w.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("expected one session cookie, got %d", len(cookies))
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
	req.AddCookie(cookies[0])
	mw := h.AuthMiddleware(http.HandlerFunc(h.GetCurrentUser))
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GetCurrentUser() status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var got map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if got["username"] != "alice" {
		t.Fatalf("username = %q, want alice", got["username"])
	}
}

// TestPurpose: logging in with the wrong password is rejected uniformly,
// without distinguishing "no such user" from "wrong password".
// Scope: Integration Test
func TestHandler_Login_WrongPassword(t *testing.T) {
	h, _, _, _ := testHandler(t)
	postJSON(h.Register, "/api/v1/auth/register", registerRequest{Username: "bob", Password: "correcthorse"})

	w := postJSON(h.Login, "/api/v1/auth/login", loginRequest{Username: "bob", Password: "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Login() status = %d, want 401", w.Code)
	}

	w2 := postJSON(h.Login, "/api/v1/auth/login", loginRequest{Username: "nobody", Password: "wrong"})
	if w2.Code != http.StatusUnauthorized || w2.Body.String() != w.Body.String() {
		t.Fatalf("Login() for unknown user = %d %s, want 401 with the wrong-password body %s", w2.Code, w2.Body.String(), w.Body.String())
	}
}

// TestPurpose: requests with no session cookie are rejected by AuthMiddleware.
// Scope: Unit Test
func TestHandler_AuthMiddleware_NoCookie(t *testing.T) {
	h, _, _, _ := testHandler(t)
	mw := h.AuthMiddleware(http.HandlerFunc(h.GetCurrentUser))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

// TestPurpose: /jwks.json publishes the active signing key's public half.
// Scope: Unit Test
func TestHandler_JWKS(t *testing.T) {
	h, _, _, _ := testHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/jwks.json", nil)
	rec := httptest.NewRecorder()
	h.JWKS(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("JWKS() status = %d", rec.Code)
	}
	var body crypto.JWKS
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal JWKS: %v", err)
	}
	if len(body.Keys) != 1 {
		t.Fatalf("len(Keys) = %d, want 1", len(body.Keys))
	}
}

// TestPurpose: the discovery document advertises every grant type and the
// endpoints this server actually exposes.
// Scope: Unit Test
func TestHandler_Discovery(t *testing.T) {
	h, _, _, _ := testHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil)
	rec := httptest.NewRecorder()
	h.Discovery(rec, req)

	var meta discoveryMetadata
	if err := json.Unmarshal(rec.Body.Bytes(), &meta); err != nil {
		t.Fatalf("unmarshal discovery: %v", err)
	}
	if meta.TokenEndpoint != "https://as.example/oauth2/token" {
		t.Fatalf("TokenEndpoint = %q", meta.TokenEndpoint)
	}
	if meta.AuthorizationEndpoint != "https://as.example/oauth2/authorize" ||
		meta.RevocationEndpoint != "https://as.example/oauth2/revoke" ||
		meta.IntrospectionEndpoint != "https://as.example/oauth2/introspect" ||
		meta.JWKSURI != "https://as.example/jwks.json" {
		t.Fatalf("endpoints = %+v", meta)
	}
	wantGrants := []string{"authorization_code", "refresh_token", "client_credentials", "password"}
	if len(meta.GrantTypesSupported) != len(wantGrants) {
		t.Fatalf("GrantTypesSupported = %v, want %v", meta.GrantTypesSupported, wantGrants)
	}
	for i, g := range wantGrants {
		if meta.GrantTypesSupported[i] != g {
			t.Fatalf("GrantTypesSupported = %v, want %v", meta.GrantTypesSupported, wantGrants)
		}
	}
}

// TestPurpose: registering an OAuth2 client is denied without the
// manage-clients permission, and succeeds once it is granted.
// Scope: Integration Test
func TestHandler_RegisterClient_RequiresPermission(t *testing.T) {
	h, _, clientRepo, permRepo := testHandler(t)
	_ = clientRepo

	body := RegisterClientRequest{ClientName: "test app", RedirectURIs: []string{"https://app/cb"}}

	req := httptest.NewRequest(http.MethodPost, "/oauth2/clients/", jsonBody(body))
	req = req.WithContext(withUserID(req.Context(), "admin1"))
	rec := httptest.NewRecorder()
	h.RegisterClient(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 without permission", rec.Code)
	}

	if err := permRepo.Grant(req.Context(), "admin1", oauth2ClientsResource, manageClientsPermission); err != nil {
		t.Fatalf("grant permission: %v", err)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/oauth2/clients/", jsonBody(body))
	req2 = req2.WithContext(withUserID(req2.Context(), "admin1"))
	rec2 := httptest.NewRecorder()
	h.RegisterClient(rec2, req2)
	if rec2.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s, want 201", rec2.Code, rec2.Body.String())
	}
}

func jsonBody(v any) *bytes.Reader {
	b, _ := json.Marshal(v)
	return bytes.NewReader(b)
}

func withUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}
