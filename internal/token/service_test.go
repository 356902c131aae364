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

package token

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/authcore/authcore/internal/crypto"
	"github.com/authcore/authcore/internal/store"
)

// mockStore is a minimal in-memory store.Store for exercising Service
// without a database.
type mockStore struct {
	users    map[string]*store.User
	access   map[string]*store.AccessToken // keyed by Token
	accessByID map[string]*store.AccessToken
	refresh  map[string]*store.RefreshToken
}

func newMockStore() *mockStore {
	return &mockStore{
		users:      make(map[string]*store.User),
		access:     make(map[string]*store.AccessToken),
		accessByID: make(map[string]*store.AccessToken),
		refresh:    make(map[string]*store.RefreshToken),
	}
}

func (m *mockStore) Users() store.UserRepository               { return (*mockUsers)(m) }
func (m *mockStore) Clients() store.ClientRepository            { return nil }
func (m *mockStore) Codes() store.CodeRepository                { return nil }
func (m *mockStore) AccessTokens() store.AccessTokenRepository  { return (*mockAccess)(m) }
func (m *mockStore) RefreshTokens() store.RefreshTokenRepository { return (*mockRefresh)(m) }
func (m *mockStore) Permissions() store.PermissionRepository    { return nil }

func (m *mockStore) RevokeAllForUser(ctx context.Context, userID string) error {
	for k, t := range m.access {
		if t.UserID == userID {
			t.Revoked = true
			m.access[k] = t
			m.accessByID[t.ID] = t
		}
	}
	for k, t := range m.refresh {
		if t.UserID == userID {
			t.Revoked = true
			m.refresh[k] = t
		}
	}
	return nil
}

func (m *mockStore) SweepExpired(ctx context.Context, now time.Time) (store.SweepCounts, error) {
	return store.SweepCounts{}, nil
}

type mockUsers mockStore

func (m *mockUsers) Create(ctx context.Context, u *store.User) error { m.users[u.ID] = u; return nil }
func (m *mockUsers) GetByID(ctx context.Context, id string) (*store.User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return u, nil
}
func (m *mockUsers) GetByUsername(ctx context.Context, username string) (*store.User, error) {
	for _, u := range m.users {
		if u.Username == username {
			return u, nil
		}
	}
	return nil, store.ErrNotFound
}
func (m *mockUsers) Update(ctx context.Context, u *store.User) error { m.users[u.ID] = u; return nil }
func (m *mockUsers) Delete(ctx context.Context, id string) error     { delete(m.users, id); return nil }

type mockAccess mockStore

func (m *mockAccess) Create(ctx context.Context, t *store.AccessToken) error {
	m.access[t.Token] = t
	m.accessByID[t.ID] = t
	return nil
}
func (m *mockAccess) GetByToken(ctx context.Context, tok string) (*store.AccessToken, error) {
	t, ok := m.access[tok]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}
func (m *mockAccess) GetByID(ctx context.Context, id string) (*store.AccessToken, error) {
	t, ok := m.accessByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}
func (m *mockAccess) Revoke(ctx context.Context, tok string) error {
	t, ok := m.access[tok]
	if !ok {
		return store.ErrNotFound
	}
	t.Revoked = true
	return nil
}
func (m *mockAccess) RevokeByID(ctx context.Context, id string) error {
	t, ok := m.accessByID[id]
	if !ok {
		return store.ErrNotFound
	}
	t.Revoked = true
	return nil
}
func (m *mockAccess) DeleteExpired(ctx context.Context, now time.Time) (int64, error) { return 0, nil }

type mockRefresh mockStore

func (m *mockRefresh) Create(ctx context.Context, t *store.RefreshToken) error {
	m.refresh[t.Token] = t
	return nil
}
func (m *mockRefresh) GetByToken(ctx context.Context, tok string) (*store.RefreshToken, error) {
	t, ok := m.refresh[tok]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}
func (m *mockRefresh) Revoke(ctx context.Context, tok string) error {
	t, ok := m.refresh[tok]
	if !ok {
		return store.ErrNotFound
	}
	t.Revoked = true
	return nil
}
func (m *mockRefresh) DeleteExpired(ctx context.Context, now time.Time) (int64, error) { return 0, nil }
func (m *mockRefresh) RotateRefreshToken(ctx context.Context, oldToken string, newRefresh *store.RefreshToken, newAccess *store.AccessToken) error {
	if _, ok := m.refresh[oldToken]; !ok {
		return store.ErrNotFound
	}
	delete(m.refresh, oldToken)
	if newRefresh != nil {
		m.refresh[newRefresh.Token] = newRefresh
	}
	m.access[newAccess.Token] = newAccess
	m.accessByID[newAccess.ID] = newAccess
	return nil
}

func testManager(t *testing.T) *crypto.Manager {
	t.Helper()
	mgr := crypto.NewManager()
	if _, err := mgr.Rotate(crypto.AlgRS256); err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	return mgr
}

// TestPurpose: opaque-format access tokens round-trip through mint and
// validate.
// Scope: Unit Test
func TestService_MintAndValidate_Opaque(t *testing.T) {
	st := newMockStore()
	svc := New(st, testManager(t), Config{AccessTokenFormat: FormatOpaque, AccessTokenTTL: time.Hour, RefreshTokenTTL: 24 * time.Hour})

	pair, err := svc.MintAccessAndRefresh(context.Background(), "c1", "u1", "read", true)
	if err != nil {
		t.Fatalf("MintAccessAndRefresh() error = %v", err)
	}
	if pair.RefreshToken == "" {
		t.Fatalf("expected a refresh token to be issued")
	}

	claims, err := svc.ValidateAccessToken(context.Background(), pair.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccessToken() error = %v", err)
	}
	if claims.ClientID != "c1" || claims.UserID != "u1" || claims.Scope != "read" {
		t.Fatalf("ValidateAccessToken() = %+v, unexpected", claims)
	}
}

// TestPurpose: JWT-format access tokens verify by signature and their
// jti-keyed row must still exist; revoking the row invalidates the JWT
// even though the JWT's own signature is still valid.
// Scope: Unit Test
// Security: revocation must be observable even for stateless JWT tokens.
func TestService_MintAndValidate_JWT_RevocationObserved(t *testing.T) {
	st := newMockStore()
	svc := New(st, testManager(t), Config{Issuer: "https://as.example", AccessTokenFormat: FormatJWT, AccessTokenTTL: time.Hour, RefreshTokenTTL: 24 * time.Hour})

	pair, err := svc.MintAccessAndRefresh(context.Background(), "c1", "u1", "read", false)
	if err != nil {
		t.Fatalf("MintAccessAndRefresh() error = %v", err)
	}

	if _, err := svc.ValidateAccessToken(context.Background(), pair.AccessToken); err != nil {
		t.Fatalf("ValidateAccessToken() error = %v, want nil", err)
	}

	// JWT access tokens aren't persisted verbatim, so Revoke-by-string
	// can't target them; simulate an administrative revocation directly
	// on the jti-keyed row instead.
	for _, row := range st.accessByID {
		row.Revoked = true
	}

	if _, err := svc.ValidateAccessToken(context.Background(), pair.AccessToken); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("ValidateAccessToken() error = %v, want ErrInvalidGrant after revocation", err)
	}
}

// TestPurpose: refreshing rotates the refresh token by default, burning
// the old one so it can never be presented again.
// Scope: Unit Test
func TestService_Refresh_RotatesByDefault(t *testing.T) {
	st := newMockStore()
	svc := New(st, testManager(t), Config{AccessTokenFormat: FormatOpaque, AccessTokenTTL: time.Hour, RefreshTokenTTL: 24 * time.Hour, RefreshRotation: RotationAlways})

	pair, err := svc.MintAccessAndRefresh(context.Background(), "c1", "u1", "read", true)
	if err != nil {
		t.Fatalf("MintAccessAndRefresh() error = %v", err)
	}

	newPair, err := svc.Refresh(context.Background(), pair.RefreshToken, "c1")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if newPair.RefreshToken == pair.RefreshToken {
		t.Fatalf("Refresh() kept the same refresh token, want rotation")
	}

	if _, err := svc.Refresh(context.Background(), pair.RefreshToken, "c1"); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("second Refresh() with old token error = %v, want ErrInvalidGrant", err)
	}
}

// TestPurpose: with rotation disabled, the refresh token is reusable
// across multiple refreshes.
// Scope: Unit Test
func TestService_Refresh_NoRotation_KeepsToken(t *testing.T) {
	st := newMockStore()
	svc := New(st, testManager(t), Config{AccessTokenFormat: FormatOpaque, AccessTokenTTL: time.Hour, RefreshTokenTTL: 24 * time.Hour, RefreshRotation: RotationNever})

	pair, err := svc.MintAccessAndRefresh(context.Background(), "c1", "u1", "read", true)
	if err != nil {
		t.Fatalf("MintAccessAndRefresh() error = %v", err)
	}

	newPair, err := svc.Refresh(context.Background(), pair.RefreshToken, "c1")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if newPair.RefreshToken != pair.RefreshToken {
		t.Fatalf("Refresh() rotated token, want it kept with RotationNever")
	}

	if _, err := svc.Refresh(context.Background(), pair.RefreshToken, "c1"); err != nil {
		t.Fatalf("second Refresh() with same token error = %v, want nil under RotationNever", err)
	}
}

// TestPurpose: revoking an unknown token is a silent success, per
// RFC 7009 §2.2.
// Scope: Unit Test
func TestService_Revoke_UnknownToken_SilentSuccess(t *testing.T) {
	st := newMockStore()
	svc := New(st, testManager(t), Config{AccessTokenFormat: FormatOpaque, AccessTokenTTL: time.Hour})

	if err := svc.Revoke(context.Background(), "does-not-exist", ""); err != nil {
		t.Fatalf("Revoke() error = %v, want nil for unknown token", err)
	}
}

// TestPurpose: Introspect reports an unknown, malformed token as
// inactive rather than failing.
// Scope: Unit Test
func TestService_Introspect_InactiveForUnknownToken(t *testing.T) {
	st := newMockStore()
	svc := New(st, testManager(t), Config{AccessTokenFormat: FormatOpaque, AccessTokenTTL: time.Hour})

	got := svc.Introspect(context.Background(), "garbage")
	if got.Active {
		t.Fatalf("Introspect() = %+v, want Active=false", got)
	}
}
