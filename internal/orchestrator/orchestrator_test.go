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

package orchestrator

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/authcore/authcore/internal/authzcode"
	"github.com/authcore/authcore/internal/client"
	"github.com/authcore/authcore/internal/crypto"
	"github.com/authcore/authcore/internal/store"
)

type stubClientRepo struct{ clients map[string]*store.Client }

func (s *stubClientRepo) Create(ctx context.Context, c *store.Client) error { return nil }
func (s *stubClientRepo) GetByID(ctx context.Context, id string) (*store.Client, error) {
	return nil, store.ErrNotFound
}
func (s *stubClientRepo) GetByClientID(ctx context.Context, clientID string) (*store.Client, error) {
	c, ok := s.clients[clientID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c, nil
}
func (s *stubClientRepo) Update(ctx context.Context, c *store.Client) error  { return nil }
func (s *stubClientRepo) Delete(ctx context.Context, id string) error       { return nil }
func (s *stubClientRepo) List(ctx context.Context) ([]*store.Client, error) { return nil, nil }

type stubCodeRepo struct{ codes map[string]*store.AuthorizationCode }

func newStubCodeRepo() *stubCodeRepo { return &stubCodeRepo{codes: map[string]*store.AuthorizationCode{}} }

func (s *stubCodeRepo) CreateIfAbsent(ctx context.Context, c *store.AuthorizationCode) error {
	s.codes[c.Code] = c
	return nil
}
func (s *stubCodeRepo) ConsumeCode(ctx context.Context, code string) (*store.AuthorizationCode, error) {
	c, ok := s.codes[code]
	if !ok {
		return nil, store.ErrNotFound
	}
	delete(s.codes, code)
	return c, nil
}
func (s *stubCodeRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) { return 0, nil }

func newTestOrchestrator(redirectURI string) (*Orchestrator, *stubClientRepo) {
	cr := &stubClientRepo{clients: map[string]*store.Client{
		"c1": {ID: "1", ClientID: "c1", IsActive: true, RedirectURIs: []string{redirectURI}},
	}}
	reg := client.NewRegistry(cr, crypto.NewJWKSClient(nil, 0), "https://as.example/token", nil)
	codes := authzcode.New(newStubCodeRepo(), 0)
	return New(reg, codes), cr
}

// TestPurpose: a redirect_uri that doesn't match the client's registered
// set must never be redirected to — it surfaces as a direct error.
// Scope: Unit Test
// Security: open-redirect guard, validated before anything else.
func TestOrchestrator_Authorize_OpenRedirectGuard(t *testing.T) {
	orc, _ := newTestOrchestrator("https://app.example/cb")

	result := orc.Authorize(context.Background(), Request{
		ResponseType: "code",
		ClientID:     "c1",
		RedirectURI:  "https://evil.example/cb",
		UserID:       "u1",
	})

	if result.State != StateError {
		t.Fatalf("State = %v, want StateError", result.State)
	}
	if result.RedirectURL != "" {
		t.Fatalf("RedirectURL = %q, want empty — must not redirect to an unregistered host", result.RedirectURL)
	}
}

// TestPurpose: an unauthenticated request returns LoginRequired rather
// than proceeding to code issuance.
// Scope: Unit Test
func TestOrchestrator_Authorize_LoginRequired(t *testing.T) {
	orc, _ := newTestOrchestrator("https://app.example/cb")

	result := orc.Authorize(context.Background(), Request{
		ResponseType: "code",
		ClientID:     "c1",
		RedirectURI:  "https://app.example/cb",
	})

	if result.State != StateLoginRequired {
		t.Fatalf("State = %v, want StateLoginRequired", result.State)
	}
}

// TestPurpose: withheld consent surfaces as AccessDenied, redirected
// back to the client with error=access_denied.
// Scope: Unit Test
func TestOrchestrator_Authorize_AccessDenied(t *testing.T) {
	orc, _ := newTestOrchestrator("https://app.example/cb")

	result := orc.Authorize(context.Background(), Request{
		ResponseType: "code",
		ClientID:     "c1",
		RedirectURI:  "https://app.example/cb",
		UserID:       "u1",
	})

	if result.State != StateAccessDenied {
		t.Fatalf("State = %v, want StateAccessDenied", result.State)
	}
	u, err := url.Parse(result.RedirectURL)
	if err != nil {
		t.Fatalf("invalid redirect URL: %v", err)
	}
	if got := u.Query().Get("error"); got != "access_denied" {
		t.Fatalf("error param = %q, want access_denied", got)
	}
}

// TestPurpose: the full happy path reaches Completed with a code and the
// original state echoed back.
// Scope: Unit Test
func TestOrchestrator_Authorize_HappyPath(t *testing.T) {
	orc, _ := newTestOrchestrator("https://app.example/cb")

	result := orc.Authorize(context.Background(), Request{
		ResponseType:   "code",
		ClientID:       "c1",
		RedirectURI:    "https://app.example/cb",
		State:          "xyz",
		UserID:         "u1",
		ConsentGranted: true,
	})

	if result.State != StateCompleted {
		t.Fatalf("State = %v, want StateCompleted", result.State)
	}
	u, err := url.Parse(result.RedirectURL)
	if err != nil {
		t.Fatalf("invalid redirect URL: %v", err)
	}
	if u.Query().Get("code") == "" {
		t.Fatalf("redirect URL missing code param: %s", result.RedirectURL)
	}
	if got := u.Query().Get("state"); got != "xyz" {
		t.Fatalf("state param = %q, want xyz", got)
	}
}

// TestPurpose: an unsupported response_type is rejected, redirected back
// with error=unsupported_response_type since redirect_uri was already
// validated.
// Scope: Unit Test
func TestOrchestrator_Authorize_UnsupportedResponseType(t *testing.T) {
	orc, _ := newTestOrchestrator("https://app.example/cb")

	result := orc.Authorize(context.Background(), Request{
		ResponseType: "token",
		ClientID:     "c1",
		RedirectURI:  "https://app.example/cb",
		UserID:       "u1",
	})

	if result.State != StateError {
		t.Fatalf("State = %v, want StateError", result.State)
	}
	if result.RedirectURL == "" {
		t.Fatalf("RedirectURL is empty, want a redirect since redirect_uri was valid")
	}
}
