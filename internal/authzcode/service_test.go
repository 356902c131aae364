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

package authzcode

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/authcore/authcore/internal/store"
)

type mockCodeRepo struct {
	codes map[string]*store.AuthorizationCode
}

func newMockCodeRepo() *mockCodeRepo {
	return &mockCodeRepo{codes: make(map[string]*store.AuthorizationCode)}
}

func (m *mockCodeRepo) CreateIfAbsent(ctx context.Context, c *store.AuthorizationCode) error {
	if _, ok := m.codes[c.Code]; ok {
		return store.ErrConflict
	}
	cp := *c
	m.codes[c.Code] = &cp
	return nil
}

func (m *mockCodeRepo) ConsumeCode(ctx context.Context, code string) (*store.AuthorizationCode, error) {
	c, ok := m.codes[code]
	if !ok {
		return nil, store.ErrNotFound
	}
	delete(m.codes, code)
	return c, nil
}

func (m *mockCodeRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	for k, c := range m.codes {
		if c.IsExpired(now) {
			delete(m.codes, k)
			n++
		}
	}
	return n, nil
}

// TestPurpose: a code issued with no PKCE challenge redeems successfully
// with no verifier, returning the bound user and scope.
// Scope: Unit Test
func TestService_IssueAndRedeem_NoPKCE(t *testing.T) {
	repo := newMockCodeRepo()
	svc := New(repo, 0)

	ac, err := svc.IssueCode(context.Background(), "c1", "u1", "https://app/cb", "read", "", "")
	if err != nil {
		t.Fatalf("IssueCode() error = %v", err)
	}

	userID, scope, err := svc.RedeemCode(context.Background(), ac.Code, "c1", "https://app/cb", "")
	if err != nil {
		t.Fatalf("RedeemCode() error = %v, want nil", err)
	}
	if userID != "u1" || scope != "read" {
		t.Fatalf("RedeemCode() = (%q, %q), want (u1, read)", userID, scope)
	}
}

// TestPurpose: a code issued with no PKCE challenge rejects redemption
// when a code_verifier is presented, rather than silently ignoring it.
// Scope: Unit Test
// Security: closes the PKCE downgrade attack RFC 7636 exists to prevent —
// an attacker who strips code_challenge from the authorize request must
// not be able to redeem with a verifier of their choosing.
func TestService_Redeem_NoPKCE_RejectsVerifier(t *testing.T) {
	repo := newMockCodeRepo()
	svc := New(repo, 0)

	ac, err := svc.IssueCode(context.Background(), "c1", "u1", "https://app/cb", "read", "", "")
	if err != nil {
		t.Fatalf("IssueCode() error = %v", err)
	}

	if _, _, err := svc.RedeemCode(context.Background(), ac.Code, "c1", "https://app/cb", "some-verifier"); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("RedeemCode() error = %v, want ErrInvalidGrant when verifier is presented for a no-PKCE code", err)
	}
}

// TestPurpose: S256 PKCE redemption succeeds with the matching verifier
// and fails with any other verifier.
// Scope: Unit Test
// Security: RFC 7636 code-interception defense.
func TestService_Redeem_PKCE_S256(t *testing.T) {
	repo := newMockCodeRepo()
	svc := New(repo, 0)

	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	ac, err := svc.IssueCode(context.Background(), "c1", "u1", "https://app/cb", "read", challenge, "S256")
	if err != nil {
		t.Fatalf("IssueCode() error = %v", err)
	}

	if _, _, err := svc.RedeemCode(context.Background(), ac.Code, "c1", "https://app/cb", "wrong-verifier"); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("RedeemCode() error = %v, want ErrInvalidGrant for wrong verifier", err)
	}

	ac2, err := svc.IssueCode(context.Background(), "c1", "u1", "https://app/cb", "read", challenge, "S256")
	if err != nil {
		t.Fatalf("IssueCode() error = %v", err)
	}
	userID, _, err := svc.RedeemCode(context.Background(), ac2.Code, "c1", "https://app/cb", verifier)
	if err != nil {
		t.Fatalf("RedeemCode() error = %v, want nil for matching verifier", err)
	}
	if userID != "u1" {
		t.Fatalf("RedeemCode() userID = %q, want u1", userID)
	}
}

// TestPurpose: a code can never be redeemed twice, even when the first
// redemption itself failed a downstream check — consumption happens
// before validation.
// Scope: Unit Test
// Security: replay/reuse prevention (RFC 6749 §4.1.2, single-use codes).
func TestService_Redeem_SingleUse_EvenOnFailure(t *testing.T) {
	repo := newMockCodeRepo()
	svc := New(repo, 0)

	ac, err := svc.IssueCode(context.Background(), "c1", "u1", "https://app/cb", "read", "", "")
	if err != nil {
		t.Fatalf("IssueCode() error = %v", err)
	}

	// Wrong redirect_uri: first redemption fails validation, but the
	// code is already consumed.
	if _, _, err := svc.RedeemCode(context.Background(), ac.Code, "c1", "https://wrong/cb", ""); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("first RedeemCode() error = %v, want ErrInvalidGrant", err)
	}

	if _, _, err := svc.RedeemCode(context.Background(), ac.Code, "c1", "https://app/cb", ""); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("second RedeemCode() error = %v, want ErrInvalidGrant (code already consumed)", err)
	}
}

// TestPurpose: redemption rejects a client_id that doesn't match the one
// the code was issued to.
// Scope: Unit Test
func TestService_Redeem_ClientMismatch(t *testing.T) {
	repo := newMockCodeRepo()
	svc := New(repo, 0)

	ac, err := svc.IssueCode(context.Background(), "c1", "u1", "https://app/cb", "read", "", "")
	if err != nil {
		t.Fatalf("IssueCode() error = %v", err)
	}

	if _, _, err := svc.RedeemCode(context.Background(), ac.Code, "c2", "https://app/cb", ""); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("RedeemCode() error = %v, want ErrInvalidGrant", err)
	}
}

// TestPurpose: an expired code is rejected even though it still exists
// at consume time.
// Scope: Unit Test
func TestService_Redeem_Expired(t *testing.T) {
	repo := newMockCodeRepo()
	svc := New(repo, time.Millisecond)

	ac, err := svc.IssueCode(context.Background(), "c1", "u1", "https://app/cb", "read", "", "")
	if err != nil {
		t.Fatalf("IssueCode() error = %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, _, err := svc.RedeemCode(context.Background(), ac.Code, "c1", "https://app/cb", ""); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("RedeemCode() error = %v, want ErrInvalidGrant for expired code", err)
	}
}

// TestPurpose: an unsupported code_challenge_method is rejected at issue
// time rather than deferred to redemption.
// Scope: Unit Test
func TestService_IssueCode_RejectsUnsupportedMethod(t *testing.T) {
	repo := newMockCodeRepo()
	svc := New(repo, 0)

	if _, err := svc.IssueCode(context.Background(), "c1", "u1", "https://app/cb", "read", "challenge", "md5"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("IssueCode() error = %v, want ErrInvalidRequest", err)
	}
}
