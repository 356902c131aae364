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

// Package authzcode is the AuthorizationCodeService: issuing, redeeming
// and invalidating authorization codes, including PKCE enforcement
// (RFC 7636).
package authzcode

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/authcore/authcore/internal/crypto"
	"github.com/authcore/authcore/internal/id"
	"github.com/authcore/authcore/internal/store"
)

// DefaultTTL is used when Service is constructed with a zero or
// out-of-range ttl; 10 minutes is the maximum RFC 6749 §4.1.2 suggests
// and the default this server issues codes with.
const DefaultTTL = 10 * time.Minute

// MaxTTL bounds IssueCode's configured ttl; codes never outlive it
// regardless of configuration error.
const MaxTTL = 10 * time.Minute

var (
	ErrInvalidRequest = errors.New("authzcode: invalid request")
	ErrInvalidGrant    = errors.New("authzcode: invalid grant")
)

// Service implements the AuthorizationCodeService (C4).
type Service struct {
	store store.CodeRepository
	ttl   time.Duration
}

// New builds a Service. ttl is clamped to (0, MaxTTL]; a zero or negative
// value falls back to DefaultTTL.
func New(repo store.CodeRepository, ttl time.Duration) *Service {
	if ttl <= 0 || ttl > MaxTTL {
		ttl = DefaultTTL
	}
	return &Service{store: repo, ttl: ttl}
}

// IssueCode mints a single-use authorization code for userID at client
// clientID, bound to redirectURI and, when present, a PKCE challenge.
func (s *Service) IssueCode(ctx context.Context, clientID, userID, redirectURI, scope, codeChallenge, codeChallengeMethod string) (*store.AuthorizationCode, error) {
	if codeChallenge != "" {
		if codeChallengeMethod == "" {
			codeChallengeMethod = "plain"
		}
		if codeChallengeMethod != "plain" && codeChallengeMethod != "S256" {
			return nil, fmt.Errorf("%w: unsupported code_challenge_method %q", ErrInvalidRequest, codeChallengeMethod)
		}
	}

	code, err := crypto.RandomToken(32)
	if err != nil {
		return nil, fmt.Errorf("authzcode: generate code: %w", err)
	}

	now := time.Now()
	ac := &store.AuthorizationCode{
		ID:                  id.NewUUIDv7(),
		Code:                code,
		ClientID:            clientID,
		UserID:              userID,
		RedirectURI:         redirectURI,
		Scope:               scope,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
		ExpiresAt:           now.Add(s.ttl),
		CreatedAt:           now,
	}

	// A collision in a 32-byte CSPRNG value is practically impossible;
	// CreateIfAbsent's unique-constraint guard exists for defense in
	// depth, not because a retry loop is expected to trigger.
	if err := s.store.CreateIfAbsent(ctx, ac); err != nil {
		return nil, fmt.Errorf("authzcode: persist code: %w", err)
	}
	return ac, nil
}

// RedeemCode atomically consumes code, then validates it against the
// presenting client's identity, redirect_uri and PKCE verifier. The code
// row is deleted by the ConsumeCode call before any of these checks run,
// so a mismatch still burns the code: an attacker who intercepts a code
// cannot distinguish failure modes that would otherwise leak reusability.
func (s *Service) RedeemCode(ctx context.Context, code, clientID, redirectURI, codeVerifier string) (userID, scope string, err error) {
	ac, err := s.store.ConsumeCode(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", "", fmt.Errorf("%w: unknown or already-used code", ErrInvalidGrant)
		}
		return "", "", fmt.Errorf("authzcode: consume code: %w", err)
	}

	if ac.IsExpired(time.Now()) {
		return "", "", fmt.Errorf("%w: code expired", ErrInvalidGrant)
	}
	if ac.ClientID != clientID {
		return "", "", fmt.Errorf("%w: client_id mismatch", ErrInvalidGrant)
	}
	if ac.RedirectURI != redirectURI {
		return "", "", fmt.Errorf("%w: redirect_uri mismatch", ErrInvalidGrant)
	}
	if ac.CodeChallenge == "" && codeVerifier != "" {
		return "", "", fmt.Errorf("%w: code_verifier present for a code issued without code_challenge", ErrInvalidGrant)
	}
	if ac.CodeChallenge != "" {
		if !verifyPKCE(ac.CodeChallenge, ac.CodeChallengeMethod, codeVerifier) {
			return "", "", fmt.Errorf("%w: invalid code_verifier", ErrInvalidGrant)
		}
	}

	return ac.UserID, ac.Scope, nil
}

// verifyPKCE reports whether verifier transforms into challenge under
// method, per RFC 7636 §4.6.
func verifyPKCE(challenge, method, verifier string) bool {
	if verifier == "" {
		return false
	}
	switch method {
	case "", "plain":
		return challenge == verifier
	case "S256":
		sum := sha256.Sum256([]byte(verifier))
		return challenge == base64.RawURLEncoding.EncodeToString(sum[:])
	default:
		return false
	}
}
