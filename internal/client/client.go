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

// Package client is the ClientRegistry: resolving registered OAuth2
// clients and authenticating them, either by shared secret or by
// private_key_jwt (RFC 7523).
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/authcore/authcore/internal/crypto"
	"github.com/authcore/authcore/internal/store"
)

// AssertionType is the client_assertion_type value RFC 7523 requires for
// the private_key_jwt authentication method.
const AssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

var (
	ErrInvalidClient       = errors.New("client: invalid client")
	ErrUnauthorizedClient  = errors.New("client: unauthorized client")
	ErrClientNotFound      = errors.New("client: not found")
	ErrInvalidRedirectURI  = errors.New("client: invalid redirect_uri")
)

// Credentials is the union of ways a client can authenticate itself.
// Exactly one of the two shapes should be populated.
type Credentials struct {
	ClientID     string
	ClientSecret string

	ClientAssertionType string
	ClientAssertion      string
}

// Registry is the ClientRegistry component (C3).
type Registry struct {
	store      store.ClientRepository
	jwksClient *crypto.JWKSClient
	tokenURL   string
	jtiStore   store.ClientAssertionJTIRepository // nil falls back to the in-process map

	mu       sync.Mutex
	seenJTIs map[string]time.Time // (clientID + "|" + jti) -> expiry, for jti replay rejection
}

// NewRegistry builds a Registry. tokenURL is the token endpoint's full
// URL, which private_key_jwt assertions must name as their audience.
// jtiStore persists private_key_jwt replay state so it survives restarts
// and is shared across instances; pass nil to keep it in-process only,
// which is sufficient for a single instance.
func NewRegistry(repo store.ClientRepository, jwksClient *crypto.JWKSClient, tokenURL string, jtiStore store.ClientAssertionJTIRepository) *Registry {
	return &Registry{
		store:      repo,
		jwksClient: jwksClient,
		tokenURL:   tokenURL,
		jtiStore:   jtiStore,
		seenJTIs:   make(map[string]time.Time),
	}
}

// ResolveClient looks a client up by its public client_id.
func (r *Registry) ResolveClient(ctx context.Context, clientID string) (*store.Client, error) {
	c, err := r.store.GetByClientID(ctx, clientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrClientNotFound
		}
		return nil, fmt.Errorf("client: resolve: %w", err)
	}
	if !c.IsActive {
		return nil, ErrClientNotFound
	}
	return c, nil
}

// AuthenticateClient verifies creds against the registered client and
// returns the authenticated Client row.
func (r *Registry) AuthenticateClient(ctx context.Context, creds Credentials) (*store.Client, error) {
	if creds.ClientAssertion != "" {
		return r.authenticateViaJWTBearer(ctx, creds)
	}
	return r.authenticateViaSecret(ctx, creds)
}

func (r *Registry) authenticateViaSecret(ctx context.Context, creds Credentials) (*store.Client, error) {
	c, err := r.ResolveClient(ctx, creds.ClientID)
	if err != nil {
		return nil, ErrInvalidClient
	}
	if !crypto.ConstantTimeEqual(crypto.HashToken(creds.ClientSecret), c.ClientSecretHash) {
		return nil, ErrInvalidClient
	}
	return c, nil
}

// authenticateViaJWTBearer verifies a private_key_jwt client assertion
// per RFC 7523 §3: iss and sub both equal the client_id, aud equals the
// token endpoint URL, exp in the future, and jti unseen within its
// validity window.
func (r *Registry) authenticateViaJWTBearer(ctx context.Context, creds Credentials) (*store.Client, error) {
	if creds.ClientAssertionType != AssertionType {
		return nil, ErrInvalidClient
	}

	// Parse without verifying first to learn which client claims to be
	// the signer, so we know whose JWKS to fetch.
	unverified := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := unverified.ParseUnverified(creds.ClientAssertion, claims); err != nil {
		return nil, ErrInvalidClient
	}

	iss, _ := claims["iss"].(string)
	sub, _ := claims["sub"].(string)
	if iss == "" || iss != sub {
		return nil, ErrInvalidClient
	}

	c, err := r.ResolveClient(ctx, iss)
	if err != nil {
		return nil, ErrInvalidClient
	}
	if c.JWKSURI == "" {
		return nil, ErrInvalidClient
	}

	var kid string
	parsed, err := jwt.Parse(creds.ClientAssertion, func(t *jwt.Token) (interface{}, error) {
		kid, _ = t.Header["kid"].(string)
		if t.Method.Alg() != "RS256" {
			return nil, fmt.Errorf("client: unsupported assertion algorithm %q", t.Method.Alg())
		}
		return r.jwksClient.Key(ctx, c.JWKSURI, kid)
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithAudience(r.tokenURL), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidClient
	}

	jti, _ := claims["jti"].(string)
	if jti == "" {
		return nil, ErrInvalidClient
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, ErrInvalidClient
	}
	fresh, err := r.observeJTI(ctx, c.ClientID, jti, exp.Time)
	if err != nil || !fresh {
		return nil, ErrInvalidClient
	}

	return c, nil
}

// observeJTI reports false if (clientID, jti) was already seen within
// its validity window — a replayed assertion — and records it otherwise.
// When a store-backed jtiStore is configured, replay detection is shared
// across instances and durable; otherwise it falls back to an
// in-process map, sufficient for a single instance.
func (r *Registry) observeJTI(ctx context.Context, clientID, jti string, expiresAt time.Time) (bool, error) {
	if r.jtiStore != nil {
		fresh, err := r.jtiStore.Observe(ctx, clientID, jti, expiresAt)
		if err != nil {
			return false, fmt.Errorf("client: observe jti: %w", err)
		}
		return fresh, nil
	}
	return r.observeJTIInMemory(clientID, jti, expiresAt), nil
}

func (r *Registry) observeJTIInMemory(clientID, jti string, expiresAt time.Time) bool {
	key := clientID + "|" + jti
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	for k, exp := range r.seenJTIs {
		if exp.Before(now) {
			delete(r.seenJTIs, k)
		}
	}

	if exp, seen := r.seenJTIs[key]; seen && exp.After(now) {
		return false
	}
	r.seenJTIs[key] = expiresAt
	return true
}

// ValidateRedirectURI reports whether uri is registered for client,
// using exact-string comparison only. Closing open-redirect attacks
// depends on this never loosening to prefix or normalized matching.
func (r *Registry) ValidateRedirectURI(c *store.Client, uri string) bool {
	return c.HasRedirectURI(uri)
}
