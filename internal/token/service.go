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

// Package token is the TokenService: minting, validating, refreshing,
// revoking and introspecting access and refresh tokens, in either opaque
// or signed-JWT access-token format.
package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/authcore/authcore/internal/crypto"
	"github.com/authcore/authcore/internal/id"
	"github.com/authcore/authcore/internal/store"
)

// Format selects how access tokens are represented on the wire.
type Format string

const (
	FormatOpaque Format = "opaque"
	FormatJWT    Format = "jwt"
)

// Rotation selects refresh-token behavior on every successful refresh.
type Rotation string

const (
	RotationAlways Rotation = "always"
	RotationNever  Rotation = "never"
)

var ErrInvalidGrant = errors.New("token: invalid grant")

// Pair is the result of minting or refreshing a token pair.
type Pair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	TokenType    string
	Scope        string
}

// Claims is the result of a successful ValidateAccessToken call.
type Claims struct {
	ClientID  string
	UserID    string
	Scope     string
	ExpiresAt time.Time
}

// Introspection is the RFC 7662 response shape.
type Introspection struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Username  string `json:"username,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	Subject   string `json:"sub,omitempty"`
}

// Config configures a Service.
type Config struct {
	Issuer             string
	AccessTokenFormat  Format
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
	RefreshRotation    Rotation
	// ReplayWindow is how long a just-consumed refresh token is
	// remembered; presenting it again within the window is treated as
	// theft and triggers RevokeAllForUser. Zero disables the check.
	ReplayWindow time.Duration
}

// Service implements the TokenService (C5).
type Service struct {
	store  store.Store
	keys   *crypto.Manager
	users  store.UserRepository
	cfg    Config

	mu       sync.Mutex
	burned   map[string]burnedEntry // refresh token string -> when/who it belonged to
}

type burnedEntry struct {
	userID    string
	expiresAt time.Time
}

// New builds a Service.
func New(st store.Store, keys *crypto.Manager, cfg Config) *Service {
	if cfg.AccessTokenFormat == "" {
		cfg.AccessTokenFormat = FormatOpaque
	}
	if cfg.RefreshRotation == "" {
		cfg.RefreshRotation = RotationAlways
	}
	return &Service{
		store:  st,
		keys:   keys,
		users:  st.Users(),
		cfg:    cfg,
		burned: make(map[string]burnedEntry),
	}
}

// jwtClaims is the claim set minted for accessTokenFormat == "jwt".
type jwtClaims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope,omitempty"`
}

// MintAccessAndRefresh persists an access token (and, when the client
// allows refresh_token, a refresh token) for userID (empty for
// client_credentials) and scope at clientID.
func (s *Service) MintAccessAndRefresh(ctx context.Context, clientID, userID, scope string, issueRefresh bool) (*Pair, error) {
	now := time.Now()
	accessExpiresAt := now.Add(s.cfg.AccessTokenTTL)

	rowID := id.NewUUIDv7()
	accessRow := &store.AccessToken{
		ID:        rowID,
		ClientID:  clientID,
		UserID:    userID,
		Scope:     scope,
		ExpiresAt: accessExpiresAt,
		CreatedAt: now,
	}

	accessString, err := s.encodeAccessToken(rowID, clientID, userID, scope, accessExpiresAt, now)
	if err != nil {
		return nil, fmt.Errorf("token: mint access token: %w", err)
	}
	if s.cfg.AccessTokenFormat == FormatJWT {
		accessRow.Token = rowID // only the jti is persisted, never the JWT itself
	} else {
		accessRow.Token = accessString
	}

	var refreshString string
	if issueRefresh {
		refreshString, err = crypto.RandomToken(32)
		if err != nil {
			return nil, fmt.Errorf("token: generate refresh token: %w", err)
		}
		refreshRow := &store.RefreshToken{
			ID:        id.NewUUIDv7(),
			Token:     refreshString,
			ClientID:  clientID,
			UserID:    userID,
			Scope:     scope,
			ExpiresAt: now.Add(s.cfg.RefreshTokenTTL),
			CreatedAt: now,
		}
		if err := s.store.AccessTokens().Create(ctx, accessRow); err != nil {
			return nil, fmt.Errorf("token: persist access token: %w", err)
		}
		if err := s.store.RefreshTokens().Create(ctx, refreshRow); err != nil {
			return nil, fmt.Errorf("token: persist refresh token: %w", err)
		}
	} else if err := s.store.AccessTokens().Create(ctx, accessRow); err != nil {
		return nil, fmt.Errorf("token: persist access token: %w", err)
	}

	return &Pair{
		AccessToken:  accessString,
		RefreshToken: refreshString,
		ExpiresIn:    int64(s.cfg.AccessTokenTTL.Seconds()),
		TokenType:    "Bearer",
		Scope:        scope,
	}, nil
}

func (s *Service) encodeAccessToken(rowID, clientID, userID, scope string, expiresAt, issuedAt time.Time) (string, error) {
	if s.cfg.AccessTokenFormat != FormatJWT {
		return crypto.RandomToken(32)
	}
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   userID,
			Audience:  jwt.ClaimStrings{clientID},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ID:        rowID,
		},
		Scope: scope,
	}
	return s.keys.SignJWT(claims)
}

// ValidateAccessToken verifies presented and returns its claims. For JWT
// format this verifies the signature and standard claims, then confirms
// the jti-keyed row still exists (the revocation check — JWT validity
// alone never proves a token hasn't been revoked). For opaque format
// this is a direct row lookup.
func (s *Service) ValidateAccessToken(ctx context.Context, presented string) (*Claims, error) {
	if s.cfg.AccessTokenFormat == FormatJWT {
		return s.validateJWT(ctx, presented)
	}
	return s.validateOpaque(ctx, presented)
}

func (s *Service) validateOpaque(ctx context.Context, presented string) (*Claims, error) {
	row, err := s.store.AccessTokens().GetByToken(ctx, presented)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown access token", ErrInvalidGrant)
		}
		return nil, fmt.Errorf("token: lookup access token: %w", err)
	}
	if row.Revoked {
		return nil, fmt.Errorf("%w: access token revoked", ErrInvalidGrant)
	}
	return &Claims{ClientID: row.ClientID, UserID: row.UserID, Scope: row.Scope, ExpiresAt: row.ExpiresAt}, nil
}

func (s *Service) validateJWT(ctx context.Context, presented string) (*Claims, error) {
	var claims jwtClaims
	if _, err := s.keys.VerifyJWT(presented, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGrant, err)
	}

	row, err := s.store.AccessTokens().GetByID(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: access token revoked", ErrInvalidGrant)
		}
		return nil, fmt.Errorf("token: lookup access token row: %w", err)
	}
	if row.Revoked {
		return nil, fmt.Errorf("%w: access token revoked", ErrInvalidGrant)
	}

	clientID := ""
	if len(claims.Audience) > 0 {
		clientID = claims.Audience[0]
	}
	return &Claims{
		ClientID:  clientID,
		UserID:    claims.Subject,
		Scope:     claims.Scope,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Refresh exchanges presentedRefresh for a new token pair, atomically
// deleting the old refresh row and minting replacements within one
// transaction (Store.RotateRefreshToken). When rotation is disabled the
// old refresh row is kept and only a new access token is minted.
func (s *Service) Refresh(ctx context.Context, presentedRefresh, presentingClientID string) (*Pair, error) {
	row, err := s.store.RefreshTokens().GetByToken(ctx, presentedRefresh)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.checkReplay(ctx, presentedRefresh)
			return nil, fmt.Errorf("%w: unknown refresh token", ErrInvalidGrant)
		}
		return nil, fmt.Errorf("token: lookup refresh token: %w", err)
	}
	if row.Revoked || row.IsExpired(time.Now()) {
		return nil, fmt.Errorf("%w: refresh token revoked or expired", ErrInvalidGrant)
	}
	if row.ClientID != presentingClientID {
		return nil, fmt.Errorf("%w: client_id mismatch", ErrInvalidGrant)
	}

	now := time.Now()
	newAccessID := id.NewUUIDv7()
	newAccessString, err := s.encodeAccessToken(newAccessID, row.ClientID, row.UserID, row.Scope, now.Add(s.cfg.AccessTokenTTL), now)
	if err != nil {
		return nil, fmt.Errorf("token: mint access token: %w", err)
	}
	newAccessRow := &store.AccessToken{
		ID:        newAccessID,
		ClientID:  row.ClientID,
		UserID:    row.UserID,
		Scope:     row.Scope,
		ExpiresAt: now.Add(s.cfg.AccessTokenTTL),
		CreatedAt: now,
	}
	if s.cfg.AccessTokenFormat == FormatJWT {
		newAccessRow.Token = newAccessID
	} else {
		newAccessRow.Token = newAccessString
	}

	pair := &Pair{
		AccessToken: newAccessString,
		ExpiresIn:   int64(s.cfg.AccessTokenTTL.Seconds()),
		TokenType:   "Bearer",
		Scope:       row.Scope,
	}

	if s.cfg.RefreshRotation == RotationNever {
		if err := s.store.AccessTokens().Create(ctx, newAccessRow); err != nil {
			return nil, fmt.Errorf("token: persist access token: %w", err)
		}
		pair.RefreshToken = presentedRefresh
		return pair, nil
	}

	newRefreshString, err := crypto.RandomToken(32)
	if err != nil {
		return nil, fmt.Errorf("token: generate refresh token: %w", err)
	}
	newRefreshRow := &store.RefreshToken{
		ID:        id.NewUUIDv7(),
		Token:     newRefreshString,
		ClientID:  row.ClientID,
		UserID:    row.UserID,
		Scope:     row.Scope,
		ExpiresAt: now.Add(s.cfg.RefreshTokenTTL),
		CreatedAt: now,
	}
	if err := s.store.RefreshTokens().RotateRefreshToken(ctx, presentedRefresh, newRefreshRow, newAccessRow); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: refresh token already consumed", ErrInvalidGrant)
		}
		return nil, fmt.Errorf("token: rotate refresh token: %w", err)
	}
	s.markBurned(presentedRefresh, row.UserID, row.ExpiresAt)

	pair.RefreshToken = newRefreshString
	return pair, nil
}

// markBurned records a just-rotated-away refresh token so a later reuse
// within ReplayWindow is recognizable as theft rather than a stale retry.
func (s *Service) markBurned(token, userID string, expiresAt time.Time) {
	if s.cfg.ReplayWindow <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for k, e := range s.burned {
		if e.expiresAt.Before(now) {
			delete(s.burned, k)
		}
	}
	s.burned[token] = burnedEntry{userID: userID, expiresAt: now.Add(s.cfg.ReplayWindow)}
}

// checkReplay responds to presentation of a refresh token that is no
// longer in the store but was burned (legitimately rotated away)
// recently, by revoking every token belonging to its owner — the
// defensive response to a stolen refresh token being replayed after the
// legitimate client already rotated past it.
func (s *Service) checkReplay(ctx context.Context, presented string) {
	if s.cfg.ReplayWindow <= 0 {
		return
	}
	s.mu.Lock()
	entry, ok := s.burned[presented]
	if ok {
		delete(s.burned, presented)
	}
	s.mu.Unlock()
	if !ok || entry.expiresAt.Before(time.Now()) {
		return
	}
	_ = s.store.RevokeAllForUser(ctx, entry.userID)
}

// Revoke marks the matching row for token revoked, trying both access and
// refresh tables unless hint narrows it; the row is not deleted, and
// validation rejects it through its Revoked flag. Always reports success to the
// caller regardless of whether a row existed, per RFC 7009 §2.2.
func (s *Service) Revoke(ctx context.Context, tokenStr, hint string) error {
	tryAccess := hint != "refresh_token"
	tryRefresh := hint != "access_token"

	if tryAccess {
		if err := s.store.AccessTokens().Revoke(ctx, tokenStr); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("token: revoke access token: %w", err)
		}
	}
	if tryRefresh {
		if err := s.store.RefreshTokens().Revoke(ctx, tokenStr); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("token: revoke refresh token: %w", err)
		}
	}
	return nil
}

// Introspect reports a token's state per RFC 7662. Any error condition
// (unknown, expired, malformed) collapses to {Active: false} — it must
// never leak which of those applies.
func (s *Service) Introspect(ctx context.Context, tokenStr string) Introspection {
	claims, err := s.ValidateAccessToken(ctx, tokenStr)
	if err == nil {
		if !claims.ExpiresAt.After(time.Now()) {
			return Introspection{Active: false}
		}
		username := ""
		if claims.UserID != "" {
			if u, err := s.users.GetByID(ctx, claims.UserID); err == nil {
				username = u.Username
			}
		}
		return Introspection{
			Active:    true,
			Scope:     claims.Scope,
			ClientID:  claims.ClientID,
			Username:  username,
			ExpiresAt: claims.ExpiresAt.Unix(),
			Subject:   claims.UserID,
		}
	}

	if row, err := s.store.RefreshTokens().GetByToken(ctx, tokenStr); err == nil {
		if row.Revoked || row.IsExpired(time.Now()) {
			return Introspection{Active: false}
		}
		return Introspection{
			Active:    true,
			Scope:     row.Scope,
			ClientID:  row.ClientID,
			ExpiresAt: row.ExpiresAt.Unix(),
			Subject:   row.UserID,
		}
	}

	return Introspection{Active: false}
}
