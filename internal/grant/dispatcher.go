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

// Package grant is the GrantDispatcher: the /token entry point,
// authenticating the client and dispatching on grant_type.
package grant

import (
	"context"
	"errors"
	"fmt"

	"github.com/authcore/authcore/internal/authzcode"
	"github.com/authcore/authcore/internal/client"
	"github.com/authcore/authcore/internal/crypto"
	"github.com/authcore/authcore/internal/store"
	"github.com/authcore/authcore/internal/token"
)

var (
	ErrUnsupportedGrantType = errors.New("grant: unsupported grant_type")
	ErrInvalidGrant         = errors.New("grant: invalid_grant")
	ErrUnauthorizedClient   = errors.New("grant: unauthorized_client")
)

// Request is the normalized /token input across every supported
// grant_type; fields not relevant to the presented grant_type are
// ignored.
type Request struct {
	GrantType string

	Credentials client.Credentials

	// authorization_code
	Code         string
	RedirectURI  string
	CodeVerifier string

	// refresh_token
	RefreshToken string

	// client_credentials / password; authorization_code takes its scope
	// from the code instead
	Scope string

	// password
	Username string
	Password string
}

// Response is the uniform /token success envelope (RFC 6749 §5.1).
type Response struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Config gates optional grants.
type Config struct {
	PasswordGrantEnabled bool
}

// Dispatcher implements the GrantDispatcher (C8).
type Dispatcher struct {
	clients *client.Registry
	codes   *authzcode.Service
	tokens  *token.Service
	users   store.UserRepository
	hasher  *crypto.PasswordHasher
	cfg     Config
}

// New builds a Dispatcher.
func New(clients *client.Registry, codes *authzcode.Service, tokens *token.Service, users store.UserRepository, hasher *crypto.PasswordHasher, cfg Config) *Dispatcher {
	return &Dispatcher{clients: clients, codes: codes, tokens: tokens, users: users, hasher: hasher, cfg: cfg}
}

// Dispatch authenticates the presenting client (where required) and
// executes req.GrantType, returning the uniform token response.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Response, error) {
	switch req.GrantType {
	case "authorization_code":
		return d.authorizationCode(ctx, req)
	case "refresh_token":
		return d.refreshToken(ctx, req)
	case "client_credentials":
		return d.clientCredentials(ctx, req)
	case "password":
		return d.password(ctx, req)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedGrantType, req.GrantType)
	}
}

// authorizationCode permits a public client presenting no secret when
// the code itself carries a PKCE challenge; any other client must
// authenticate normally.
func (d *Dispatcher) authorizationCode(ctx context.Context, req Request) (*Response, error) {
	c, err := d.authenticateOrPublic(ctx, req)
	if err != nil {
		return nil, err
	}
	// A public client that presents no credentials must present a
	// code_verifier; RedeemCode then rejects it unless the code carries a
	// matching challenge.
	if !c.IsConfidential && req.Credentials.ClientSecret == "" && req.Credentials.ClientAssertion == "" && req.CodeVerifier == "" {
		return nil, fmt.Errorf("%w: public client must use PKCE", ErrInvalidGrant)
	}

	userID, scope, err := d.codes.RedeemCode(ctx, req.Code, c.ClientID, req.RedirectURI, req.CodeVerifier)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGrant, err)
	}

	pair, err := d.tokens.MintAccessAndRefresh(ctx, c.ClientID, userID, scope, c.AllowsGrantType("refresh_token"))
	if err != nil {
		return nil, fmt.Errorf("grant: mint tokens: %w", err)
	}
	return toResponse(pair), nil
}

// authenticateOrPublic authenticates the client via secret or
// private_key_jwt when credentials are presented; a public client
// presenting neither is accepted. Its callers are the authorization_code
// and refresh_token grants, consistent with RFC 6749 §3.2.1 and PKCE's
// public-client model.
func (d *Dispatcher) authenticateOrPublic(ctx context.Context, req Request) (*store.Client, error) {
	if req.Credentials.ClientID == "" {
		return nil, fmt.Errorf("%w: missing client_id", ErrInvalidGrant)
	}
	if req.Credentials.ClientSecret != "" || req.Credentials.ClientAssertion != "" {
		c, err := d.clients.AuthenticateClient(ctx, req.Credentials)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidGrant, err)
		}
		return c, nil
	}
	c, err := d.clients.ResolveClient(ctx, req.Credentials.ClientID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGrant, err)
	}
	if c.IsConfidential {
		return nil, fmt.Errorf("%w: confidential client must authenticate", ErrUnauthorizedClient)
	}
	return c, nil
}

func (d *Dispatcher) refreshToken(ctx context.Context, req Request) (*Response, error) {
	c, err := d.authenticateOrPublic(ctx, req)
	if err != nil {
		return nil, err
	}

	pair, err := d.tokens.Refresh(ctx, req.RefreshToken, c.ClientID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGrant, err)
	}
	return toResponse(pair), nil
}

// clientCredentials requires a confidential client and mints a token
// with no resource-owner: userID is left empty throughout.
func (d *Dispatcher) clientCredentials(ctx context.Context, req Request) (*Response, error) {
	c, err := d.clients.AuthenticateClient(ctx, req.Credentials)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGrant, err)
	}
	if !c.IsConfidential {
		return nil, fmt.Errorf("%w: client_credentials requires a confidential client", ErrUnauthorizedClient)
	}
	if !c.AllowsGrantType("client_credentials") {
		return nil, fmt.Errorf("%w: grant_type not enabled for this client", ErrUnauthorizedClient)
	}

	pair, err := d.tokens.MintAccessAndRefresh(ctx, c.ClientID, "", req.Scope, false)
	if err != nil {
		return nil, fmt.Errorf("grant: mint tokens: %w", err)
	}
	return toResponse(pair), nil
}

// password is disabled unless explicitly configured on, per RFC 6749's
// guidance that the resource-owner-password-credentials grant should
// only be used where no better option exists.
func (d *Dispatcher) password(ctx context.Context, req Request) (*Response, error) {
	if !d.cfg.PasswordGrantEnabled {
		return nil, fmt.Errorf("%w: password", ErrUnsupportedGrantType)
	}

	c, err := d.clients.AuthenticateClient(ctx, req.Credentials)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGrant, err)
	}
	if !c.AllowsGrantType("password") {
		return nil, fmt.Errorf("%w: grant_type not enabled for this client", ErrUnauthorizedClient)
	}

	u, err := d.users.GetByUsername(ctx, req.Username)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid username or password", ErrInvalidGrant)
	}
	ok, err := d.hasher.Verify(req.Password, u.PasswordHash)
	if err != nil || !ok {
		return nil, fmt.Errorf("%w: invalid username or password", ErrInvalidGrant)
	}

	pair, err := d.tokens.MintAccessAndRefresh(ctx, c.ClientID, u.ID, req.Scope, c.AllowsGrantType("refresh_token"))
	if err != nil {
		return nil, fmt.Errorf("grant: mint tokens: %w", err)
	}
	return toResponse(pair), nil
}

func toResponse(p *token.Pair) *Response {
	return &Response{
		AccessToken:  p.AccessToken,
		TokenType:    p.TokenType,
		ExpiresIn:    p.ExpiresIn,
		RefreshToken: p.RefreshToken,
		Scope:        p.Scope,
	}
}
