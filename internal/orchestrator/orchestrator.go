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

// Package orchestrator is the AuthorizationOrchestrator: the /authorize
// endpoint's state machine, independent of any HTTP framework.
package orchestrator

import (
	"context"
	"net/url"
	"strings"

	"github.com/authcore/authcore/internal/authzcode"
	"github.com/authcore/authcore/internal/client"
	"github.com/authcore/authcore/internal/oauthproto"
	"github.com/authcore/authcore/internal/store"
)

// State names the orchestrator's position in the RFC 6749 §4.1
// authorization flow.
type State string

const (
	StateRequestValidating State = "RequestValidating"
	StateAuthenticating    State = "Authenticating"
	StateConsenting        State = "Consenting"
	StateIssuingCode       State = "IssuingCode"
	StateCompleted         State = "Completed"
	StateError             State = "Error"
	StateAccessDenied      State = "AccessDenied"
	StateLoginRequired     State = "LoginRequired"
)

// Request is the normalized /authorize input, independent of how it was
// transported (query string, form, etc).
type Request struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string

	// UserID is the authenticated resource-owner, or empty if the caller
	// has not yet established a session. An empty UserID always yields
	// StateLoginRequired; the HTTP boundary owns presenting and
	// completing the login flow, then re-entering Authorize with UserID
	// populated.
	UserID string

	// ConsentGranted tells Consenting whether the user has already
	// agreed to this scope at this client. The HTTP boundary owns
	// collecting consent; this orchestrator just makes the state
	// transition from it.
	ConsentGranted bool
}

// Result is the outcome of one Authorize call.
type Result struct {
	State State

	// RedirectURL is set whenever the outcome can be safely delivered by
	// redirecting the user agent — Completed, and Error/AccessDenied
	// once redirect_uri has been validated.
	RedirectURL string

	// OAuthErr is set for StateError, whether or not RedirectURL is also
	// set: the HTTP boundary uses it to render a direct JSON error when
	// RedirectURL is empty, and to populate error/error_description
	// query params otherwise.
	OAuthErr *oauthproto.Error

	// LoginClientID is a descriptive payload for the HTTP boundary to
	// start its own login UI in state StateLoginRequired; orchestrating
	// the login flow itself is explicitly not this package's concern.
	LoginClientID string
}

// Orchestrator drives the /authorize state machine.
type Orchestrator struct {
	clients *client.Registry
	codes   *authzcode.Service
}

// New builds an Orchestrator.
func New(clients *client.Registry, codes *authzcode.Service) *Orchestrator {
	return &Orchestrator{clients: clients, codes: codes}
}

// Authorize runs req through RequestValidating -> Authenticating ->
// Consenting -> IssuingCode, short-circuiting to Error/AccessDenied/
// LoginRequired as appropriate. redirect_uri is validated before any
// other request parameter, per RFC 6749 §4.1.2.1: an attacker-controlled
// or unregistered redirect_uri must never receive an error redirect.
func (o *Orchestrator) Authorize(ctx context.Context, req Request) Result {
	c, err := o.clients.ResolveClient(ctx, req.ClientID)
	if err != nil {
		return Result{State: StateError, OAuthErr: oauthproto.New(oauthproto.ErrInvalidRequest, "invalid client_id")}
	}

	if !o.clients.ValidateRedirectURI(c, req.RedirectURI) {
		return Result{State: StateError, OAuthErr: oauthproto.New(oauthproto.ErrInvalidRequest, "invalid redirect_uri")}
	}

	// Every subsequent Error result is now safe to deliver as a redirect,
	// since redirect_uri has been confirmed to belong to this client.
	if req.ResponseType != "code" {
		return o.errorResult(req, oauthproto.New(oauthproto.ErrUnsupportedResponseType, "response_type must be 'code'"))
	}

	if req.Scope != "" && !scopeAllowed(c, req.Scope) {
		return o.errorResult(req, oauthproto.New(oauthproto.ErrInvalidScope, "scope not permitted for this client"))
	}

	if req.CodeChallenge != "" {
		m := req.CodeChallengeMethod
		if m == "" {
			m = "plain"
		}
		if m != "plain" && m != "S256" {
			return o.errorResult(req, oauthproto.New(oauthproto.ErrInvalidRequest, "unsupported code_challenge_method"))
		}
	}

	if req.UserID == "" {
		return Result{State: StateLoginRequired, LoginClientID: c.ClientID}
	}

	if !req.ConsentGranted {
		return Result{State: StateAccessDenied, RedirectURL: buildRedirect(req.RedirectURI, map[string]string{
			"error":             oauthproto.ErrAccessDenied,
			"error_description": "consent not granted",
			"state":             req.State,
		})}
	}

	code, err := o.codes.IssueCode(ctx, c.ClientID, req.UserID, req.RedirectURI, req.Scope, req.CodeChallenge, req.CodeChallengeMethod)
	if err != nil {
		return o.errorResult(req, oauthproto.New(oauthproto.ErrServerError, "failed to issue authorization code"))
	}

	return Result{
		State: StateCompleted,
		RedirectURL: buildRedirect(req.RedirectURI, map[string]string{
			"code":  code.Code,
			"state": req.State,
		}),
	}
}

func (o *Orchestrator) errorResult(req Request, oe *oauthproto.Error) Result {
	return Result{
		State:    StateError,
		OAuthErr: oe,
		RedirectURL: buildRedirect(req.RedirectURI, map[string]string{
			"error":             oe.Code,
			"error_description": oe.Description,
			"state":             req.State,
		}),
	}
}

func scopeAllowed(c *store.Client, scope string) bool {
	for _, s := range strings.Fields(scope) {
		if !c.AllowsScope(s) {
			return false
		}
	}
	return true
}

// buildRedirect appends params to rawURL using proper query escaping;
// empty values are omitted so e.g. an absent state never becomes a
// literal "state=" in the redirect.
func buildRedirect(rawURL string, params map[string]string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	for k, v := range params {
		if v == "" {
			continue
		}
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
