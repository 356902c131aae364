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

// Package oauthproto holds the wire-level error taxonomy shared by the
// authorization, token, introspection and revocation endpoints.
package oauthproto

import "fmt"

// Error is a protocol-level OAuth2/OIDC error as defined by RFC 6749 §5.2
// and RFC 6750 §3.1.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	URI         string `json:"error_uri,omitempty"`
	State       string `json:"state,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("oauth2 error: %s (%s)", e.Code, e.Description)
}

// Standard error codes. invalid_request through temporarily_unavailable are
// RFC 6749; invalid_token and insufficient_scope are RFC 6750; access_denied
// is the authorization-endpoint-only code from RFC 6749 §4.1.2.1.
const (
	ErrInvalidRequest         = "invalid_request"
	ErrInvalidClient          = "invalid_client"
	ErrInvalidGrant           = "invalid_grant"
	ErrUnauthorizedClient     = "unauthorized_client"
	ErrUnsupportedGrantType   = "unsupported_grant_type"
	ErrUnsupportedResponseType = "unsupported_response_type"
	ErrUnsupportedTokenType   = "unsupported_token_type"
	ErrInvalidScope           = "invalid_scope"
	ErrServerError            = "server_error"
	ErrTemporarilyUnavailable = "temporarily_unavailable"
	ErrAccessDenied           = "access_denied"
	ErrInvalidToken           = "invalid_token"
	ErrInsufficientScope      = "insufficient_scope"
)

// New builds a protocol error with the given code and description.
func New(code, description string) *Error {
	return &Error{Code: code, Description: description}
}

// WithState attaches the state parameter the client sent on the original
// request, so the redirect back to it can echo it per RFC 6749 §4.1.2.1.
func (e *Error) WithState(state string) *Error {
	e.State = state
	return e
}

// WithURI attaches an error_uri pointing at human-readable documentation.
func (e *Error) WithURI(uri string) *Error {
	e.URI = uri
	return e
}

// HTTPStatus maps a protocol error code to the status code the HTTP
// transport should respond with.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case ErrInvalidClient:
		return 401
	case ErrInvalidToken:
		return 401
	case ErrInsufficientScope:
		return 401
	case ErrAccessDenied:
		return 403
	case ErrServerError:
		return 500
	case ErrTemporarilyUnavailable:
		return 503
	default:
		return 400
	}
}

// WWWAuthenticate builds the WWW-Authenticate challenge header value for
// a 401 response. invalid_client challenges with Basic, since that is
// the scheme the client authenticated (or failed to authenticate) with
// at the token/revocation/introspection endpoints; invalid_token and
// insufficient_scope challenge with Bearer per RFC 6750 §3.
func (e *Error) WWWAuthenticate(realm string) string {
	switch e.Code {
	case ErrInvalidClient:
		return fmt.Sprintf(`Basic realm=%q`, realm)
	case ErrInvalidToken, ErrInsufficientScope:
		return fmt.Sprintf(`Bearer realm=%q, error=%q, error_description=%q`, realm, e.Code, e.Description)
	default:
		return fmt.Sprintf(`Bearer realm=%q`, realm)
	}
}
