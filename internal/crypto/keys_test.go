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

package crypto

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TestPurpose: a token signed by the active key must verify successfully
// against the same manager.
// Scope: Unit Test
func TestManager_SignAndVerify_RS256(t *testing.T) {
	m := NewManager()
	if _, err := m.Rotate(AlgRS256); err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}

	claims := jwt.MapClaims{"sub": "user-1", "exp": time.Now().Add(time.Hour).Unix()}
	tok, err := m.SignJWT(claims)
	if err != nil {
		t.Fatalf("SignJWT() error = %v", err)
	}

	parsed := jwt.MapClaims{}
	if _, err := m.VerifyJWT(tok, &parsed); err != nil {
		t.Fatalf("VerifyJWT() error = %v", err)
	}
	if parsed["sub"] != "user-1" {
		t.Fatalf("parsed sub = %v, want user-1", parsed["sub"])
	}
}

// TestPurpose: a token signed under a kid that is not in the verifying
// manager's key set must fail to verify.
// Scope: Unit Test
// Security: prevents permanently-valid tokens from a key that should have
// rotated out.
func TestManager_VerifyJWT_UnknownKid(t *testing.T) {
	m := NewManager()
	if _, err := m.Rotate(AlgRS256); err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}

	claims := jwt.MapClaims{"sub": "user-1"}
	tok, err := m.SignJWT(claims)
	if err != nil {
		t.Fatalf("SignJWT() error = %v", err)
	}

	other := NewManager()
	if _, err := other.Rotate(AlgRS256); err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}

	if _, err := other.VerifyJWT(tok, &jwt.MapClaims{}); err == nil {
		t.Fatalf("VerifyJWT() error = nil, want error for unknown kid")
	}
}

// TestPurpose: rotation keeps the previous key verifiable while changing
// which key new signatures use.
// Scope: Unit Test
func TestManager_Rotate_KeepsOldKeyVerifiable(t *testing.T) {
	m := NewManager()
	first, err := m.Rotate(AlgRS256)
	if err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}

	tokFromFirst, err := m.SignJWT(jwt.MapClaims{"sub": "a"})
	if err != nil {
		t.Fatalf("SignJWT() error = %v", err)
	}

	second, err := m.Rotate(AlgRS256)
	if err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	if second.Kid == first.Kid {
		t.Fatalf("Rotate() produced the same kid twice")
	}

	if _, err := m.VerifyJWT(tokFromFirst, &jwt.MapClaims{}); err != nil {
		t.Fatalf("VerifyJWT() for pre-rotation token error = %v, want nil", err)
	}

	tokFromSecond, err := m.SignJWT(jwt.MapClaims{"sub": "b"})
	if err != nil {
		t.Fatalf("SignJWT() error = %v", err)
	}
	if _, err := m.VerifyJWT(tokFromSecond, &jwt.MapClaims{}); err != nil {
		t.Fatalf("VerifyJWT() for post-rotation token error = %v, want nil", err)
	}
}

// TestPurpose: JWKS() only publishes asymmetric keys, never HMAC secrets.
// Scope: Unit Test
// Security: publishing an HMAC key would let any client mint valid tokens.
func TestManager_JWKS_OmitsHMACKeys(t *testing.T) {
	m := NewManager()
	if _, err := m.Rotate(AlgRS256); err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	if _, err := m.Rotate(AlgHS256); err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}

	set := m.JWKS()
	for _, k := range set.Keys {
		if k.Kty != "RSA" && k.Kty != "EC" {
			t.Fatalf("JWKS() published non-asymmetric key kty=%q", k.Kty)
		}
	}
}

// TestPurpose: a JWT using alg "none" must never verify.
// Scope: Unit Test
// Security: classic JWT alg-confusion / alg:none bypass.
func TestManager_VerifyJWT_RejectsAlgNone(t *testing.T) {
	m := NewManager()
	if _, err := m.Rotate(AlgRS256); err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "attacker"})
	tok, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}

	if _, err := m.VerifyJWT(tok, &jwt.MapClaims{}); err == nil {
		t.Fatalf("VerifyJWT() error = nil, want error for alg:none token")
	}
}
