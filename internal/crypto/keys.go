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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Algorithm identifies a JWT signing algorithm supported by the key
// manager. Only asymmetric algorithms are published in the JWKS; HS256
// is used for deployments that keep token verification in-process only.
type Algorithm string

const (
	AlgRS256 Algorithm = "RS256"
	AlgES256 Algorithm = "ES256"
	AlgHS256 Algorithm = "HS256"
)

// SigningKey is one generation of signing material, addressable by kid.
// A kid's material never changes once published; rotation always mints a
// new kid rather than mutating an existing one, since old JWTs must keep
// verifying until they expire.
type SigningKey struct {
	Kid        string
	Alg        Algorithm
	RSAPrivate *rsa.PrivateKey
	ECPrivate  *ecdsa.PrivateKey
	HMACSecret []byte
	CreatedAt  time.Time
}

// verificationKey returns the verification key jwt.Parser expects.
func (k *SigningKey) verificationKey() (interface{}, error) {
	switch k.Alg {
	case AlgRS256:
		return &k.RSAPrivate.PublicKey, nil
	case AlgES256:
		return &k.ECPrivate.PublicKey, nil
	case AlgHS256:
		return k.HMACSecret, nil
	default:
		return nil, fmt.Errorf("crypto: unsupported algorithm %q", k.Alg)
	}
}

func (k *SigningKey) signingKey() (interface{}, error) {
	switch k.Alg {
	case AlgRS256:
		return k.RSAPrivate, nil
	case AlgES256:
		return k.ECPrivate, nil
	case AlgHS256:
		return k.HMACSecret, nil
	default:
		return nil, fmt.Errorf("crypto: unsupported algorithm %q", k.Alg)
	}
}

func signingMethod(alg Algorithm) jwt.SigningMethod {
	switch alg {
	case AlgRS256:
		return jwt.SigningMethodRS256
	case AlgES256:
		return jwt.SigningMethodES256
	case AlgHS256:
		return jwt.SigningMethodHS256
	default:
		return nil
	}
}

// Manager holds the active signing key plus every still-valid key,
// keyed by kid, so JWTs signed before a rotation keep verifying until
// they age out. Rotation swaps the keys map via copy-on-write, so readers
// never block on a mutex.
type Manager struct {
	mu     sync.Mutex // serializes rotation writers only
	active atomic.Pointer[SigningKey]
	keys   atomic.Pointer[map[string]*SigningKey]
}

// NewManager returns an empty key manager; call Rotate to mint the first key.
func NewManager() *Manager {
	m := &Manager{}
	empty := map[string]*SigningKey{}
	m.keys.Store(&empty)
	return m
}

// computeKid derives a stable key identifier from key material so the
// same key always produces the same kid across restarts when the key is
// loaded from persistent storage, following the thumbprint approach
// used for RSA keys: SHA-256 of the public modulus, truncated.
func computeKid(material []byte) string {
	sum := sha256.Sum256(material)
	return base64.RawURLEncoding.EncodeToString(sum[:16])
}

// Rotate generates a new signing key for alg, makes it the active key for
// future signing, and adds it to the verification set.
func (m *Manager) Rotate(alg Algorithm) (*SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := &SigningKey{Alg: alg, CreatedAt: time.Now()}

	switch alg {
	case AlgRS256:
		priv, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("crypto: generate rsa key: %w", err)
		}
		key.RSAPrivate = priv
		key.Kid = computeKid(priv.PublicKey.N.Bytes())
	case AlgES256:
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("crypto: generate ec key: %w", err)
		}
		key.ECPrivate = priv
		key.Kid = computeKid(append(priv.PublicKey.X.Bytes(), priv.PublicKey.Y.Bytes()...))
	case AlgHS256:
		secret, err := RandomToken(32)
		if err != nil {
			return nil, err
		}
		key.HMACSecret = []byte(secret)
		key.Kid = computeKid(key.HMACSecret)
	default:
		return nil, fmt.Errorf("crypto: unsupported algorithm %q", alg)
	}

	m.addKey(key)
	m.active.Store(key)
	return key, nil
}

// LoadKey installs an externally-provided key (e.g. read from the Store
// at startup) into the verification set without changing which key is
// active for new signatures.
func (m *Manager) LoadKey(key *SigningKey) {
	m.addKey(key)
}

// SetActive marks an already-loaded kid as the active signing key.
func (m *Manager) SetActive(kid string) bool {
	keys := *m.keys.Load()
	key, ok := keys[kid]
	if !ok {
		return false
	}
	m.active.Store(key)
	return true
}

func (m *Manager) addKey(key *SigningKey) {
	for {
		old := m.keys.Load()
		next := make(map[string]*SigningKey, len(*old)+1)
		for k, v := range *old {
			next[k] = v
		}
		next[key.Kid] = key
		if m.keys.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Prune removes kids older than maxAge from the verification set, other
// than the currently active key.
func (m *Manager) Prune(maxAge time.Duration) {
	active := m.active.Load()
	cutoff := time.Now().Add(-maxAge)
	for {
		old := m.keys.Load()
		next := make(map[string]*SigningKey, len(*old))
		for k, v := range *old {
			if v.CreatedAt.After(cutoff) || (active != nil && k == active.Kid) {
				next[k] = v
			}
		}
		if m.keys.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Active returns the current signing key, or nil if Rotate was never called.
func (m *Manager) Active() *SigningKey {
	return m.active.Load()
}

// SignJWT signs claims with the active key and returns the compact JWT.
func (m *Manager) SignJWT(claims jwt.Claims) (string, error) {
	key := m.active.Load()
	if key == nil {
		return "", fmt.Errorf("crypto: no active signing key")
	}
	token := jwt.NewWithClaims(signingMethod(key.Alg), claims)
	token.Header["kid"] = key.Kid
	signingKey, err := key.signingKey()
	if err != nil {
		return "", err
	}
	return token.SignedString(signingKey)
}

// VerifyJWT parses and verifies tokenString into claims, rejecting
// alg:none, any algorithm mismatch between the token header and the
// key registered under its kid, and unknown kids.
func (m *Manager) VerifyJWT(tokenString string, claims jwt.Claims) (*jwt.Token, error) {
	keys := *m.keys.Load()

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := keys[kid]
		if !ok {
			return nil, fmt.Errorf("crypto: unknown kid %q", kid)
		}
		if t.Method.Alg() != string(key.Alg) {
			return nil, fmt.Errorf("crypto: algorithm mismatch for kid %q", kid)
		}
		return key.verificationKey()
	}, jwt.WithValidMethods([]string{string(AlgRS256), string(AlgES256), string(AlgHS256)}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("crypto: invalid token")
	}
	return token, nil
}

// JWK is one entry of a published JSON Web Key Set.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
}

// JWKS is the JSON Web Key Set document served at the jwks_uri.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWKS builds the publishable key set: every asymmetric key currently in
// the verification set. HMAC keys are never published, since publishing
// them would hand out the verification secret itself.
func (m *Manager) JWKS() JWKS {
	keys := *m.keys.Load()
	out := JWKS{Keys: make([]JWK, 0, len(keys))}
	for _, k := range keys {
		switch k.Alg {
		case AlgRS256:
			out.Keys = append(out.Keys, JWK{
				Kty: "RSA",
				Use: "sig",
				Kid: k.Kid,
				Alg: string(AlgRS256),
				N:   base64.RawURLEncoding.EncodeToString(k.RSAPrivate.PublicKey.N.Bytes()),
				E:   base64.RawURLEncoding.EncodeToString(bigEndianUint(k.RSAPrivate.PublicKey.E)),
			})
		case AlgES256:
			out.Keys = append(out.Keys, JWK{
				Kty: "EC",
				Use: "sig",
				Kid: k.Kid,
				Alg: string(AlgES256),
				Crv: "P-256",
				X:   base64.RawURLEncoding.EncodeToString(k.ECPrivate.PublicKey.X.Bytes()),
				Y:   base64.RawURLEncoding.EncodeToString(k.ECPrivate.PublicKey.Y.Bytes()),
			})
		}
	}
	return out
}

func bigEndianUint(v int) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	i := 0
	for i < len(buf)-1 && buf[i] == 0 {
		i++
	}
	return buf[i:]
}
