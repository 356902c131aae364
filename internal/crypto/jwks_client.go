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
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// MaxCacheTTL bounds how long a fetched JWKS is trusted regardless of
// what its Cache-Control header asks for.
const MaxCacheTTL = time.Hour

// NegativeCacheTTL is how long a failed fetch is remembered, so a
// jwks_uri that is down doesn't get hit again on every token request.
const NegativeCacheTTL = 60 * time.Second

// jwksCacheEntry is one client's cached, parsed key set.
type jwksCacheEntry struct {
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
	ttl       time.Duration
}

// JWKSClient fetches and caches remote JSON Web Key Sets, used to verify
// private_key_jwt client assertions (RFC 7523) against a client's own
// published jwks_uri. Concurrent requests for the same URL while the
// cache entry is stale are coalesced with singleflight, so a burst of
// token requests from one client triggers one HTTP fetch, not N.
type JWKSClient struct {
	httpClient *http.Client
	ttl        time.Duration

	mu       sync.RWMutex
	cache    map[string]jwksCacheEntry
	failures map[string]time.Time

	group singleflight.Group
}

// NewJWKSClient builds a client caching entries for ttl.
func NewJWKSClient(httpClient *http.Client, ttl time.Duration) *JWKSClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &JWKSClient{
		httpClient: httpClient,
		ttl:        ttl,
		cache:      make(map[string]jwksCacheEntry),
		failures:   make(map[string]time.Time),
	}
}

// Key returns the RSA public key for kid published at jwksURI, fetching
// and caching the set if absent or expired.
func (c *JWKSClient) Key(ctx context.Context, jwksURI, kid string) (*rsa.PublicKey, error) {
	entry, ok := c.cachedEntry(jwksURI)
	if ok {
		if key, found := entry.keys[kid]; found {
			return key, nil
		}
		// Key not in the cached set: it may be a just-rotated key, so
		// fall through to a refetch rather than failing immediately.
	}

	// Any cached entry, expired or not, is the fallback while the
	// client's jwks_uri is unreachable.
	c.mu.RLock()
	stale, haveStale := c.cache[jwksURI]
	c.mu.RUnlock()

	if failedAt, recent := c.recentFailure(jwksURI); recent {
		if haveStale {
			if key, found := stale.keys[kid]; found {
				return key, nil
			}
		}
		return nil, fmt.Errorf("crypto: jwks_uri %s failed recently (at %s), not retrying yet", jwksURI, failedAt)
	}

	refreshed, err := c.fetch(ctx, jwksURI)
	if err != nil {
		c.recordFailure(jwksURI)
		if haveStale {
			// Serve the stale entry rather than fail a verification
			// outright when the client's jwks_uri is transiently down.
			if key, found := stale.keys[kid]; found {
				return key, nil
			}
		}
		return nil, err
	}
	c.clearFailure(jwksURI)

	key, found := refreshed.keys[kid]
	if !found {
		return nil, fmt.Errorf("crypto: kid %q not found in %s", kid, jwksURI)
	}
	return key, nil
}

func (c *JWKSClient) cachedEntry(jwksURI string) (jwksCacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.cache[jwksURI]
	if !ok || time.Since(entry.fetchedAt) > entry.ttl {
		return jwksCacheEntry{}, false
	}
	return entry, true
}

func (c *JWKSClient) recentFailure(jwksURI string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	failedAt, ok := c.failures[jwksURI]
	if !ok || time.Since(failedAt) > NegativeCacheTTL {
		return time.Time{}, false
	}
	return failedAt, true
}

func (c *JWKSClient) recordFailure(jwksURI string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[jwksURI] = time.Now()
}

func (c *JWKSClient) clearFailure(jwksURI string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.failures, jwksURI)
}

// parseMaxAge extracts max-age from a Cache-Control header value; the
// second return is false if no valid, positive max-age is present.
func parseMaxAge(cacheControl string) (time.Duration, bool) {
	for _, directive := range strings.Split(cacheControl, ",") {
		directive = strings.TrimSpace(directive)
		const prefix = "max-age="
		if !strings.HasPrefix(strings.ToLower(directive), prefix) {
			continue
		}
		seconds, err := strconv.Atoi(directive[len(prefix):])
		if err != nil || seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	return 0, false
}

func (c *JWKSClient) fetch(ctx context.Context, jwksURI string) (jwksCacheEntry, error) {
	v, err, _ := c.group.Do(jwksURI, func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURI, nil)
		if err != nil {
			return jwksCacheEntry{}, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return jwksCacheEntry{}, fmt.Errorf("crypto: fetch jwks: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return jwksCacheEntry{}, fmt.Errorf("crypto: fetch jwks: status %d: %s", resp.StatusCode, body)
		}

		var doc JWKS
		if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
			return jwksCacheEntry{}, fmt.Errorf("crypto: decode jwks: %w", err)
		}

		keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
		for _, jwk := range doc.Keys {
			if jwk.Kty != "RSA" {
				continue
			}
			nBytes, err := base64.RawURLEncoding.DecodeString(jwk.N)
			if err != nil {
				continue
			}
			eBytes, err := base64.RawURLEncoding.DecodeString(jwk.E)
			if err != nil {
				continue
			}
			e := 0
			for _, b := range eBytes {
				e = e<<8 | int(b)
			}
			keys[jwk.Kid] = &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}
		}

		ttl := c.ttl
		if maxAge, ok := parseMaxAge(resp.Header.Get("Cache-Control")); ok {
			ttl = maxAge
			if ttl > MaxCacheTTL {
				ttl = MaxCacheTTL
			}
		}

		entry := jwksCacheEntry{keys: keys, fetchedAt: time.Now(), ttl: ttl}
		c.mu.Lock()
		c.cache[jwksURI] = entry
		c.mu.Unlock()
		return entry, nil
	})
	if err != nil {
		return jwksCacheEntry{}, err
	}
	return v.(jwksCacheEntry), nil
}
