// Package id generates the identifiers used across authcore's domain
// types: UUIDv7 for rows that benefit from roughly time-ordered primary
// keys (users, clients, tokens, codes), and opaque random strings for
// secrets that must never leak structure.
package id

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/google/uuid"
)

// NewUUIDv7 returns a new UUIDv7 string. UUIDv7 embeds a millisecond
// timestamp in its high bits, which keeps btree primary key inserts
// mostly sequential compared to UUIDv4.
func NewUUIDv7() string {
	u, err := uuid.NewV7()
	if err != nil {
		// crypto/rand failure; fall back to v4 rather than panic.
		return uuid.NewString()
	}
	return u.String()
}

// Random returns a URL-safe, base64-encoded string of n random bytes,
// suitable for bearer tokens, authorization codes and client secrets.
func Random(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
