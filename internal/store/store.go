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

package store

import (
	"context"
	"time"
)

// UserRepository is CRUD plus lookup-by-username for User rows.
type UserRepository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id string) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	Update(ctx context.Context, u *User) error
	Delete(ctx context.Context, id string) error
}

// ClientRepository is CRUD plus lookup-by-public-id for Client rows.
type ClientRepository interface {
	Create(ctx context.Context, c *Client) error
	GetByID(ctx context.Context, id string) (*Client, error)
	GetByClientID(ctx context.Context, clientID string) (*Client, error)
	Update(ctx context.Context, c *Client) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Client, error)
}

// ClientAssertionJTIRepository records private_key_jwt assertion jtis
// (RFC 7523 §3) seen per client, so replay detection survives across
// server instances and restarts instead of living only in one
// process's memory.
type ClientAssertionJTIRepository interface {
	// Observe atomically records (clientID, jti) and reports true if this
	// is the first time it has been seen; false means a replay.
	Observe(ctx context.Context, clientID, jti string, expiresAt time.Time) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// CodeRepository manages AuthorizationCode rows. CreateIfAbsent and
// ConsumeCode are the two atomic primitives §4.2 requires; every other
// method is plain CRUD for administrative use.
type CodeRepository interface {
	// CreateIfAbsent inserts code, failing with ErrConflict if the code
	// string already exists, relying on a unique constraint rather than a
	// prior SELECT so concurrent mints of the same random string can
	// never both succeed.
	CreateIfAbsent(ctx context.Context, c *AuthorizationCode) error

	// ConsumeCode reads and deletes the row for code in one transaction,
	// returning ErrNotFound if absent. This is the sole anti-replay
	// primitive: once it returns successfully, the code can never be
	// consumed again, even by a concurrent caller racing this one.
	ConsumeCode(ctx context.Context, code string) (*AuthorizationCode, error)

	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// AccessTokenRepository manages AccessToken rows.
type AccessTokenRepository interface {
	Create(ctx context.Context, t *AccessToken) error
	GetByToken(ctx context.Context, token string) (*AccessToken, error)
	// GetByID looks a row up by its row id, used to check jti-based
	// revocation state for JWT-format access tokens.
	GetByID(ctx context.Context, id string) (*AccessToken, error)
	Revoke(ctx context.Context, token string) error
	RevokeByID(ctx context.Context, id string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// RefreshTokenRepository manages RefreshToken rows.
type RefreshTokenRepository interface {
	Create(ctx context.Context, t *RefreshToken) error
	GetByToken(ctx context.Context, token string) (*RefreshToken, error)
	Revoke(ctx context.Context, token string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)

	// RotateRefreshToken deletes oldToken and inserts newRefresh and
	// newAccess within one transaction, failing atomically: either all
	// three operations land or none do, so a refresh can never leave the
	// store with a burned old token and no replacement.
	RotateRefreshToken(ctx context.Context, oldToken string, newRefresh *RefreshToken, newAccess *AccessToken) error
}

// PermissionRepository manages Resource, Permission and
// UserResourcePermission rows, plus the generation counter the
// PermissionEvaluator's cache uses for invalidation.
type PermissionRepository interface {
	GetResourceByName(ctx context.Context, name string) (*Resource, error)
	GetPermissionByName(ctx context.Context, name string) (*Permission, error)
	GetResourceByID(ctx context.Context, id string) (*Resource, error)
	GetPermissionByID(ctx context.Context, id string) (*Permission, error)

	// Check reports whether the (userID, resourceID, permissionID) triple
	// exists — the entire authorization decision for the permission layer.
	Check(ctx context.Context, userID, resourceID, permissionID string) (bool, error)

	ListForUser(ctx context.Context, userID string) ([]*UserResourcePermission, error)

	Grant(ctx context.Context, userID, resourceID, permissionID string) error
	Revoke(ctx context.Context, userID, resourceID, permissionID string) error

	// Generation returns a monotonic counter bumped on every write to
	// UserResourcePermission, Resource or Permission. The evaluator's
	// cache compares this against the value it cached to decide whether
	// a cached ALLOW/DENY is still trustworthy, without needing pub/sub.
	Generation(ctx context.Context) (uint64, error)
}

// Store bundles every repository the core components depend on, plus the
// two cross-entity operations that don't belong to a single table.
type Store interface {
	Users() UserRepository
	Clients() ClientRepository
	Codes() CodeRepository
	AccessTokens() AccessTokenRepository
	RefreshTokens() RefreshTokenRepository
	Permissions() PermissionRepository

	// RevokeAllForUser deletes every access and refresh token belonging
	// to userID, used both for administrative action and as the
	// defensive response to detected refresh-token replay.
	RevokeAllForUser(ctx context.Context, userID string) error

	// SweepExpired bulk-deletes codes and tokens with expiresAt < now,
	// returning per-table counts. Idempotent: a second call with the
	// same now deletes nothing further.
	SweepExpired(ctx context.Context, now time.Time) (SweepCounts, error)
}
