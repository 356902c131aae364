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

package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/authcore/authcore/internal/store"
)

// PostgresStore implements store.Store by composing the individual
// pgx/v5-backed repositories and the two cross-entity operations that
// don't belong to a single table.
type PostgresStore struct {
	db *DB

	users       *UserRepository
	clients     *ClientRepository
	codes       *CodeRepository
	accessToks  *AccessTokenRepository
	refreshToks *RefreshTokenRepository
	permissions *PermissionRepository
}

// NewPostgresStore wires every repository against the shared pool.
func NewPostgresStore(db *DB) *PostgresStore {
	return &PostgresStore{
		db:          db,
		users:       NewUserRepository(db),
		clients:     NewClientRepository(db),
		codes:       NewCodeRepository(db),
		accessToks:  NewAccessTokenRepository(db),
		refreshToks: NewRefreshTokenRepository(db),
		permissions: NewPermissionRepository(db),
	}
}

func (s *PostgresStore) Users() store.UserRepository               { return s.users }
func (s *PostgresStore) Clients() store.ClientRepository            { return s.clients }
func (s *PostgresStore) Codes() store.CodeRepository                { return s.codes }
func (s *PostgresStore) AccessTokens() store.AccessTokenRepository  { return s.accessToks }
func (s *PostgresStore) RefreshTokens() store.RefreshTokenRepository { return s.refreshToks }
func (s *PostgresStore) Permissions() store.PermissionRepository    { return s.permissions }

// RevokeAllForUser deletes every access and refresh token belonging to
// userID within one transaction, used both for administrative action
// and as the defensive response to detected refresh-token replay.
func (s *PostgresStore) RevokeAllForUser(ctx context.Context, userID string) error {
	tx, err := s.db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin revoke-all transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM access_tokens WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("revoke all access tokens: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM refresh_tokens WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("revoke all refresh tokens: %w", err)
	}
	return tx.Commit(ctx)
}

// SweepExpired bulk-deletes codes and tokens with expiresAt < now. Each
// table's delete commits independently; a sweep interrupted partway
// through still leaves every table internally consistent, and a second
// call with the same now deletes nothing further.
func (s *PostgresStore) SweepExpired(ctx context.Context, now time.Time) (store.SweepCounts, error) {
	var counts store.SweepCounts
	var err error

	counts.Codes, err = s.codes.DeleteExpired(ctx, now)
	if err != nil {
		return counts, err
	}
	counts.AccessTokens, err = s.accessToks.DeleteExpired(ctx, now)
	if err != nil {
		return counts, err
	}
	counts.RefreshTokens, err = s.refreshToks.DeleteExpired(ctx, now)
	if err != nil {
		return counts, err
	}
	return counts, nil
}
