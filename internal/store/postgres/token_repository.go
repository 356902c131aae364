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
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/authcore/authcore/internal/store"
)

// queryer is satisfied by both *pgxpool.Pool and pgx.Tx, letting the
// insert helpers run either standalone or inside RotateRefreshToken's
// transaction without duplicating the SQL.
type queryer interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// AccessTokenRepository implements store.AccessTokenRepository.
type AccessTokenRepository struct {
	db *DB
}

func NewAccessTokenRepository(db *DB) *AccessTokenRepository {
	return &AccessTokenRepository{db: db}
}

func (r *AccessTokenRepository) Create(ctx context.Context, t *store.AccessToken) error {
	return createAccessToken(ctx, r.db.pool, t)
}

func createAccessToken(ctx context.Context, q queryer, t *store.AccessToken) error {
	var userID interface{}
	if t.UserID != "" {
		userID = t.UserID
	}
	_, err := q.Exec(ctx, `
		INSERT INTO access_tokens (id, token, client_id, user_id, scope, expires_at, revoked, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, t.ID, t.Token, t.ClientID, userID, t.Scope, t.ExpiresAt, t.Revoked, t.CreatedAt)
	if err != nil {
		var pgErr interface{ SQLState() string }
		if errors.As(err, &pgErr) && pgErr.SQLState() == "23505" {
			return store.ErrConflict
		}
		return fmt.Errorf("create access token: %w", err)
	}
	return nil
}

func scanAccessToken(row pgx.Row) (*store.AccessToken, error) {
	var t store.AccessToken
	var userID *string
	err := row.Scan(&t.ID, &t.Token, &t.ClientID, &userID, &t.Scope, &t.ExpiresAt, &t.Revoked, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scan access token: %w", err)
	}
	if userID != nil {
		t.UserID = *userID
	}
	return &t, nil
}

const accessTokenColumns = `id, token, client_id, user_id, scope, expires_at, revoked, created_at`

func (r *AccessTokenRepository) GetByToken(ctx context.Context, token string) (*store.AccessToken, error) {
	row := r.db.pool.QueryRow(ctx, `SELECT `+accessTokenColumns+` FROM access_tokens WHERE token = $1`, token)
	return scanAccessToken(row)
}

func (r *AccessTokenRepository) GetByID(ctx context.Context, id string) (*store.AccessToken, error) {
	row := r.db.pool.QueryRow(ctx, `SELECT `+accessTokenColumns+` FROM access_tokens WHERE id = $1`, id)
	return scanAccessToken(row)
}

func (r *AccessTokenRepository) Revoke(ctx context.Context, token string) error {
	_, err := r.db.pool.Exec(ctx, `UPDATE access_tokens SET revoked = true WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (r *AccessTokenRepository) RevokeByID(ctx context.Context, id string) error {
	_, err := r.db.pool.Exec(ctx, `UPDATE access_tokens SET revoked = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (r *AccessTokenRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.pool.Exec(ctx, `DELETE FROM access_tokens WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired access tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RefreshTokenRepository implements store.RefreshTokenRepository.
type RefreshTokenRepository struct {
	db *DB
}

func NewRefreshTokenRepository(db *DB) *RefreshTokenRepository {
	return &RefreshTokenRepository{db: db}
}

func (r *RefreshTokenRepository) Create(ctx context.Context, t *store.RefreshToken) error {
	return createRefreshToken(ctx, r.db.pool, t)
}

func createRefreshToken(ctx context.Context, q queryer, t *store.RefreshToken) error {
	var userID interface{}
	if t.UserID != "" {
		userID = t.UserID
	}
	_, err := q.Exec(ctx, `
		INSERT INTO refresh_tokens (id, token, client_id, user_id, scope, expires_at, revoked, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, t.ID, t.Token, t.ClientID, userID, t.Scope, t.ExpiresAt, t.Revoked, t.CreatedAt)
	if err != nil {
		var pgErr interface{ SQLState() string }
		if errors.As(err, &pgErr) && pgErr.SQLState() == "23505" {
			return store.ErrConflict
		}
		return fmt.Errorf("create refresh token: %w", err)
	}
	return nil
}

const refreshTokenColumns = `id, token, client_id, user_id, scope, expires_at, revoked, created_at`

func (r *RefreshTokenRepository) GetByToken(ctx context.Context, token string) (*store.RefreshToken, error) {
	var t store.RefreshToken
	var userID *string
	err := r.db.pool.QueryRow(ctx, `SELECT `+refreshTokenColumns+` FROM refresh_tokens WHERE token = $1`, token).Scan(
		&t.ID, &t.Token, &t.ClientID, &userID, &t.Scope, &t.ExpiresAt, &t.Revoked, &t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get refresh token: %w", err)
	}
	if userID != nil {
		t.UserID = *userID
	}
	return &t, nil
}

func (r *RefreshTokenRepository) Revoke(ctx context.Context, token string) error {
	_, err := r.db.pool.Exec(ctx, `UPDATE refresh_tokens SET revoked = true WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

func (r *RefreshTokenRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired refresh tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RotateRefreshToken deletes oldToken and inserts newRefresh and
// newAccess within one transaction: a refresh either lands entirely or
// leaves the store exactly as it found it, so a partial mint (old token
// burned, new one missing) can never be observed.
func (r *RefreshTokenRepository) RotateRefreshToken(ctx context.Context, oldToken string, newRefresh *store.RefreshToken, newAccess *store.AccessToken) error {
	tx, err := r.db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin rotate transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM refresh_tokens WHERE token = $1`, oldToken)
	if err != nil {
		return fmt.Errorf("delete old refresh token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}

	if newRefresh != nil {
		if err := createRefreshToken(ctx, tx, newRefresh); err != nil {
			return err
		}
	}
	if err := createAccessToken(ctx, tx, newAccess); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
