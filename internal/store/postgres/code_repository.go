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

	"github.com/authcore/authcore/internal/store"
)

// CodeRepository implements store.CodeRepository.
type CodeRepository struct {
	db *DB
}

func NewCodeRepository(db *DB) *CodeRepository {
	return &CodeRepository{db: db}
}

// CreateIfAbsent relies on the unique constraint on the code column
// rather than a prior SELECT, so two concurrent mints of the same random
// string can never both succeed silently.
func (r *CodeRepository) CreateIfAbsent(ctx context.Context, c *store.AuthorizationCode) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO authorization_codes (
			id, code, client_id, redirect_uri, user_id, scope,
			code_challenge, code_challenge_method, expires_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		c.ID, c.Code, c.ClientID, c.RedirectURI, c.UserID, c.Scope,
		c.CodeChallenge, c.CodeChallengeMethod, c.ExpiresAt, c.CreatedAt,
	)
	if err != nil {
		var pgErr interface{ SQLState() string }
		if errors.As(err, &pgErr) && pgErr.SQLState() == "23505" {
			return store.ErrConflict
		}
		return fmt.Errorf("create authorization code: %w", err)
	}
	return nil
}

// ConsumeCode deletes the row for code and returns what was deleted in a
// single statement. DELETE ... RETURNING takes the row lock and removes
// the row atomically, so of two concurrent callers racing the same code,
// exactly one observes the row and one gets ErrNotFound — there is no
// window between "read" and "delete" for a second reader to slip through.
func (r *CodeRepository) ConsumeCode(ctx context.Context, code string) (*store.AuthorizationCode, error) {
	var c store.AuthorizationCode
	err := r.db.pool.QueryRow(ctx, `
		DELETE FROM authorization_codes WHERE code = $1
		RETURNING id, code, client_id, redirect_uri, user_id, scope,
			code_challenge, code_challenge_method, expires_at, created_at
	`, code).Scan(
		&c.ID, &c.Code, &c.ClientID, &c.RedirectURI, &c.UserID, &c.Scope,
		&c.CodeChallenge, &c.CodeChallengeMethod, &c.ExpiresAt, &c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("consume authorization code: %w", err)
	}
	return &c, nil
}

func (r *CodeRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.pool.Exec(ctx, `DELETE FROM authorization_codes WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired codes: %w", err)
	}
	return tag.RowsAffected(), nil
}
