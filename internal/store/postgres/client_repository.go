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
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/authcore/authcore/internal/store"
)

// ClientRepository implements store.ClientRepository.
type ClientRepository struct {
	db *DB
}

func NewClientRepository(db *DB) *ClientRepository {
	return &ClientRepository{db: db}
}

func (r *ClientRepository) Create(ctx context.Context, c *store.Client) error {
	redirectURIs, err := json.Marshal(c.RedirectURIs)
	if err != nil {
		return fmt.Errorf("marshal redirect_uris: %w", err)
	}
	allowedScopes, err := json.Marshal(c.AllowedScopes)
	if err != nil {
		return fmt.Errorf("marshal allowed_scopes: %w", err)
	}
	grantTypes, err := json.Marshal(c.GrantTypes)
	if err != nil {
		return fmt.Errorf("marshal grant_types: %w", err)
	}

	_, err = r.db.pool.Exec(ctx, `
		INSERT INTO oauth2_clients (
			id, client_id, client_secret_hash, client_name,
			redirect_uris, allowed_scopes, grant_types,
			token_endpoint_auth_method, jwks_uri, is_confidential, is_active,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		c.ID, c.ClientID, c.ClientSecretHash, c.ClientName,
		redirectURIs, allowedScopes, grantTypes,
		c.TokenEndpointAuthMethod, c.JWKSURI, c.IsConfidential, c.IsActive,
		c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		var pgErr interface{ SQLState() string }
		if errors.As(err, &pgErr) && pgErr.SQLState() == "23505" {
			return store.ErrConflict
		}
		return fmt.Errorf("create client: %w", err)
	}
	return nil
}

func (r *ClientRepository) scanClient(row pgx.Row) (*store.Client, error) {
	var c store.Client
	var redirectURIs, allowedScopes, grantTypes []byte
	err := row.Scan(
		&c.ID, &c.ClientID, &c.ClientSecretHash, &c.ClientName,
		&redirectURIs, &allowedScopes, &grantTypes,
		&c.TokenEndpointAuthMethod, &c.JWKSURI, &c.IsConfidential, &c.IsActive,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scan client: %w", err)
	}
	if err := json.Unmarshal(redirectURIs, &c.RedirectURIs); err != nil {
		return nil, fmt.Errorf("unmarshal redirect_uris: %w", err)
	}
	if err := json.Unmarshal(allowedScopes, &c.AllowedScopes); err != nil {
		return nil, fmt.Errorf("unmarshal allowed_scopes: %w", err)
	}
	if err := json.Unmarshal(grantTypes, &c.GrantTypes); err != nil {
		return nil, fmt.Errorf("unmarshal grant_types: %w", err)
	}
	return &c, nil
}

const clientColumns = `
	id, client_id, client_secret_hash, client_name,
	redirect_uris, allowed_scopes, grant_types,
	token_endpoint_auth_method, jwks_uri, is_confidential, is_active,
	created_at, updated_at`

func (r *ClientRepository) GetByID(ctx context.Context, id string) (*store.Client, error) {
	row := r.db.pool.QueryRow(ctx, `SELECT `+clientColumns+` FROM oauth2_clients WHERE id = $1`, id)
	return r.scanClient(row)
}

func (r *ClientRepository) GetByClientID(ctx context.Context, clientID string) (*store.Client, error) {
	row := r.db.pool.QueryRow(ctx, `SELECT `+clientColumns+` FROM oauth2_clients WHERE client_id = $1`, clientID)
	return r.scanClient(row)
}

func (r *ClientRepository) Update(ctx context.Context, c *store.Client) error {
	redirectURIs, err := json.Marshal(c.RedirectURIs)
	if err != nil {
		return fmt.Errorf("marshal redirect_uris: %w", err)
	}
	allowedScopes, err := json.Marshal(c.AllowedScopes)
	if err != nil {
		return fmt.Errorf("marshal allowed_scopes: %w", err)
	}
	grantTypes, err := json.Marshal(c.GrantTypes)
	if err != nil {
		return fmt.Errorf("marshal grant_types: %w", err)
	}

	tag, err := r.db.pool.Exec(ctx, `
		UPDATE oauth2_clients SET
			client_secret_hash = $2, client_name = $3,
			redirect_uris = $4, allowed_scopes = $5, grant_types = $6,
			token_endpoint_auth_method = $7, jwks_uri = $8,
			is_confidential = $9, is_active = $10, updated_at = $11
		WHERE id = $1
	`, c.ID, c.ClientSecretHash, c.ClientName, redirectURIs, allowedScopes, grantTypes,
		c.TokenEndpointAuthMethod, c.JWKSURI, c.IsConfidential, c.IsActive, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update client: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *ClientRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.pool.Exec(ctx, `DELETE FROM oauth2_clients WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete client: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *ClientRepository) List(ctx context.Context) ([]*store.Client, error) {
	rows, err := r.db.pool.Query(ctx, `SELECT `+clientColumns+` FROM oauth2_clients ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	var out []*store.Client
	for rows.Next() {
		c, err := r.scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
