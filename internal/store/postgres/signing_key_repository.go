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
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/authcore/authcore/internal/crypto"
)

// SigningKeyRepository persists the CryptoProvider's RSA signing keys so
// rotation survives a process restart: on boot the server loads every
// persisted key back into crypto.Manager before serving traffic, and
// old kids keep verifying until pruned.
type SigningKeyRepository struct {
	db *DB
}

func NewSigningKeyRepository(db *DB) *SigningKeyRepository {
	return &SigningKeyRepository{db: db}
}

// Save persists key. Only RS256 keys are handled; HS256/ES256 keys are
// process-local by design (a symmetric secret is never worth persisting
// across restarts the way a long-lived RSA key is).
func (r *SigningKeyRepository) Save(ctx context.Context, key *crypto.SigningKey, isActive bool) error {
	if key.Alg != crypto.AlgRS256 {
		return fmt.Errorf("signing key repository: unsupported algorithm %q", key.Alg)
	}
	der := x509.MarshalPKCS1PrivateKey(key.RSAPrivate)
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO signing_keys (kid, algorithm, private_key, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (kid) DO NOTHING
	`, key.Kid, string(key.Alg), der, isActive, key.CreatedAt)
	if err != nil {
		return fmt.Errorf("save signing key: %w", err)
	}
	return nil
}

// LoadAll returns every persisted RSA signing key, most recent first.
func (r *SigningKeyRepository) LoadAll(ctx context.Context) ([]*crypto.SigningKey, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT kid, algorithm, private_key, created_at FROM signing_keys ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("load signing keys: %w", err)
	}
	defer rows.Close()

	var out []*crypto.SigningKey
	for rows.Next() {
		var kid, alg string
		var der []byte
		var key crypto.SigningKey
		if err := rows.Scan(&kid, &alg, &der, &key.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan signing key: %w", err)
		}
		priv, err := x509.ParsePKCS1PrivateKey(der)
		if err != nil {
			return nil, fmt.Errorf("parse signing key %s: %w", kid, err)
		}
		key.Kid = kid
		key.Alg = crypto.Algorithm(alg)
		key.RSAPrivate = priv
		out = append(out, &key)
	}
	return out, rows.Err()
}

// ActiveKid returns the kid marked active, or "" and a nil error if none
// is set.
func (r *SigningKeyRepository) ActiveKid(ctx context.Context) (string, error) {
	var kid string
	err := r.db.pool.QueryRow(ctx, `SELECT kid FROM signing_keys WHERE is_active LIMIT 1`).Scan(&kid)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("load active kid: %w", err)
	}
	return kid, nil
}
