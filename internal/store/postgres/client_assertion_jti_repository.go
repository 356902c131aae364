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
)

// ClientAssertionJTIRepository implements store.ClientAssertionJTIRepository
// against the client_assertion_jti table, backing private_key_jwt replay
// detection ([[internal/client (C3 ClientRegistry)]]) with a shared store
// instead of one process's memory.
type ClientAssertionJTIRepository struct {
	db *DB
}

func NewClientAssertionJTIRepository(db *DB) *ClientAssertionJTIRepository {
	return &ClientAssertionJTIRepository{db: db}
}

// Observe inserts (clientID, jti) and reports true if the row didn't
// already exist; ON CONFLICT DO NOTHING plus a rows-affected check makes
// this atomic under concurrent attempts to replay the same assertion.
func (r *ClientAssertionJTIRepository) Observe(ctx context.Context, clientID, jti string, expiresAt time.Time) (bool, error) {
	tag, err := r.db.pool.Exec(ctx, `
		INSERT INTO client_assertion_jti (client_id, jti, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (client_id, jti) DO NOTHING
	`, clientID, jti, expiresAt)
	if err != nil {
		return false, fmt.Errorf("observe client assertion jti: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *ClientAssertionJTIRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.pool.Exec(ctx, `DELETE FROM client_assertion_jti WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired client assertion jtis: %w", err)
	}
	return tag.RowsAffected(), nil
}
