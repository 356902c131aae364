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

	"github.com/jackc/pgx/v5"

	"github.com/authcore/authcore/internal/id"
	"github.com/authcore/authcore/internal/store"
)

// PermissionRepository implements store.PermissionRepository against the
// flat (user, resource, permission) triple model.
type PermissionRepository struct {
	db *DB
}

func NewPermissionRepository(db *DB) *PermissionRepository {
	return &PermissionRepository{db: db}
}

func (r *PermissionRepository) GetResourceByName(ctx context.Context, name string) (*store.Resource, error) {
	var res store.Resource
	err := r.db.pool.QueryRow(ctx, `SELECT id, name, description FROM resources WHERE name = $1`, name).
		Scan(&res.ID, &res.Name, &res.Description)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get resource: %w", err)
	}
	return &res, nil
}

func (r *PermissionRepository) GetPermissionByName(ctx context.Context, name string) (*store.Permission, error) {
	var perm store.Permission
	err := r.db.pool.QueryRow(ctx, `SELECT id, name, description FROM permissions WHERE name = $1`, name).
		Scan(&perm.ID, &perm.Name, &perm.Description)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get permission: %w", err)
	}
	return &perm, nil
}

func (r *PermissionRepository) GetResourceByID(ctx context.Context, id string) (*store.Resource, error) {
	var res store.Resource
	err := r.db.pool.QueryRow(ctx, `SELECT id, name, description FROM resources WHERE id = $1`, id).
		Scan(&res.ID, &res.Name, &res.Description)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get resource by id: %w", err)
	}
	return &res, nil
}

func (r *PermissionRepository) GetPermissionByID(ctx context.Context, id string) (*store.Permission, error) {
	var perm store.Permission
	err := r.db.pool.QueryRow(ctx, `SELECT id, name, description FROM permissions WHERE id = $1`, id).
		Scan(&perm.ID, &perm.Name, &perm.Description)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get permission by id: %w", err)
	}
	return &perm, nil
}

func (r *PermissionRepository) Check(ctx context.Context, userID, resourceID, permissionID string) (bool, error) {
	var exists bool
	err := r.db.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM user_resource_permissions
			WHERE user_id = $1 AND resource_id = $2 AND permission_id = $3
		)
	`, userID, resourceID, permissionID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check permission: %w", err)
	}
	return exists, nil
}

func (r *PermissionRepository) ListForUser(ctx context.Context, userID string) ([]*store.UserResourcePermission, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT id, user_id, resource_id, permission_id, created_at, updated_at
		FROM user_resource_permissions WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list permissions for user: %w", err)
	}
	defer rows.Close()

	var out []*store.UserResourcePermission
	for rows.Next() {
		var p store.UserResourcePermission
		if err := rows.Scan(&p.ID, &p.UserID, &p.ResourceID, &p.PermissionID, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan user resource permission: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (r *PermissionRepository) Grant(ctx context.Context, userID, resourceID, permissionID string) error {
	tx, err := r.db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin grant transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO user_resource_permissions (id, user_id, resource_id, permission_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (user_id, resource_id, permission_id) DO NOTHING
	`, id.NewUUIDv7(), userID, resourceID, permissionID)
	if err != nil {
		return fmt.Errorf("grant permission: %w", err)
	}

	if err := bumpGeneration(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *PermissionRepository) Revoke(ctx context.Context, userID, resourceID, permissionID string) error {
	tx, err := r.db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin revoke transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		DELETE FROM user_resource_permissions
		WHERE user_id = $1 AND resource_id = $2 AND permission_id = $3
	`, userID, resourceID, permissionID)
	if err != nil {
		return fmt.Errorf("revoke permission: %w", err)
	}

	if err := bumpGeneration(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func bumpGeneration(ctx context.Context, tx pgx.Tx) error {
	_, err := tx.Exec(ctx, `UPDATE permission_generation SET generation = generation + 1 WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("bump permission generation: %w", err)
	}
	return nil
}

// Generation returns the monotonic counter bumped on every Grant/Revoke,
// which internal/permission's cache uses to detect staleness without a
// pub/sub channel.
func (r *PermissionRepository) Generation(ctx context.Context) (uint64, error) {
	var gen uint64
	err := r.db.pool.QueryRow(ctx, `SELECT generation FROM permission_generation WHERE id = 1`).Scan(&gen)
	if err != nil {
		return 0, fmt.Errorf("read permission generation: %w", err)
	}
	return gen, nil
}
