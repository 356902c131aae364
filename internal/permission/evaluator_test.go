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

package permission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/authcore/authcore/internal/store"
)

type mockPermRepo struct {
	resources   map[string]*store.Resource
	permissions map[string]*store.Permission
	grants      map[string]bool // userID|resourceID|permissionID -> granted
	generation  uint64
	genErr      error
	checkCalls  int
}

func newMockPermRepo() *mockPermRepo {
	return &mockPermRepo{
		resources:   map[string]*store.Resource{"billing": {ID: "res-billing", Name: "billing"}},
		permissions: map[string]*store.Permission{"read": {ID: "perm-read", Name: "read"}},
		grants:      make(map[string]bool),
		generation:  1,
	}
}

func (m *mockPermRepo) GetResourceByName(ctx context.Context, name string) (*store.Resource, error) {
	r, ok := m.resources[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	return r, nil
}
func (m *mockPermRepo) GetPermissionByName(ctx context.Context, name string) (*store.Permission, error) {
	p, ok := m.permissions[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	return p, nil
}
func (m *mockPermRepo) GetResourceByID(ctx context.Context, id string) (*store.Resource, error) {
	for _, r := range m.resources {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, store.ErrNotFound
}
func (m *mockPermRepo) GetPermissionByID(ctx context.Context, id string) (*store.Permission, error) {
	for _, p := range m.permissions {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, store.ErrNotFound
}
func (m *mockPermRepo) Check(ctx context.Context, userID, resourceID, permissionID string) (bool, error) {
	m.checkCalls++
	return m.grants[userID+"|"+resourceID+"|"+permissionID], nil
}
func (m *mockPermRepo) ListForUser(ctx context.Context, userID string) ([]*store.UserResourcePermission, error) {
	return nil, nil
}
func (m *mockPermRepo) Grant(ctx context.Context, userID, resourceID, permissionID string) error {
	m.grants[userID+"|"+resourceID+"|"+permissionID] = true
	m.generation++
	return nil
}
func (m *mockPermRepo) Revoke(ctx context.Context, userID, resourceID, permissionID string) error {
	delete(m.grants, userID+"|"+resourceID+"|"+permissionID)
	m.generation++
	return nil
}
func (m *mockPermRepo) Generation(ctx context.Context) (uint64, error) {
	if m.genErr != nil {
		return 0, m.genErr
	}
	return m.generation, nil
}

// TestPurpose: an unresolvable resource/permission name denies by
// default rather than erroring.
// Scope: Unit Test
func TestEvaluator_Check_UnknownResourceDeniesByDefault(t *testing.T) {
	repo := newMockPermRepo()
	ev := New(repo, 0, 0)

	allowed, err := ev.Check(context.Background(), "u1", "does-not-exist", "read")
	if err != nil {
		t.Fatalf("Check() error = %v, want nil", err)
	}
	if allowed {
		t.Fatalf("Check() = true, want false for unknown resource")
	}
}

// TestPurpose: a granted permission is reported true, and the second
// lookup is served from cache without a second Store.Check call.
// Scope: Unit Test
func TestEvaluator_Check_GrantedAndCached(t *testing.T) {
	repo := newMockPermRepo()
	repo.grants["u1|res-billing|perm-read"] = true
	ev := New(repo, 0, time.Minute)

	allowed, err := ev.Check(context.Background(), "u1", "billing", "read")
	if err != nil || !allowed {
		t.Fatalf("Check() = (%v, %v), want (true, nil)", allowed, err)
	}
	if repo.checkCalls != 1 {
		t.Fatalf("checkCalls = %d, want 1", repo.checkCalls)
	}

	allowed, err = ev.Check(context.Background(), "u1", "billing", "read")
	if err != nil || !allowed {
		t.Fatalf("second Check() = (%v, %v), want (true, nil)", allowed, err)
	}
	if repo.checkCalls != 1 {
		t.Fatalf("checkCalls after cached lookup = %d, want still 1", repo.checkCalls)
	}
}

// TestPurpose: a Revoke bumps the generation counter, invalidating the
// cached ALLOW on the next Check even within the TTL window.
// Scope: Unit Test
func TestEvaluator_Check_InvalidatedByGenerationBump(t *testing.T) {
	repo := newMockPermRepo()
	repo.grants["u1|res-billing|perm-read"] = true
	ev := New(repo, 0, time.Minute)

	if allowed, err := ev.Check(context.Background(), "u1", "billing", "read"); err != nil || !allowed {
		t.Fatalf("Check() = (%v, %v), want (true, nil)", allowed, err)
	}

	if err := repo.Revoke(context.Background(), "u1", "res-billing", "perm-read"); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	allowed, err := ev.Check(context.Background(), "u1", "billing", "read")
	if err != nil {
		t.Fatalf("Check() after revoke error = %v", err)
	}
	if allowed {
		t.Fatalf("Check() after revoke = true, want false")
	}
}

// TestPurpose: a Store error while reading the generation counter fails
// closed — denied plus a non-nil error, never a silent true.
// Scope: Unit Test
// Security: fail-closed requirement for the permission layer.
func TestEvaluator_Check_FailsClosedOnStoreError(t *testing.T) {
	repo := newMockPermRepo()
	repo.genErr = errors.New("boom")
	ev := New(repo, 0, 0)

	allowed, err := ev.Check(context.Background(), "u1", "billing", "read")
	if err == nil {
		t.Fatalf("Check() error = nil, want error when Store fails")
	}
	if allowed {
		t.Fatalf("Check() = true, want false on Store failure")
	}
}
