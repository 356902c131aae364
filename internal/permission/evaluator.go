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

// Package permission is the PermissionEvaluator: resolving and checking
// (user, resource, action) grants against a flat permission model, with
// a bounded, generation-invalidated cache in front of the Store.
package permission

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/authcore/authcore/internal/store"
)

const (
	// DefaultCacheSize bounds the number of cached decisions.
	DefaultCacheSize = 4096
	// DefaultCacheTTL is how long a cached decision is trusted even if
	// the generation counter hasn't moved.
	DefaultCacheTTL = 60 * time.Second
)

// Evaluator implements the PermissionEvaluator (C6): deny-by-default,
// fail-closed on any Store error.
type Evaluator struct {
	store store.PermissionRepository

	ttl      time.Duration
	maxSize  int
	mu       sync.Mutex
	entries  map[string]*list.Element // key -> node in lru
	lru      *list.List
}

type cacheKey struct {
	userID, resourceName, permissionName string
}

type cacheNode struct {
	key        cacheKey
	allowed    bool
	generation uint64
	cachedAt   time.Time
}

// New builds an Evaluator backed by repo. size <= 0 and ttl <= 0 fall
// back to the package defaults.
func New(repo store.PermissionRepository, size int, ttl time.Duration) *Evaluator {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Evaluator{
		store:   repo,
		ttl:     ttl,
		maxSize: size,
		entries: make(map[string]*list.Element),
		lru:     list.New(),
	}
}

func cacheMapKey(k cacheKey) string {
	return k.userID + "|" + k.resourceName + "|" + k.permissionName
}

// Check reports whether userID holds permissionName on resourceName.
// A Store error is never swallowed into "false" silently — it is
// returned alongside false so the caller can distinguish "denied" from
// "couldn't determine", per the deny-by-default, fail-closed policy.
func (e *Evaluator) Check(ctx context.Context, userID, resourceName, permissionName string) (bool, error) {
	key := cacheKey{userID, resourceName, permissionName}
	mapKey := cacheMapKey(key)

	currentGen, err := e.store.Generation(ctx)
	if err != nil {
		return false, fmt.Errorf("permission: read generation: %w", err)
	}

	if allowed, ok := e.lookup(mapKey, currentGen); ok {
		return allowed, nil
	}

	resource, err := e.store.GetResourceByName(ctx, resourceName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.insert(mapKey, key, false, currentGen)
			return false, nil
		}
		return false, fmt.Errorf("permission: resolve resource %q: %w", resourceName, err)
	}
	perm, err := e.store.GetPermissionByName(ctx, permissionName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.insert(mapKey, key, false, currentGen)
			return false, nil
		}
		return false, fmt.Errorf("permission: resolve permission %q: %w", permissionName, err)
	}

	allowed, err := e.store.Check(ctx, userID, resource.ID, perm.ID)
	if err != nil {
		return false, fmt.Errorf("permission: check grant: %w", err)
	}

	e.insert(mapKey, key, allowed, currentGen)
	return allowed, nil
}

// ListForUser returns every (resourceName, permissionName) pair granted
// to userID. Resource/permission names are not cached here; this is an
// administrative/debugging path, not the hot Check() path, and each
// distinct resource/permission ID encountered in rows is resolved at
// most once per call.
func (e *Evaluator) ListForUser(ctx context.Context, userID string) ([]Grant, error) {
	rows, err := e.store.ListForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("permission: list for user: %w", err)
	}

	resources := make(map[string]string)
	perms := make(map[string]string)
	out := make([]Grant, 0, len(rows))
	for _, r := range rows {
		resourceName, ok := resources[r.ResourceID]
		if !ok {
			res, err := e.store.GetResourceByID(ctx, r.ResourceID)
			if err != nil {
				return nil, fmt.Errorf("permission: resolve resource %q: %w", r.ResourceID, err)
			}
			resourceName = res.Name
			resources[r.ResourceID] = resourceName
		}

		permName, ok := perms[r.PermissionID]
		if !ok {
			perm, err := e.store.GetPermissionByID(ctx, r.PermissionID)
			if err != nil {
				return nil, fmt.Errorf("permission: resolve permission %q: %w", r.PermissionID, err)
			}
			permName = perm.Name
			perms[r.PermissionID] = permName
		}

		out = append(out, Grant{ResourceName: resourceName, PermissionName: permName})
	}
	return out, nil
}

// Grant is one resolved (resource, permission) pair a user holds.
type Grant struct {
	ResourceName   string
	PermissionName string
}

// lookup returns (allowed, true) if mapKey has a cached, still-fresh
// entry at currentGen; otherwise (_, false).
func (e *Evaluator) lookup(mapKey string, currentGen uint64) (bool, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	el, ok := e.entries[mapKey]
	if !ok {
		return false, false
	}
	node := el.Value.(*cacheNode)
	if node.generation != currentGen || time.Since(node.cachedAt) > e.ttl {
		e.lru.Remove(el)
		delete(e.entries, mapKey)
		return false, false
	}
	e.lru.MoveToFront(el)
	return node.allowed, true
}

func (e *Evaluator) insert(mapKey string, key cacheKey, allowed bool, generation uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if el, ok := e.entries[mapKey]; ok {
		el.Value = &cacheNode{key: key, allowed: allowed, generation: generation, cachedAt: time.Now()}
		e.lru.MoveToFront(el)
		return
	}

	el := e.lru.PushFront(&cacheNode{key: key, allowed: allowed, generation: generation, cachedAt: time.Now()})
	e.entries[mapKey] = el

	for e.lru.Len() > e.maxSize {
		oldest := e.lru.Back()
		if oldest == nil {
			break
		}
		e.lru.Remove(oldest)
		delete(e.entries, cacheMapKey(oldest.Value.(*cacheNode).key))
	}
}

