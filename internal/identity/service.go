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

// Package identity is the login-plane user/password service backing the
// register/login/change-password endpoints (internal/transport/http) and
// the cmd/server bootstrap subcommand.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/authcore/authcore/internal/audit"
	"github.com/authcore/authcore/internal/crypto"
	"github.com/authcore/authcore/internal/id"
	"github.com/authcore/authcore/internal/store"
)

const minPasswordLength = 8

// Service provides user registration, authentication and password
// management over the shared store.User model.
type Service struct {
	repo        store.UserRepository
	hasher      *crypto.PasswordHasher
	auditLogger audit.Logger
}

// NewService builds a Service.
func NewService(repo store.UserRepository, hasher *crypto.PasswordHasher, auditLogger audit.Logger) *Service {
	return &Service{repo: repo, hasher: hasher, auditLogger: auditLogger}
}

// Register creates a new user with a hashed password.
func (s *Service) Register(ctx context.Context, username, password string) (*store.User, error) {
	if !isStrongPassword(password) {
		return nil, ErrWeakPassword
	}
	if _, err := s.repo.GetByUsername(ctx, username); err == nil {
		return nil, ErrUserAlreadyExists
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("identity: check existing user: %w", err)
	}

	passwordHash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("identity: hash password: %w", err)
	}

	u := &store.User{ID: id.NewUUIDv7(), Username: username, PasswordHash: passwordHash}
	if err := s.repo.Create(ctx, u); err != nil {
		return nil, fmt.Errorf("identity: create user: %w", err)
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeUserCreated,
		ActorID:  u.ID,
		Resource: audit.ResourceUser,
	})
	return u, nil
}

// Authenticate verifies username/password and returns the matching user.
// Both the unknown-username and wrong-password paths return the same
// ErrInvalidCredentials, so a caller can't use the error to enumerate
// valid usernames.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*store.User, error) {
	u, err := s.repo.GetByUsername(ctx, username)
	if err != nil {
		s.auditLogger.Log(ctx, audit.Event{
			Type:     audit.TypeLoginFailed,
			Resource: audit.ResourceUser,
			Metadata: map[string]any{audit.AttrReason: "user_not_found"},
		})
		return nil, ErrInvalidCredentials
	}

	valid, err := s.hasher.Verify(password, u.PasswordHash)
	if err != nil || !valid {
		s.auditLogger.Log(ctx, audit.Event{
			Type:     audit.TypeLoginFailed,
			ActorID:  u.ID,
			Resource: audit.ResourceUser,
			Metadata: map[string]any{audit.AttrReason: "invalid_password"},
		})
		return nil, ErrInvalidCredentials
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeLoginSuccess,
		ActorID:  u.ID,
		Resource: audit.ResourceUser,
	})
	return u, nil
}

// GetByID retrieves a user by id.
func (s *Service) GetByID(ctx context.Context, userID string) (*store.User, error) {
	u, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("identity: get user: %w", err)
	}
	return u, nil
}

// ChangePassword verifies oldPassword before replacing it with newPassword.
func (s *Service) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	u, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return ErrUserNotFound
	}

	valid, err := s.hasher.Verify(oldPassword, u.PasswordHash)
	if err != nil || !valid {
		return ErrInvalidCredentials
	}
	if !isStrongPassword(newPassword) {
		return ErrWeakPassword
	}

	newHash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("identity: hash password: %w", err)
	}
	u.PasswordHash = newHash
	if err := s.repo.Update(ctx, u); err != nil {
		return fmt.Errorf("identity: update user: %w", err)
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypePasswordChanged,
		ActorID:  userID,
		Resource: audit.ResourceUser,
	})
	return nil
}

func isStrongPassword(password string) bool {
	return len(password) >= minPasswordLength
}
