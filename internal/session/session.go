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

// Package session is the browser-side login state the /authorize flow's
// external login UI consults to learn whether a request already carries
// an authenticated user, independent of the OAuth2 core in
// internal/orchestrator.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/authcore/authcore/internal/id"
)

// Domain errors
var (
	ErrSessionNotFound = errors.New("session: not found")
	ErrSessionExpired  = errors.New("session: expired")
)

// Session is a browser-side login session tying a cookie-carried ID to
// an authenticated user.
type Session struct {
	ID         string
	UserID     string
	IPAddress  string
	UserAgent  string
	ExpiresAt  time.Time
	CreatedAt  time.Time
	LastSeenAt time.Time
}

// IsExpired reports whether the session has passed its expiry.
func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// IsIdle reports whether the session has gone unused longer than
// idleTimeout, measured from its last recorded activity.
func (s *Session) IsIdle(now time.Time, idleTimeout time.Duration) bool {
	return now.Sub(s.LastSeenAt) > idleTimeout
}

// Repository persists Session rows.
type Repository interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, sessionID string) (*Session, error)
	Touch(ctx context.Context, sessionID string, lastSeenAt time.Time) error
	Delete(ctx context.Context, sessionID string) error
	DeleteByUserID(ctx context.Context, userID string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Service creates and validates browser sessions.
type Service struct {
	repo Repository
	ttl  time.Duration
}

// New builds a Service with the given session lifetime.
func New(repo Repository, ttl time.Duration) *Service {
	return &Service{repo: repo, ttl: ttl}
}

// Start creates a new session for userID.
func (s *Service) Start(ctx context.Context, userID, ipAddress, userAgent string) (*Session, error) {
	now := time.Now()
	sess := &Session{
		ID:         id.NewUUIDv7(),
		UserID:     userID,
		IPAddress:  ipAddress,
		UserAgent:  userAgent,
		ExpiresAt:  now.Add(s.ttl),
		CreatedAt:  now,
		LastSeenAt: now,
	}
	if err := s.repo.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("session: create: %w", err)
	}
	return sess, nil
}

// Validate looks up sessionID, rejecting it if expired, and records the
// access by bumping last-seen-at.
func (s *Service) Validate(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := s.repo.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if sess.IsExpired(now) {
		return nil, ErrSessionExpired
	}
	if err := s.repo.Touch(ctx, sessionID, now); err != nil {
		return nil, fmt.Errorf("session: touch: %w", err)
	}
	sess.LastSeenAt = now
	return sess, nil
}

// Destroy ends a single session, e.g. on logout.
func (s *Service) Destroy(ctx context.Context, sessionID string) error {
	return s.repo.Delete(ctx, sessionID)
}

// DestroyAllForUser ends every session belonging to userID, e.g. after a
// password change or a detected compromise.
func (s *Service) DestroyAllForUser(ctx context.Context, userID string) error {
	return s.repo.DeleteByUserID(ctx, userID)
}
