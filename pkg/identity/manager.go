// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package identity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/mirror-relay/pkg/retry"
)

// ErrNotFound is returned for unknown identity ids.
var ErrNotFound = errors.New("identity not found")

// Store persists identity state between runs.
type Store interface {
	LoadIdentities(ctx context.Context) ([]*Identity, error)
	SaveIdentity(ctx context.Context, ident *Identity) error
}

// SelfInfo is what a successful login learns about the account.
type SelfInfo struct {
	UserID   string
	Username string
}

// LoginFunc establishes a session for an identity.
type LoginFunc func(ctx context.Context, ident *Identity) (*SelfInfo, error)

// Manager is the registry of identities. All methods are safe for
// concurrent use.
type Manager struct {
	log   zerolog.Logger
	store Store
	retry retry.Policy

	mu         sync.RWMutex
	identities map[string]*Identity
	configured map[string]*Identity
}

// NewManager creates a manager backed by store. A nil store keeps state in
// memory only.
func NewManager(log zerolog.Logger, store Store, policy retry.Policy) *Manager {
	return &Manager{
		log:        log.With().Str("component", "identity_manager").Logger(),
		store:      store,
		retry:      policy,
		identities: make(map[string]*Identity),
		configured: make(map[string]*Identity),
	}
}

// Load registers the configured identities and merges in the persisted
// status of each one. Configuration wins for tokens and servers; the store
// wins for status and error history.
func (m *Manager) Load(ctx context.Context, configured []*Identity) error {
	persisted := make(map[string]*Identity)
	if m.store != nil {
		stored, err := m.store.LoadIdentities(ctx)
		if err != nil {
			return fmt.Errorf("failed to load identity state: %w", err)
		}
		for _, ident := range stored {
			persisted[ident.ID] = ident
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.identities = make(map[string]*Identity, len(configured))
	m.configured = make(map[string]*Identity, len(configured))
	for _, cfg := range configured {
		ident := cfg.clone()
		if prev, ok := persisted[ident.ID]; ok {
			if ident.Status != StatusDisabled {
				ident.Status = prev.Status
			}
			ident.LastError = prev.LastError
			ident.LastSuccess = prev.LastSuccess
			ident.LastFailure = prev.LastFailure
			ident.UserID = prev.UserID
			ident.Username = prev.Username
		}
		ident.Init()
		m.identities[ident.ID] = ident
		m.configured[ident.ID] = cfg
	}
	m.log.Info().
		Int("configured", len(configured)).
		Int("persisted", len(persisted)).
		Msg("Loaded identities")
	return nil
}

// Reload re-reads persisted state for every configured identity.
func (m *Manager) Reload(ctx context.Context) error {
	m.mu.RLock()
	configured := make([]*Identity, 0, len(m.configured))
	for _, cfg := range m.configured {
		configured = append(configured, cfg)
	}
	m.mu.RUnlock()
	return m.Load(ctx, configured)
}

// Get returns the current snapshot of an identity.
func (m *Manager) Get(id string) (*Identity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ident, ok := m.identities[id]
	return ident, ok
}

// All returns every identity sorted by id.
func (m *Manager) All() []*Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := make([]*Identity, 0, len(m.identities))
	for _, ident := range m.identities {
		all = append(all, ident)
	}
	sort.Slice(all, func(a, b int) bool { return all[a].ID < all[b].ID })
	return all
}

// Active returns the identities that should be started, skipping disabled
// and failed ones.
func (m *Manager) Active() []*Identity {
	var active []*Identity
	for _, ident := range m.All() {
		if ident.Usable() {
			active = append(active, ident)
		}
	}
	return active
}

// IsOwnUser reports whether the user id belongs to any logged-in identity.
func (m *Manager) IsOwnUser(userID string) bool {
	if userID == "" {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ident := range m.identities {
		if ident.UserID == userID {
			return true
		}
	}
	return false
}

// Login runs fn with bounded retries. On success the identity is marked
// active; once the retries are exhausted it is marked failed so it is
// skipped on future startups.
func (m *Manager) Login(ctx context.Context, id string, fn LoginFunc) (*Identity, error) {
	ident, ok := m.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	log := m.log.With().Str("identity_id", id).Logger()

	var info *SelfInfo
	err := retry.Do(ctx, m.retry, func(ctx context.Context, attempt int) error {
		var err error
		info, err = fn(ctx, ident)
		return err
	}, func(attempt int, err error, wait time.Duration) {
		log.Warn().Err(err).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("Identity login failed, retrying")
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		log.Error().Err(err).Msg("Identity login failed, marking identity as failed")
		if markErr := m.MarkFailed(ctx, id, err); markErr != nil {
			log.Warn().Err(markErr).Msg("Failed to persist identity failure")
		}
		return nil, err
	}
	return m.MarkActive(ctx, id, info)
}

// MarkActive records a successful session.
func (m *Manager) MarkActive(ctx context.Context, id string, info *SelfInfo) (*Identity, error) {
	now := time.Now().UTC()
	return m.update(ctx, id, func(ident *Identity) {
		ident.Status = StatusActive
		ident.LastError = ""
		ident.LastSuccess = &now
		if info != nil {
			ident.UserID = info.UserID
			ident.Username = info.Username
		}
	})
}

// MarkFailed records a failed session and excludes the identity from
// future startups until it is reset.
func (m *Manager) MarkFailed(ctx context.Context, id string, cause error) error {
	now := time.Now().UTC()
	_, err := m.update(ctx, id, func(ident *Identity) {
		ident.Status = StatusFailed
		ident.LastFailure = &now
		if cause != nil {
			ident.LastError = cause.Error()
		}
	})
	return err
}

// Reset clears a failed status so the identity is started again.
func (m *Manager) Reset(ctx context.Context, id string) error {
	_, err := m.update(ctx, id, func(ident *Identity) {
		if ident.Status == StatusFailed {
			ident.Status = StatusActive
		}
		ident.LastError = ""
	})
	return err
}

func (m *Manager) update(ctx context.Context, id string, fn func(*Identity)) (*Identity, error) {
	m.mu.Lock()
	cur, ok := m.identities[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := cur.clone()
	fn(next)
	m.identities[id] = next
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.SaveIdentity(ctx, next); err != nil {
			return next, fmt.Errorf("failed to save identity %s: %w", id, err)
		}
	}
	return next, nil
}
