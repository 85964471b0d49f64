// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/exsync"

	"github.com/aiku/mirror-relay/pkg/filter"
)

const (
	getBlockedChannelsQuery = `SELECT name FROM blocked_channel ORDER BY name`
	blockChannelQuery       = `INSERT INTO blocked_channel (name, blocked_at) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`
	unblockChannelQuery     = `DELETE FROM blocked_channel WHERE name=$1`
)

// BlockedChannels returns the blocked channel names.
func (s *Store) BlockedChannels(ctx context.Context) ([]string, error) {
	return dbutil.ConvertRowFn[string](dbutil.ScanSingleColumn[string]).
		NewRowIter(s.Query(ctx, getBlockedChannelsQuery)).
		AsList()
}

// Blocklist is the set of channel names whose messages are never relayed.
// Reads are served from memory; changes are written through to the store.
type Blocklist struct {
	store *Store
	names *exsync.Set[string]
}

var _ filter.Blocklist = (*Blocklist)(nil)

func normalizeBlockName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// LoadBlocklist reads the blocklist from the store.
func LoadBlocklist(ctx context.Context, s *Store) (*Blocklist, error) {
	names, err := s.BlockedChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load blocked channels: %w", err)
	}
	return &Blocklist{store: s, names: exsync.NewSetWithItems(names)}, nil
}

// IsBlocked reports whether the channel name is blocked. Matching ignores
// case and surrounding whitespace.
func (b *Blocklist) IsBlocked(name string) bool {
	return b.names.Has(normalizeBlockName(name))
}

// Block adds name and reports whether it was newly added.
func (b *Blocklist) Block(ctx context.Context, name string) (bool, error) {
	name = normalizeBlockName(name)
	if name == "" {
		return false, fmt.Errorf("empty channel name")
	}
	if _, err := b.store.Exec(ctx, blockChannelQuery, name, b.store.nowMilli()); err != nil {
		return false, err
	}
	return b.names.Add(name), nil
}

// Unblock removes name and reports whether it was present.
func (b *Blocklist) Unblock(ctx context.Context, name string) (bool, error) {
	name = normalizeBlockName(name)
	if _, err := b.store.Exec(ctx, unblockChannelQuery, name); err != nil {
		return false, err
	}
	return b.names.Pop(name), nil
}

// List returns the blocked names in sorted order.
func (b *Blocklist) List() []string {
	names := b.names.AsList()
	sort.Strings(names)
	return names
}

// Reload re-reads the blocklist from the store, picking up changes made by
// other processes sharing the database.
func (b *Blocklist) Reload(ctx context.Context) error {
	names, err := b.store.BlockedChannels(ctx)
	if err != nil {
		return fmt.Errorf("failed to reload blocked channels: %w", err)
	}
	current := exsync.NewSetWithItems(names)
	for _, name := range b.names.AsList() {
		if !current.Has(name) {
			b.names.Remove(name)
		}
	}
	for _, name := range names {
		b.names.Add(name)
	}
	return nil
}
