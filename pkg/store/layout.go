// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.mau.fi/util/dbutil"

	"github.com/aiku/mirror-relay/pkg/router"
)

const (
	saveLayoutQuery = `
		INSERT INTO layout_snapshot (name, data, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET data=excluded.data, created_at=excluded.created_at
	`
	getLayoutQuery   = `SELECT name, data, created_at FROM layout_snapshot WHERE name=$1`
	listLayoutsQuery = `SELECT name, data, created_at FROM layout_snapshot ORDER BY created_at DESC`
)

// Layout is a protected snapshot of the routing layout: the effective
// combine rules and the blocklist at capture time.
type Layout struct {
	Name      string        `json:"name"`
	CreatedAt time.Time     `json:"created_at"`
	Rules     []router.Rule `json:"rules"`
	Blocked   []string      `json:"blocked_channels"`
}

type layoutData struct {
	Rules   []router.Rule `json:"rules"`
	Blocked []string      `json:"blocked_channels"`
}

var layoutScanner = dbutil.ConvertRowFn[*Layout](func(row dbutil.Scannable) (*Layout, error) {
	var layout Layout
	var data layoutData
	var createdAt int64
	if err := row.Scan(&layout.Name, dbutil.JSON{Data: &data}, &createdAt); err != nil {
		return nil, err
	}
	layout.CreatedAt = fromMilli(createdAt)
	layout.Rules, layout.Blocked = data.Rules, data.Blocked
	return &layout, nil
})

// SaveLayout stores a snapshot, replacing one with the same name.
func (s *Store) SaveLayout(ctx context.Context, layout *Layout) error {
	if layout.Name == "" {
		return fmt.Errorf("layout snapshot needs a name")
	}
	if layout.CreatedAt.IsZero() {
		layout.CreatedAt = s.now().UTC()
	}
	data := &layoutData{Rules: layout.Rules, Blocked: layout.Blocked}
	_, err := s.Exec(ctx, saveLayoutQuery, layout.Name, dbutil.JSON{Data: data}, layout.CreatedAt.UnixMilli())
	return err
}

// GetLayout returns a snapshot by name.
func (s *Store) GetLayout(ctx context.Context, name string) (*Layout, error) {
	layout, err := layoutScanner(s.QueryRow(ctx, getLayoutQuery, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("layout %s: %w", name, ErrNotFound)
	}
	return layout, err
}

// Layouts lists the snapshots, newest first.
func (s *Store) Layouts(ctx context.Context) ([]*Layout, error) {
	return layoutScanner.NewRowIter(s.Query(ctx, listLayoutsQuery)).AsList()
}
