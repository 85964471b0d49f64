// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package store persists relay state in SQLite: identity status, combine
// rules, the channel blocklist, layout snapshots, the shared key-value
// space, DM contacts, the delivered message archive and webhook URLs.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"github.com/aiku/mirror-relay/pkg/store/upgrades"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

const sqliteParams = "_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000"

// Store wraps the database.
type Store struct {
	*dbutil.Database
	log zerolog.Logger
	now func() time.Time
}

// Open opens (creating if needed) the database at path and upgrades it to
// the latest schema. Query parameters already present in path are kept.
func Open(ctx context.Context, log zerolog.Logger, path string) (*Store, error) {
	uri := path
	if !strings.Contains(uri, "?") {
		uri += "?" + sqliteParams
	}
	db, err := dbutil.NewWithDialect(uri, "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	log = log.With().Str("component", "store").Logger()
	db.Owner = "mirror-relay"
	db.UpgradeTable = upgrades.Table
	db.Log = dbutil.ZeroLogger(log.With().Str("db_section", "main").Logger())
	if err = db.Upgrade(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to upgrade database: %w", err)
	}
	log.Debug().Str("path", path).Msg("Database opened")
	return &Store{Database: db, log: log, now: time.Now}, nil
}

func (s *Store) nowMilli() int64 {
	return s.now().UnixMilli()
}

func fromMilli(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
