// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.mau.fi/util/dbutil"

	"github.com/aiku/mirror-relay/pkg/queue"
)

var _ queue.KV = (*Store)(nil)

const (
	setKeyQuery = `
		INSERT INTO kv (key, value, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value=excluded.value, expires_at=excluded.expires_at
	`
	getKeyQuery    = `SELECT value FROM kv WHERE key=$1 AND (expires_at IS NULL OR expires_at > $2)`
	deleteKeyQuery = `DELETE FROM kv WHERE key=$1`
	listKeysQuery  = `
		SELECT key FROM kv WHERE (expires_at IS NULL OR expires_at > $1) AND substr(key, 1, length($2))=$2 ORDER BY key
	`
	pruneKeysQuery = `DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= $1`
)

func (s *Store) SetKey(ctx context.Context, key, value string, ttl time.Duration) error {
	var expiresAt *int64
	if ttl > 0 {
		expiresAt = dbutil.UnixMilliPtr(s.now().Add(ttl))
	}
	_, err := s.Exec(ctx, setKeyQuery, key, value, expiresAt)
	return err
}

func (s *Store) GetKey(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.QueryRow(ctx, getKeyQuery, key, s.nowMilli()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	} else if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *Store) DeleteKey(ctx context.Context, key string) error {
	_, err := s.Exec(ctx, deleteKeyQuery, key)
	return err
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	return dbutil.ConvertRowFn[string](dbutil.ScanSingleColumn[string]).
		NewRowIter(s.Query(ctx, listKeysQuery, s.nowMilli(), prefix)).
		AsList()
}

// PruneKeys deletes expired keys and returns how many were removed.
func (s *Store) PruneKeys(ctx context.Context) (int64, error) {
	res, err := s.Exec(ctx, pruneKeysQuery, s.nowMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
