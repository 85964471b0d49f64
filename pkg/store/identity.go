// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"context"
	"database/sql"
	"time"

	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/ptr"

	"github.com/aiku/mirror-relay/pkg/identity"
)

var _ identity.Store = (*Store)(nil)

const (
	getIdentitiesQuery = `
		SELECT id, status, last_error, last_success, last_failure, user_id, username, servers
		FROM identity ORDER BY id
	`
	upsertIdentityQuery = `
		INSERT INTO identity (id, status, last_error, last_success, last_failure, user_id, username, servers)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
			SET status=excluded.status, last_error=excluded.last_error,
			    last_success=excluded.last_success, last_failure=excluded.last_failure,
			    user_id=excluded.user_id, username=excluded.username, servers=excluded.servers
	`
)

var identityScanner = dbutil.ConvertRowFn[*identity.Identity](scanIdentity)

func scanIdentity(row dbutil.Scannable) (*identity.Identity, error) {
	var ident identity.Identity
	var lastSuccess, lastFailure sql.NullInt64
	var servers map[string]*identity.ServerConfig
	err := row.Scan(
		&ident.ID, &ident.Status, &ident.LastError, &lastSuccess, &lastFailure,
		&ident.UserID, &ident.Username, dbutil.JSON{Data: &servers},
	)
	if err != nil {
		return nil, err
	}
	ident.LastSuccess = milliPtr(lastSuccess)
	ident.LastFailure = milliPtr(lastFailure)
	ident.Servers = servers
	return &ident, nil
}

func milliPtr(val sql.NullInt64) *time.Time {
	if !val.Valid {
		return nil
	}
	return ptr.Ptr(fromMilli(val.Int64))
}

func timeMilli(val *time.Time) *int64 {
	if val == nil {
		return nil
	}
	return dbutil.UnixMilliPtr(*val)
}

// LoadIdentities returns the persisted state of every identity. Tokens are
// never stored.
func (s *Store) LoadIdentities(ctx context.Context) ([]*identity.Identity, error) {
	return identityScanner.NewRowIter(s.Query(ctx, getIdentitiesQuery)).AsList()
}

// SaveIdentity upserts the state of ident.
func (s *Store) SaveIdentity(ctx context.Context, ident *identity.Identity) error {
	var servers dbutil.JSON
	if len(ident.Servers) > 0 {
		servers = dbutil.JSON{Data: ident.Servers}
	}
	_, err := s.Exec(ctx, upsertIdentityQuery,
		ident.ID, ident.Status, ident.LastError,
		timeMilli(ident.LastSuccess), timeMilli(ident.LastFailure),
		ident.UserID, ident.Username, servers,
	)
	return err
}
