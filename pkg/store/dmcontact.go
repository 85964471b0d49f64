// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"context"
	"time"

	"go.mau.fi/util/dbutil"
)

const (
	insertDMContactQuery = `
		INSERT INTO dm_contact (identity_id, user_id, username, first_seen, last_seen) VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (identity_id, user_id) DO NOTHING
	`
	touchDMContactQuery = `
		UPDATE dm_contact SET last_seen=$4, username=CASE WHEN $3='' THEN username ELSE $3 END
		WHERE identity_id=$1 AND user_id=$2
	`
	hasDMContactQuery  = `SELECT EXISTS(SELECT 1 FROM dm_contact WHERE identity_id=$1 AND user_id=$2)`
	getDMContactsQuery = `
		SELECT identity_id, user_id, username, first_seen, last_seen FROM dm_contact
		WHERE identity_id=$1 ORDER BY last_seen DESC
	`
)

// DMContact is a user that has exchanged direct messages with an identity.
type DMContact struct {
	IdentityID string    `json:"identity_id"`
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
}

var dmContactScanner = dbutil.ConvertRowFn[*DMContact](func(row dbutil.Scannable) (*DMContact, error) {
	var c DMContact
	var firstSeen, lastSeen int64
	err := row.Scan(&c.IdentityID, &c.UserID, &c.Username, &firstSeen, &lastSeen)
	if err != nil {
		return nil, err
	}
	c.FirstSeen, c.LastSeen = fromMilli(firstSeen), fromMilli(lastSeen)
	return &c, nil
})

// TouchDMContact records a direct message between identityID and userID
// and reports whether it is the first one.
func (s *Store) TouchDMContact(ctx context.Context, identityID, userID, username string) (first bool, err error) {
	now := s.nowMilli()
	err = s.DoTxn(ctx, nil, func(ctx context.Context) error {
		res, err := s.Exec(ctx, insertDMContactQuery, identityID, userID, username, now)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			first = true
			return nil
		}
		_, err = s.Exec(ctx, touchDMContactQuery, identityID, userID, username, now)
		return err
	})
	return first, err
}

// HasDMContact reports whether identityID has exchanged messages with
// userID before.
func (s *Store) HasDMContact(ctx context.Context, identityID, userID string) (known bool, err error) {
	err = s.QueryRow(ctx, hasDMContactQuery, identityID, userID).Scan(&known)
	return
}

// DMContacts lists the contacts of an identity, most recent first.
func (s *Store) DMContacts(ctx context.Context, identityID string) ([]*DMContact, error) {
	return dmContactScanner.NewRowIter(s.Query(ctx, getDMContactsQuery, identityID)).AsList()
}
