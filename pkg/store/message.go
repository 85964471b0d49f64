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

	"github.com/aiku/mirror-relay/pkg/record"
)

const (
	messageColumns     = `message_id, identity_id, server_id, channel_id, destination, author_id, content, timestamp, is_edited, is_deleted`
	insertMessageQuery = `
		INSERT INTO message (` + messageColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false, false)
		ON CONFLICT (message_id) DO NOTHING
	`
	editMessageQuery = `
		INSERT INTO message (` + messageColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, true, false)
		ON CONFLICT (message_id) DO UPDATE SET content=excluded.content, is_edited=true
	`
	deleteMessageQuery = `
		INSERT INTO message (` + messageColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false, true)
		ON CONFLICT (message_id) DO UPDATE SET is_deleted=true
	`
	getMessageQuery           = `SELECT ` + messageColumns + ` FROM message WHERE message_id=$1`
	getMessagesByDestQuery    = `SELECT ` + messageColumns + ` FROM message WHERE destination=$1 ORDER BY timestamp DESC LIMIT $2`
	countMessagesByDestQuery  = `SELECT destination, COUNT(*) FROM message GROUP BY destination ORDER BY destination`
	deleteMessagesBeforeQuery = `DELETE FROM message WHERE timestamp < $1`
)

// ArchivedMessage is the delivery archive entry of one upstream message.
type ArchivedMessage struct {
	MessageID   string    `json:"message_id"`
	IdentityID  string    `json:"identity_id"`
	ServerID    string    `json:"server_id,omitempty"`
	ChannelID   string    `json:"channel_id"`
	Destination string    `json:"destination"`
	AuthorID    string    `json:"author_id"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
	Edited      bool      `json:"is_edited"`
	Deleted     bool      `json:"is_deleted"`
}

var messageScanner = dbutil.ConvertRowFn[*ArchivedMessage](func(row dbutil.Scannable) (*ArchivedMessage, error) {
	var msg ArchivedMessage
	var ts int64
	err := row.Scan(
		&msg.MessageID, &msg.IdentityID, &msg.ServerID, &msg.ChannelID, &msg.Destination,
		&msg.AuthorID, &msg.Content, &ts, &msg.Edited, &msg.Deleted,
	)
	if err != nil {
		return nil, err
	}
	msg.Timestamp = fromMilli(ts)
	return &msg, nil
})

// ArchiveMessage records a delivered record. Edits replace the stored
// content and set the edited flag; deletes only set the deleted flag.
func (s *Store) ArchiveMessage(ctx context.Context, rec *record.InboundRecord, destination string) error {
	query := insertMessageQuery
	switch rec.Kind {
	case record.KindUpdate:
		query = editMessageQuery
	case record.KindDelete:
		query = deleteMessageQuery
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	_, err := s.Exec(ctx, query,
		rec.MessageID, rec.IdentityID, rec.ServerID, rec.ChannelID, destination,
		rec.AuthorID, rec.Content, ts.UnixMilli(),
	)
	return err
}

// GetMessage returns the archive entry of a message.
func (s *Store) GetMessage(ctx context.Context, messageID string) (*ArchivedMessage, error) {
	msg, err := messageScanner(s.QueryRow(ctx, getMessageQuery, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	return msg, err
}

// RecentMessages returns the newest archived messages of a destination.
func (s *Store) RecentMessages(ctx context.Context, destination string, limit int) ([]*ArchivedMessage, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return messageScanner.NewRowIter(s.Query(ctx, getMessagesByDestQuery, destination, limit)).AsList()
}

// MessageCounts returns the number of archived messages per destination.
func (s *Store) MessageCounts(ctx context.Context) (map[string]int, error) {
	type destCount struct {
		dest  string
		count int
	}
	rows, err := dbutil.ConvertRowFn[destCount](func(row dbutil.Scannable) (dc destCount, err error) {
		err = row.Scan(&dc.dest, &dc.count)
		return
	}).NewRowIter(s.Query(ctx, countMessagesByDestQuery)).AsList()
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.dest] = row.count
	}
	return counts, nil
}

// PruneMessages deletes archive entries older than before.
func (s *Store) PruneMessages(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.Exec(ctx, deleteMessagesBeforeQuery, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
