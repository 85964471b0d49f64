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

	"go.mau.fi/util/dbutil"
)

const (
	getWebhookQuery = `SELECT url FROM webhook WHERE destination=$1`
	setWebhookQuery = `
		INSERT INTO webhook (destination, url, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (destination) DO UPDATE SET url=excluded.url, updated_at=excluded.updated_at
	`
	deleteWebhookQuery = `DELETE FROM webhook WHERE destination=$1`
	getWebhooksQuery   = `SELECT destination, url FROM webhook ORDER BY destination`
)

// WebhookURL returns the webhook registered for a destination key.
func (s *Store) WebhookURL(ctx context.Context, destination string) (string, error) {
	var url string
	err := s.QueryRow(ctx, getWebhookQuery, destination).Scan(&url)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("webhook for %s: %w", destination, ErrNotFound)
	}
	return url, err
}

// SetWebhookURL registers or replaces the webhook of a destination key.
func (s *Store) SetWebhookURL(ctx context.Context, destination, url string) error {
	_, err := s.Exec(ctx, setWebhookQuery, destination, url, s.nowMilli())
	return err
}

// DeleteWebhook forgets the webhook of a destination key.
func (s *Store) DeleteWebhook(ctx context.Context, destination string) error {
	_, err := s.Exec(ctx, deleteWebhookQuery, destination)
	return err
}

// Webhooks returns every registered webhook keyed by destination.
func (s *Store) Webhooks(ctx context.Context) (map[string]string, error) {
	type pair struct{ dest, url string }
	rows, err := dbutil.ConvertRowFn[pair](func(row dbutil.Scannable) (p pair, err error) {
		err = row.Scan(&p.dest, &p.url)
		return
	}).NewRowIter(s.Query(ctx, getWebhooksQuery)).AsList()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, p := range rows {
		out[p.dest] = p.url
	}
	return out, nil
}
