// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"context"

	"go.mau.fi/util/dbutil"

	"github.com/aiku/mirror-relay/pkg/router"
)

var _ router.RuleStore = (*Store)(nil)

const (
	// Rows are appended; the highest id per source is the effective rule.
	getCombineRulesQuery = `
		SELECT identity_id, channel_id, destination, created_at
		FROM combine_rule
		WHERE id IN (SELECT MAX(id) FROM combine_rule GROUP BY identity_id, channel_id)
		ORDER BY id
	`
	getCombineHistoryQuery = `
		SELECT identity_id, channel_id, destination, created_at FROM combine_rule ORDER BY id
	`
	insertCombineRuleQuery = `
		INSERT INTO combine_rule (identity_id, channel_id, destination, created_at) VALUES ($1, $2, $3, $4)
	`
)

var ruleScanner = dbutil.ConvertRowFn[router.Rule](func(row dbutil.Scannable) (router.Rule, error) {
	var rule router.Rule
	var createdAt int64
	err := row.Scan(&rule.IdentityID, &rule.ChannelID, &rule.Destination, &createdAt)
	rule.CreatedAt = fromMilli(createdAt)
	return rule, err
})

// LoadCombineRules returns the effective rule of every source.
func (s *Store) LoadCombineRules(ctx context.Context) ([]router.Rule, error) {
	return ruleScanner.NewRowIter(s.Query(ctx, getCombineRulesQuery)).AsList()
}

// CombineHistory returns every rule ever appended, oldest first.
func (s *Store) CombineHistory(ctx context.Context) ([]router.Rule, error) {
	return ruleScanner.NewRowIter(s.Query(ctx, getCombineHistoryQuery)).AsList()
}

// AppendCombineRules inserts rules in one transaction.
func (s *Store) AppendCombineRules(ctx context.Context, rules []router.Rule) error {
	return s.DoTxn(ctx, nil, func(ctx context.Context) error {
		for _, rule := range rules {
			createdAt := rule.CreatedAt
			if createdAt.IsZero() {
				createdAt = s.now()
			}
			_, err := s.Exec(ctx, insertCombineRuleQuery,
				rule.IdentityID, rule.ChannelID, rule.Destination, createdAt.UnixMilli())
			if err != nil {
				return err
			}
		}
		return nil
	})
}
