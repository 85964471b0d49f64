// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package filter decides which classified records are relayed.
//
// Server messages pass through the identity's monitored servers and
// exclusion sets plus the admin blocklist. Direct messages go through a
// fixed precedence:
//
//  1. a sender sharing a monitored server with the receiving identity is
//     allowed, even if the content looks like spam;
//  2. an authorized bot is allowed without spam checks;
//  3. spam heuristics (keywords, patterns, link lures, emoji floods) deny;
//  4. an unsolicited first contact with no mutual server is denied;
//  5. anything else is allowed.
//
// A mutual-server lookup that fails counts as unknown: it neither allows in
// step 1 nor denies in step 4.
package filter

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/aiku/mirror-relay/pkg/identity"
	"github.com/aiku/mirror-relay/pkg/record"
)

// Reason explains a filter decision.
type Reason string

const (
	ReasonAllowed          Reason = "allowed"
	ReasonOwnMessage       Reason = "own-message"
	ReasonNotMonitored     Reason = "not-monitored"
	ReasonExcludedCategory Reason = "excluded-category"
	ReasonExcludedChannel  Reason = "excluded-channel"
	ReasonBlockedChannel   Reason = "blocked-channel"
	ReasonMutualServer     Reason = "mutual-server"
	ReasonAuthorizedBot    Reason = "authorized-bot"
	ReasonSpamKeyword      Reason = "spam-keyword"
	ReasonSpamPattern      Reason = "spam-pattern"
	ReasonSpamLink         Reason = "spam-link"
	ReasonSpamEmoji        Reason = "spam-emoji"
	ReasonUnsolicited      Reason = "unsolicited"
)

// Decision is the outcome of a filter check. Denials are a normal outcome,
// not an error.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  Reason `json:"reason"`
}

func allow(reason Reason) Decision { return Decision{Allowed: true, Reason: reason} }
func deny(reason Reason) Decision  { return Decision{Allowed: false, Reason: reason} }

// Blocklist reports channels blocked by an operator, by name.
type Blocklist interface {
	IsBlocked(channelName string) bool
}

// MutualServerChecker reports whether a user shares a monitored server with
// an identity. An error means the answer is unknown.
type MutualServerChecker interface {
	HasMutualServer(ctx context.Context, identityID, userID string) (bool, error)
}

// Engine evaluates filter decisions. It is safe for concurrent use.
type Engine struct {
	log       zerolog.Logger
	rules     atomic.Pointer[compiledRules]
	blocklist Blocklist
	stats     *Stats
}

// NewEngine creates an engine with the given rule tables. A nil blocklist
// blocks nothing.
func NewEngine(log zerolog.Logger, tables *RuleTables, blocklist Blocklist) (*Engine, error) {
	e := &Engine{
		log:       log.With().Str("component", "filter").Logger(),
		blocklist: blocklist,
		stats:     NewStats(),
	}
	if tables == nil {
		tables = DefaultRuleTables()
	}
	if err := e.SetRules(tables); err != nil {
		return nil, err
	}
	return e, nil
}

// SetRules swaps the active rule tables.
func (e *Engine) SetRules(tables *RuleTables) error {
	compiled, err := tables.compile()
	if err != nil {
		return err
	}
	e.rules.Store(compiled)
	return nil
}

// Rules returns the active rule tables.
func (e *Engine) Rules() *RuleTables {
	return e.rules.Load().tables
}

// Stats returns the DM decision counters.
func (e *Engine) Stats() *Stats {
	return e.stats
}

// Allow decides whether a server-channel record observed by ident is
// relayed.
func (e *Engine) Allow(rec *record.InboundRecord, ident *identity.Identity) Decision {
	d := e.allow(rec, ident)
	if !d.Allowed {
		e.log.Debug().
			Str("message_id", rec.MessageID).
			Str("identity_id", ident.ID).
			Str("channel_id", rec.ChannelID).
			Str("reason", string(d.Reason)).
			Msg("Record filtered")
	}
	return d
}

func (e *Engine) allow(rec *record.InboundRecord, ident *identity.Identity) Decision {
	if ident.UserID != "" && rec.AuthorID == ident.UserID {
		return deny(ReasonOwnMessage)
	}
	srv, ok := ident.Server(rec.ServerID)
	if !ok {
		return deny(ReasonNotMonitored)
	}
	if srv.CategoryExcluded(rec.CategoryID) {
		return deny(ReasonExcludedCategory)
	}
	if srv.ChannelExcluded(rec.ChannelID) {
		return deny(ReasonExcludedChannel)
	}
	if e.blocklist != nil && e.blocklist.IsBlocked(rec.ChannelName) {
		return deny(ReasonBlockedChannel)
	}
	return allow(ReasonAllowed)
}

// ShouldAllowDM decides whether a direct message is relayed.
func (e *Engine) ShouldAllowDM(ctx context.Context, dm *record.DMRecord, checker MutualServerChecker) Decision {
	d := e.shouldAllowDM(ctx, dm, checker)
	e.stats.Record(d)
	evt := e.log.Debug()
	if !d.Allowed {
		evt = e.log.Info()
	}
	evt.Str("message_id", dm.MessageID).
		Str("identity_id", dm.ReceivingIdentity).
		Str("sender_id", dm.SenderID).
		Bool("allowed", d.Allowed).
		Str("reason", string(d.Reason)).
		Msg("DM filter decision")
	return d
}

func (e *Engine) shouldAllowDM(ctx context.Context, dm *record.DMRecord, checker MutualServerChecker) Decision {
	rules := e.rules.Load()

	// nil means the mutual-server answer is unknown.
	var mutual *bool
	if checker != nil {
		shared, err := checker.HasMutualServer(ctx, dm.ReceivingIdentity, dm.SenderID)
		if err != nil {
			e.log.Warn().Err(err).
				Str("identity_id", dm.ReceivingIdentity).
				Str("sender_id", dm.SenderID).
				Msg("Mutual server check failed, treating as unknown")
		} else {
			mutual = &shared
		}
	}
	if mutual != nil && *mutual {
		return allow(ReasonMutualServer)
	}

	if rules.isAuthorizedBot(dm.SenderID, dm.IsBot, dm.BotName, dm.SenderName) {
		return allow(ReasonAuthorizedBot)
	}

	lower := strings.ToLower(dm.Content)
	if _, ok := rules.matchKeyword(lower); ok {
		return deny(ReasonSpamKeyword)
	}
	if _, ok := rules.matchPattern(lower); ok {
		return deny(ReasonSpamPattern)
	}
	if rules.isLinkLure(dm.Content) {
		return deny(ReasonSpamLink)
	}
	if rules.isEmojiHeavy(dm.Content) {
		return deny(ReasonSpamEmoji)
	}

	if mutual != nil && dm.FirstContact {
		return deny(ReasonUnsolicited)
	}
	return allow(ReasonAllowed)
}
