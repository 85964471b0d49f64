// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package router resolves the destination of delivered records and drops
// records that were already delivered recently.
package router

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/mirror-relay/pkg/record"
)

// DMCategory is the destination category of mirrored direct messages.
const DMCategory = "direct-messages"

// Source is an origin channel. An empty IdentityID matches the channel as
// seen by any identity.
type Source struct {
	IdentityID string `json:"identity_id,omitempty"`
	ChannelID  string `json:"channel_id"`
}

func (s Source) String() string {
	if s.IdentityID == "" {
		return "*/" + s.ChannelID
	}
	return s.IdentityID + "/" + s.ChannelID
}

// ParseSource parses "identity/channel" or a bare channel id.
func ParseSource(s string) (Source, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Source{}, fmt.Errorf("empty source")
	}
	identityID, channelID, found := strings.Cut(s, "/")
	if !found {
		return Source{ChannelID: s}, nil
	}
	if channelID == "" {
		return Source{}, fmt.Errorf("source %q has no channel", s)
	}
	if identityID == "*" {
		identityID = ""
	}
	return Source{IdentityID: identityID, ChannelID: channelID}, nil
}

// Rule maps one source to a destination key.
type Rule struct {
	Source      `json:"source"`
	Destination string    `json:"destination"`
	CreatedAt   time.Time `json:"created_at"`
}

// RuleStore persists combine rules. Rules are only ever appended; for a
// source with several rows the most recent one wins.
type RuleStore interface {
	LoadCombineRules(ctx context.Context) ([]Rule, error)
	AppendCombineRules(ctx context.Context, rules []Rule) error
}

// Target is a resolved destination.
type Target struct {
	Destination string `json:"destination"`
	Combined    bool   `json:"combined"`
}

// Router maps records to destinations through the combine rules and
// suppresses repeated records.
type Router struct {
	log   zerolog.Logger
	store RuleStore
	dedup *DedupCache

	lock  sync.RWMutex
	rules map[Source]Rule
}

// New creates a router. A nil store keeps rules in memory only.
func New(log zerolog.Logger, store RuleStore, dedupCapacity int) *Router {
	return &Router{
		log:   log.With().Str("component", "router").Logger(),
		store: store,
		dedup: NewDedupCache(dedupCapacity),
		rules: make(map[Source]Rule),
	}
}

// Load replaces the in-memory rules with the persisted ones.
func (r *Router) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	rules, err := r.store.LoadCombineRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load combine rules: %w", err)
	}
	loaded := make(map[Source]Rule, len(rules))
	for _, rule := range rules {
		loaded[rule.Source] = rule
	}
	r.lock.Lock()
	r.rules = loaded
	r.lock.Unlock()
	r.log.Info().Int("rule_count", len(loaded)).Msg("Loaded combine rules")
	return nil
}

// Define routes every source to dest. The rules are persisted before they
// take effect; records already delivered are not moved.
func (r *Router) Define(ctx context.Context, dest string, sources ...Source) ([]Rule, error) {
	dest = strings.TrimSpace(dest)
	if dest == "" {
		return nil, fmt.Errorf("empty destination")
	} else if len(sources) == 0 {
		return nil, fmt.Errorf("no sources given for %s", dest)
	}
	now := time.Now().UTC()
	rules := make([]Rule, 0, len(sources))
	for _, src := range sources {
		if src.ChannelID == "" {
			return nil, fmt.Errorf("source without channel for %s", dest)
		}
		rules = append(rules, Rule{Source: src, Destination: dest, CreatedAt: now})
	}
	if r.store != nil {
		if err := r.store.AppendCombineRules(ctx, rules); err != nil {
			return nil, fmt.Errorf("failed to save combine rules: %w", err)
		}
	}
	r.lock.Lock()
	for _, rule := range rules {
		prev, existed := r.rules[rule.Source]
		r.rules[rule.Source] = rule
		evt := r.log.Info().
			Str("source", rule.Source.String()).
			Str("destination", dest)
		if existed {
			evt = evt.Str("previous_destination", prev.Destination)
		}
		evt.Msg("Defined combine rule")
	}
	r.lock.Unlock()
	return rules, nil
}

// Rules returns the effective rules sorted by source.
func (r *Router) Rules() []Rule {
	r.lock.RLock()
	out := make([]Rule, 0, len(r.rules))
	for _, rule := range r.rules {
		out = append(out, rule)
	}
	r.lock.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Source.String() < out[j].Source.String()
	})
	return out
}

// Lookup returns the combine destination of a channel, preferring a rule
// for the exact identity over one for any identity.
func (r *Router) Lookup(identityID, channelID string) (string, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	if rule, ok := r.rules[Source{IdentityID: identityID, ChannelID: channelID}]; ok {
		return rule.Destination, true
	}
	if rule, ok := r.rules[Source{ChannelID: channelID}]; ok {
		return rule.Destination, true
	}
	return "", false
}

// Route resolves the destination of a server-channel record. Without a
// combine rule the record goes to the 1:1 mirror of its channel.
func (r *Router) Route(rec *record.InboundRecord) Target {
	if dest, ok := r.Lookup(rec.IdentityID, rec.ChannelID); ok {
		return Target{Destination: dest, Combined: true}
	}
	return Target{Destination: record.MirrorKey(rec.CategoryName, rec.ChannelName)}
}

// RouteDM resolves the destination of a direct message.
func (r *Router) RouteDM(dm *record.DMRecord) Target {
	if dest, ok := r.Lookup(dm.ReceivingIdentity, dm.ChannelID); ok {
		return Target{Destination: dest, Combined: true}
	}
	label := dm.ChannelLabel
	if label == "" {
		label = "dm-" + dm.SenderID
	}
	return Target{Destination: record.MirrorKey(DMCategory, label)}
}

// Accept routes env unless its record was already seen. Message ids are
// unique per origin, so the same message observed by two identities is
// delivered once. ok is false for duplicates and for envelopes that carry
// no record.
func (r *Router) Accept(env *record.Envelope) (target Target, ok bool) {
	var key string
	switch {
	case env.Message != nil:
		key = env.Message.DedupKey()
		target = r.Route(env.Message)
	case env.DM != nil:
		key = "dm|" + env.DM.DedupKey()
		target = r.RouteDM(env.DM)
	default:
		return Target{}, false
	}
	if r.dedup.Seen(key) {
		r.log.Debug().
			Str("dedup_key", key).
			Str("envelope_id", env.ID).
			Msg("Dropping duplicate record")
		return Target{}, false
	}
	return target, true
}

// Dedup exposes the recent-key cache.
func (r *Router) Dedup() *DedupCache {
	return r.dedup
}
