// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package admin implements the operator operations of the relay and
// exposes them over a local HTTP API.
package admin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aiku/mirror-relay/pkg/filter"
	"github.com/aiku/mirror-relay/pkg/identity"
	"github.com/aiku/mirror-relay/pkg/queue"
	"github.com/aiku/mirror-relay/pkg/relay"
	"github.com/aiku/mirror-relay/pkg/router"
	"github.com/aiku/mirror-relay/pkg/store"
	"github.com/aiku/mirror-relay/pkg/webhookfmt"
)

// ErrInvalidInput is returned for malformed operator input.
var ErrInvalidInput = errors.New("invalid input")

const maxMessageLimit = 100

// Blocklist is the mutable channel blocklist.
type Blocklist interface {
	Block(ctx context.Context, name string) (bool, error)
	Unblock(ctx context.Context, name string) (bool, error)
	List() []string
}

// Store persists layout snapshots and webhook registrations.
type Store interface {
	SaveLayout(ctx context.Context, layout *store.Layout) error
	GetLayout(ctx context.Context, name string) (*store.Layout, error)
	Layouts(ctx context.Context) ([]*store.Layout, error)
	SetWebhookURL(ctx context.Context, destination, url string) error
	DeleteWebhook(ctx context.Context, destination string) error
	Webhooks(ctx context.Context) (map[string]string, error)
	MessageCounts(ctx context.Context) (map[string]int, error)
	RecentMessages(ctx context.Context, destination string, limit int) ([]*store.ArchivedMessage, error)
}

// Relay is the relay controller surface used by the API.
type Relay interface {
	SendDM(ctx context.Context, req relay.SendRequest) (*relay.Outcome, error)
	RequestSync(ctx context.Context) error
	Stats() relay.Stats
}

// Ingest is the ingestion side as seen by the report.
type Ingest interface {
	Running() []string
	Counts() (pushed, dropped int64)
}

// Params are the dependencies of a Service. Everything except Store,
// Blocklist and Router may be nil; the report then omits that section.
type Params struct {
	Store      Store
	Blocklist  Blocklist
	Router     *router.Router
	Filter     *filter.Engine
	Relay      Relay
	Bridge     queue.Bridge
	Identities *identity.Manager
	Ingest     Ingest
}

// Service implements the admin operations.
type Service struct {
	log zerolog.Logger
	p   Params
}

func NewService(log zerolog.Logger, p Params) *Service {
	return &Service{
		log: log.With().Str("component", "admin").Logger(),
		p:   p,
	}
}

// Block adds a channel name to the blocklist. It reports false if the name
// was already blocked.
func (s *Service) Block(ctx context.Context, name string) (bool, error) {
	if strings.TrimSpace(name) == "" {
		return false, fmt.Errorf("%w: empty channel name", ErrInvalidInput)
	}
	added, err := s.p.Blocklist.Block(ctx, name)
	if err != nil {
		return false, fmt.Errorf("failed to block channel: %w", err)
	}
	s.log.Info().Str("channel_name", name).Bool("added", added).Msg("Blocked channel")
	return added, nil
}

// Unblock removes a channel name from the blocklist. It reports false if
// the name was not blocked.
func (s *Service) Unblock(ctx context.Context, name string) (bool, error) {
	removed, err := s.p.Blocklist.Unblock(ctx, name)
	if err != nil {
		return false, fmt.Errorf("failed to unblock channel: %w", err)
	}
	s.log.Info().Str("channel_name", name).Bool("removed", removed).Msg("Unblocked channel")
	return removed, nil
}

// Blocked lists the blocked channel names.
func (s *Service) Blocked() []string {
	return s.p.Blocklist.List()
}

// Combine routes the given sources to dest. Sources are "identity/channel",
// "*/channel" or a bare channel id.
func (s *Service) Combine(ctx context.Context, dest string, sources []string) ([]router.Rule, error) {
	parsed := make([]router.Source, 0, len(sources))
	for _, raw := range sources {
		src, err := router.ParseSource(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		parsed = append(parsed, src)
	}
	if strings.TrimSpace(dest) == "" || len(parsed) == 0 {
		return nil, fmt.Errorf("%w: combine needs a destination and at least one source", ErrInvalidInput)
	}
	return s.p.Router.Define(ctx, dest, parsed...)
}

// CombineRules returns the effective combine rules.
func (s *Service) CombineRules() []router.Rule {
	return s.p.Router.Rules()
}

// CaptureLayout saves the current combine rules and blocklist under name.
func (s *Service) CaptureLayout(ctx context.Context, name string) (*store.Layout, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty layout name", ErrInvalidInput)
	}
	layout := &store.Layout{
		Name:    name,
		Rules:   s.p.Router.Rules(),
		Blocked: s.p.Blocklist.List(),
	}
	if err := s.p.Store.SaveLayout(ctx, layout); err != nil {
		return nil, fmt.Errorf("failed to save layout: %w", err)
	}
	s.log.Info().
		Str("layout", name).
		Int("rule_count", len(layout.Rules)).
		Int("blocked_count", len(layout.Blocked)).
		Msg("Captured layout snapshot")
	return layout, nil
}

// RestoreResult summarizes a layout restore.
type RestoreResult struct {
	Layout       string `json:"layout"`
	Rules        int    `json:"rules"`
	Blocked      int    `json:"blocked"`
	NewlyBlocked int    `json:"newly_blocked"`
}

// RestoreLayout re-appends the rules and blocked names of a snapshot.
// Rules defined after the snapshot for other sources stay in effect.
func (s *Service) RestoreLayout(ctx context.Context, name string) (*RestoreResult, error) {
	layout, err := s.p.Store.GetLayout(ctx, strings.TrimSpace(name))
	if err != nil {
		return nil, err
	}
	res := &RestoreResult{Layout: layout.Name}

	var order []string
	byDest := make(map[string][]router.Source)
	for _, rule := range layout.Rules {
		if _, ok := byDest[rule.Destination]; !ok {
			order = append(order, rule.Destination)
		}
		byDest[rule.Destination] = append(byDest[rule.Destination], rule.Source)
	}
	for _, dest := range order {
		rules, err := s.p.Router.Define(ctx, dest, byDest[dest]...)
		if err != nil {
			return res, fmt.Errorf("failed to restore rules for %s: %w", dest, err)
		}
		res.Rules += len(rules)
	}
	for _, blocked := range layout.Blocked {
		added, err := s.p.Blocklist.Block(ctx, blocked)
		if err != nil {
			return res, fmt.Errorf("failed to restore blocked channel %s: %w", blocked, err)
		}
		res.Blocked++
		if added {
			res.NewlyBlocked++
		}
	}
	s.log.Info().
		Str("layout", layout.Name).
		Int("rule_count", res.Rules).
		Int("blocked_count", res.Blocked).
		Msg("Restored layout snapshot")
	return res, nil
}

// Layouts lists the saved snapshots, newest first.
func (s *Service) Layouts(ctx context.Context) ([]*store.Layout, error) {
	return s.p.Store.Layouts(ctx)
}

// SetWebhook registers the webhook URL of a destination key. An empty url
// removes the registration.
func (s *Service) SetWebhook(ctx context.Context, dest, url string) error {
	dest = strings.TrimSpace(dest)
	if dest == "" {
		return fmt.Errorf("%w: empty destination", ErrInvalidInput)
	}
	if url == "" {
		return s.p.Store.DeleteWebhook(ctx, dest)
	} else if _, _, err := webhookfmt.ParseURL(url); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if err := s.p.Store.SetWebhookURL(ctx, dest, url); err != nil {
		return err
	}
	s.log.Info().Str("destination", dest).Msg("Registered webhook")
	return nil
}

// Webhooks lists the registered destinations. URLs are not returned since
// they carry the webhook token.
func (s *Service) Webhooks(ctx context.Context) ([]string, error) {
	hooks, err := s.p.Store.Webhooks(ctx)
	if err != nil {
		return nil, err
	}
	dests := make([]string, 0, len(hooks))
	for dest := range hooks {
		dests = append(dests, dest)
	}
	sort.Strings(dests)
	return dests, nil
}

// Report is the DM statistics and active filter configuration.
type Report struct {
	DMs          relay.Stats          `json:"dms"`
	Filter       *filter.RuleTables   `json:"filter"`
	Blocked      []string             `json:"blocked_channels"`
	CombineRules int                  `json:"combine_rules"`
	Queues       queue.Stats          `json:"queues,omitempty"`
	QueueError   string               `json:"queue_error,omitempty"`
	Identities   []*identity.Identity `json:"identities,omitempty"`
	Ingest       *IngestReport        `json:"ingest,omitempty"`
	Archived     map[string]int       `json:"archived,omitempty"`
}

type IngestReport struct {
	Sessions []string `json:"sessions"`
	Enqueued int64    `json:"enqueued"`
	Dropped  int64    `json:"dropped"`
}

// Report gathers the current statistics. A queue backend that cannot be
// reached is reported, not returned as an error.
func (s *Service) Report(ctx context.Context) *Report {
	rep := &Report{
		Blocked:      s.p.Blocklist.List(),
		CombineRules: len(s.p.Router.Rules()),
	}
	if s.p.Relay != nil {
		rep.DMs = s.p.Relay.Stats()
	}
	if s.p.Filter != nil {
		rep.Filter = s.p.Filter.Rules()
	}
	if s.p.Bridge != nil {
		queues, err := queue.Lengths(ctx, s.p.Bridge)
		if err != nil {
			s.log.Warn().Err(err).Msg("Failed to read queue lengths")
			rep.QueueError = err.Error()
		} else {
			rep.Queues = queues
		}
	}
	if s.p.Identities != nil {
		rep.Identities = s.p.Identities.All()
	}
	if s.p.Ingest != nil {
		sessions := s.p.Ingest.Running()
		sort.Strings(sessions)
		pushed, dropped := s.p.Ingest.Counts()
		rep.Ingest = &IngestReport{Sessions: sessions, Enqueued: pushed, Dropped: dropped}
	}
	if archived, err := s.p.Store.MessageCounts(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Failed to count archived messages")
	} else {
		rep.Archived = archived
	}
	return rep
}

// RecentMessages returns the newest archived messages delivered to dest.
func (s *Service) RecentMessages(ctx context.Context, dest string, limit int) ([]*store.ArchivedMessage, error) {
	dest = strings.TrimSpace(dest)
	if dest == "" {
		return nil, fmt.Errorf("%w: empty destination", ErrInvalidInput)
	}
	if limit <= 0 || limit > maxMessageLimit {
		limit = maxMessageLimit
	}
	return s.p.Store.RecentMessages(ctx, dest, limit)
}

// ResetIdentity clears the failed status of an identity. The session is
// started again on the next run of the relay.
func (s *Service) ResetIdentity(ctx context.Context, id string) error {
	if s.p.Identities == nil {
		return fmt.Errorf("%w: %s", identity.ErrNotFound, id)
	}
	if err := s.p.Identities.Reset(ctx, id); err != nil {
		return err
	}
	s.log.Info().Str("identity_id", id).Msg("Reset identity status")
	return nil
}

// SendDM forwards a send request to the relay controller.
func (s *Service) SendDM(ctx context.Context, req relay.SendRequest) (*relay.Outcome, error) {
	if s.p.Relay == nil {
		return nil, relay.ErrNoSession
	}
	return s.p.Relay.SendDM(ctx, req)
}

// Sync asks the relay controller to resync identity state.
func (s *Service) Sync(ctx context.Context) error {
	if s.p.Relay == nil {
		return relay.ErrNoSession
	}
	return s.p.Relay.RequestSync(ctx)
}
