// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package relay is the private-message side of the relay: it sends DMs
// through an explicitly chosen identity, resyncs identity state on request
// and mirrors inbound DMs into the queue bridge.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"

	"github.com/aiku/mirror-relay/pkg/filter"
	"github.com/aiku/mirror-relay/pkg/identity"
	"github.com/aiku/mirror-relay/pkg/queue"
	"github.com/aiku/mirror-relay/pkg/record"
)

var (
	// ErrUnknownIdentity is returned for sends through an identity that is
	// not configured.
	ErrUnknownIdentity = errors.New("unknown identity")
	// ErrNoSession is returned when the identity has no running session.
	ErrNoSession = errors.New("identity has no active session")
	// ErrInvalidRequest is returned for incomplete send requests.
	ErrInvalidRequest = errors.New("invalid relay request")
	// ErrInProgress is returned when a request with the same id is being
	// executed.
	ErrInProgress = errors.New("request already in progress")
)

const (
	// DefaultOutcomeTTL is how long a completed request id is remembered.
	DefaultOutcomeTTL  = 24 * time.Hour
	maxDMContentLen    = 2000
	outcomeKeyPrefix   = "relay:outcome:"
	defaultCommandPoll = 2 * time.Second
)

// Sender sends direct messages as one identity.
type Sender interface {
	SendDM(ctx context.Context, userID, content string) (messageID string, err error)
}

// SyncFunc re-resolves cached state, such as mutual-server lookups.
type SyncFunc func(ctx context.Context) error

// SendRequest asks for a DM to be sent via IdentityID. Retrying a request
// with the same RequestID returns the first outcome instead of sending
// again.
type SendRequest struct {
	RequestID    string `json:"request_id,omitempty"`
	IdentityID   string `json:"identity_id"`
	TargetUserID string `json:"target_user_id"`
	Content      string `json:"content"`
}

// Outcome is the result of a completed send.
type Outcome struct {
	RequestID    string    `json:"request_id"`
	IdentityID   string    `json:"identity_id"`
	TargetUserID string    `json:"target_user_id"`
	MessageID    string    `json:"message_id"`
	SentAt       time.Time `json:"sent_at"`
	Replayed     bool      `json:"replayed,omitempty"`
}

// Stats is the DM activity of the relay.
type Stats struct {
	Filter        filter.StatsSnapshot `json:"filter"`
	Mirrored      int64                `json:"mirrored"`
	MirrorDropped int64                `json:"mirror_dropped"`
	Sent          int64                `json:"sent"`
	SendFailed    int64                `json:"send_failed"`
	Replayed      int64                `json:"replayed"`
	Syncs         int64                `json:"syncs"`
}

// Params are the dependencies of a Controller. KV and FilterStats may be
// nil.
type Params struct {
	Identities  *identity.Manager
	Producer    *queue.Producer
	Bridge      queue.Bridge
	KV          queue.KV
	FilterStats *filter.Stats
	OutcomeTTL  time.Duration
	CommandPoll time.Duration
}

// Controller implements the relay operations. All methods are safe for
// concurrent use.
type Controller struct {
	log zerolog.Logger
	p   Params

	senders  *exsync.Map[string, Sender]
	inflight *exsync.Set[string]

	hookLock  sync.Mutex
	syncHooks []SyncFunc

	mirrored      atomic.Int64
	mirrorDropped atomic.Int64
	sent          atomic.Int64
	sendFailed    atomic.Int64
	replayed      atomic.Int64
	syncs         atomic.Int64

	now func() time.Time
}

func NewController(log zerolog.Logger, p Params) *Controller {
	if p.OutcomeTTL <= 0 {
		p.OutcomeTTL = DefaultOutcomeTTL
	}
	if p.CommandPoll <= 0 {
		p.CommandPoll = defaultCommandPoll
	}
	return &Controller{
		log:      log.With().Str("component", "relay").Logger(),
		p:        p,
		senders:  exsync.NewMap[string, Sender](),
		inflight: exsync.NewSet[string](),
		now:      time.Now,
	}
}

// RegisterSender makes the session of identityID available for sends.
func (c *Controller) RegisterSender(identityID string, sender Sender) {
	c.senders.Set(identityID, sender)
}

// UnregisterSender removes the session of identityID.
func (c *Controller) UnregisterSender(identityID string) {
	c.senders.Delete(identityID)
}

// OnSync adds a hook run by every RequestSync.
func (c *Controller) OnSync(fn SyncFunc) {
	c.hookLock.Lock()
	c.syncHooks = append(c.syncHooks, fn)
	c.hookLock.Unlock()
}

func (req *SendRequest) validate() error {
	req.IdentityID = strings.TrimSpace(req.IdentityID)
	req.TargetUserID = strings.TrimSpace(req.TargetUserID)
	switch {
	case req.IdentityID == "":
		return fmt.Errorf("%w: missing identity", ErrInvalidRequest)
	case req.TargetUserID == "":
		return fmt.Errorf("%w: missing target user", ErrInvalidRequest)
	case strings.TrimSpace(req.Content) == "":
		return fmt.Errorf("%w: empty content", ErrInvalidRequest)
	case utf8.RuneCountInString(req.Content) > maxDMContentLen:
		return fmt.Errorf("%w: content longer than %d characters", ErrInvalidRequest, maxDMContentLen)
	}
	return nil
}

// SendDM sends a direct message through the identity named in req. The
// identity is never inferred. A request id that already completed returns
// its stored outcome with Replayed set.
func (c *Controller) SendDM(ctx context.Context, req SendRequest) (*Outcome, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	log := c.log.With().
		Str("request_id", req.RequestID).
		Str("identity_id", req.IdentityID).
		Str("target_user_id", req.TargetUserID).
		Logger()

	if prev := c.replay(ctx, log, req.RequestID); prev != nil {
		return prev, nil
	}
	if !c.inflight.Add(req.RequestID) {
		return nil, ErrInProgress
	}
	defer c.inflight.Remove(req.RequestID)
	// A concurrent send may have finished between the lookup and the guard.
	if prev := c.replay(ctx, log, req.RequestID); prev != nil {
		return prev, nil
	}

	if _, ok := c.p.Identities.Get(req.IdentityID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIdentity, req.IdentityID)
	}
	sender, ok := c.senders.Get(req.IdentityID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, req.IdentityID)
	}
	messageID, err := sender.SendDM(ctx, req.TargetUserID, req.Content)
	if err != nil {
		c.sendFailed.Add(1)
		log.Err(err).Msg("Failed to send DM")
		return nil, fmt.Errorf("failed to send DM via %s: %w", req.IdentityID, err)
	}
	c.sent.Add(1)
	outcome := &Outcome{
		RequestID:    req.RequestID,
		IdentityID:   req.IdentityID,
		TargetUserID: req.TargetUserID,
		MessageID:    messageID,
		SentAt:       c.now().UTC(),
	}
	if err = c.storeOutcome(ctx, outcome); err != nil {
		log.Warn().Err(err).Msg("Failed to store send outcome")
	}
	log.Info().Str("message_id", messageID).Msg("Sent DM")
	return outcome, nil
}

func (c *Controller) replay(ctx context.Context, log zerolog.Logger, requestID string) *Outcome {
	prev, err := c.loadOutcome(ctx, requestID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to look up previous outcome")
		return nil
	} else if prev != nil {
		c.replayed.Add(1)
		log.Debug().Msg("Returning stored outcome for repeated request")
	}
	return prev
}

func (c *Controller) loadOutcome(ctx context.Context, requestID string) (*Outcome, error) {
	if c.p.KV == nil {
		return nil, nil
	}
	val, ok, err := c.p.KV.GetKey(ctx, outcomeKeyPrefix+requestID)
	if err != nil || !ok {
		return nil, err
	}
	var outcome Outcome
	if err = json.Unmarshal([]byte(val), &outcome); err != nil {
		return nil, fmt.Errorf("failed to decode stored outcome: %w", err)
	}
	outcome.Replayed = true
	return &outcome, nil
}

func (c *Controller) storeOutcome(ctx context.Context, outcome *Outcome) error {
	if c.p.KV == nil {
		return nil
	}
	data, err := json.Marshal(outcome)
	if err != nil {
		return err
	}
	return c.p.KV.SetKey(ctx, outcomeKeyPrefix+outcome.RequestID, string(data), c.p.OutcomeTTL)
}

// RequestSync reloads identity state from the store and runs the sync
// hooks. Every hook runs even if an earlier one fails.
func (c *Controller) RequestSync(ctx context.Context) error {
	var errs []error
	if c.p.Identities != nil {
		if err := c.p.Identities.Reload(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.hookLock.Lock()
	hooks := append([]SyncFunc(nil), c.syncHooks...)
	c.hookLock.Unlock()
	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.syncs.Add(1)
	err := errors.Join(errs...)
	evt := c.log.Info()
	if err != nil {
		evt = c.log.Warn().Err(err)
	}
	evt.Int("hooks", len(hooks)).Msg("Resynced identity state")
	return err
}

// MirrorInbound enqueues an allowed inbound DM for delivery and reports
// whether the push was accepted.
func (c *Controller) MirrorInbound(ctx context.Context, dm *record.DMRecord) bool {
	if c.p.Producer.EnqueueDM(ctx, dm) {
		c.mirrored.Add(1)
		return true
	}
	c.mirrorDropped.Add(1)
	return false
}

// Stats returns the DM filter decisions and relay counters.
func (c *Controller) Stats() Stats {
	var filterStats filter.StatsSnapshot
	if c.p.FilterStats != nil {
		filterStats = c.p.FilterStats.Snapshot()
	}
	return Stats{
		Filter:        filterStats,
		Mirrored:      c.mirrored.Load(),
		MirrorDropped: c.mirrorDropped.Load(),
		Sent:          c.sent.Load(),
		SendFailed:    c.sendFailed.Load(),
		Replayed:      c.replayed.Load(),
		Syncs:         c.syncs.Load(),
	}
}
