// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package deliver

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/mirror-relay/pkg/queue"
	"github.com/aiku/mirror-relay/pkg/record"
	"github.com/aiku/mirror-relay/pkg/retry"
	"github.com/aiku/mirror-relay/pkg/router"
)

const (
	DefaultMessageDelay = 750 * time.Millisecond
	DefaultPollInterval = 2 * time.Second
)

// Archiver records delivered messages.
type Archiver interface {
	ArchiveMessage(ctx context.Context, rec *record.InboundRecord, destination string) error
}

// Options tune a Consumer.
type Options struct {
	// MessageDelay is the pause after each delivered record.
	MessageDelay time.Duration `yaml:"message_delay"`
	// PollInterval is the wait after an empty pop or a bridge error.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ConsumerStats counts what a consumer did with popped envelopes.
type ConsumerStats struct {
	Delivered  int64 `json:"delivered"`
	Duplicates int64 `json:"duplicates"`
	Failed     int64 `json:"failed"`
	Malformed  int64 `json:"malformed"`
}

// Consumer is the single consumer of one queue. It pops envelopes in
// order, routes and dedups them through the router and hands them to the
// sink. Failures are logged and never stop the loop.
type Consumer struct {
	log     zerolog.Logger
	queue   string
	bridge  queue.Bridge
	router  *router.Router
	sink    Sink
	archive Archiver
	opts    Options

	delivered  atomic.Int64
	duplicates atomic.Int64
	failed     atomic.Int64
	malformed  atomic.Int64
}

// NewConsumer creates a consumer of queueName. archive may be nil.
func NewConsumer(log zerolog.Logger, queueName string, bridge queue.Bridge, rt *router.Router, sink Sink, archive Archiver, opts Options) *Consumer {
	if opts.MessageDelay < 0 {
		opts.MessageDelay = 0
	} else if opts.MessageDelay == 0 {
		opts.MessageDelay = DefaultMessageDelay
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Consumer{
		log: log.With().
			Str("component", "consumer").
			Str("queue", queueName).
			Logger(),
		queue:   queueName,
		bridge:  bridge,
		router:  rt,
		sink:    sink,
		archive: archive,
		opts:    opts,
	}
}

// Run consumes until ctx is done. The envelope being handled when ctx is
// canceled is still delivered; callers bound that with their shutdown
// grace period.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info().
		Dur("message_delay", c.opts.MessageDelay).
		Dur("poll_interval", c.opts.PollInterval).
		Msg("Starting delivery consumer")
	defer c.log.Info().Msg("Delivery consumer stopped")
	for ctx.Err() == nil {
		handled, err := c.ProcessOne(ctx)
		var wait time.Duration
		switch {
		case errors.Is(err, queue.ErrClosed):
			return nil
		case err != nil, !handled:
			wait = c.opts.PollInterval
		default:
			wait = c.opts.MessageDelay
		}
		if retry.Sleep(ctx, wait) != nil {
			return nil
		}
	}
	return nil
}

// ProcessOne pops and handles a single envelope. It reports false when the
// queue was empty or the pop failed.
func (c *Consumer) ProcessOne(ctx context.Context) (bool, error) {
	env, err := c.bridge.Pop(ctx, c.queue)
	if errors.Is(err, record.ErrInvalidEnvelope) {
		c.malformed.Add(1)
		c.log.Warn().Err(err).Msg("Dropping malformed envelope")
		return true, nil
	} else if err != nil {
		if ctx.Err() == nil && !errors.Is(err, queue.ErrClosed) {
			c.log.Warn().Err(err).Msg("Failed to pop from queue")
		}
		return false, err
	} else if env == nil {
		return false, nil
	}
	c.handle(context.WithoutCancel(ctx), env)
	return true, nil
}

func (c *Consumer) handle(ctx context.Context, env *record.Envelope) {
	log := c.log.With().
		Str("envelope_id", env.ID).
		Str("kind", string(env.Kind)).
		Logger()
	target, ok := c.router.Accept(env)
	if !ok {
		if env.Command != nil {
			log.Warn().Msg("Dropping command envelope on a record queue")
		} else {
			c.duplicates.Add(1)
		}
		return
	}
	log = log.With().Str("destination", target.Destination).Logger()
	ctx = log.WithContext(ctx)

	start := time.Now()
	if err := c.sink.Deliver(ctx, target, env); err != nil {
		c.failed.Add(1)
		log.Err(err).
			Bool("permanent", errors.Is(err, ErrPermanent)).
			Msg("Failed to deliver record")
		return
	}
	c.delivered.Add(1)
	log.Debug().
		Bool("combined", target.Combined).
		Dur("duration", time.Since(start)).
		Msg("Delivered record")

	if c.archive == nil {
		return
	}
	rec := env.Message
	if env.DM != nil {
		rec = &env.DM.InboundRecord
	}
	if err := c.archive.ArchiveMessage(ctx, rec, target.Destination); err != nil {
		log.Warn().Err(err).Msg("Failed to archive delivered record")
	}
}

// Stats returns the consumer counters.
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Delivered:  c.delivered.Load(),
		Duplicates: c.duplicates.Load(),
		Failed:     c.failed.Load(),
		Malformed:  c.malformed.Load(),
	}
}
