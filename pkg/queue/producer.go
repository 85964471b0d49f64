// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package queue

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/mirror-relay/pkg/record"
)

// DefaultPushTimeout bounds a single Producer push.
const DefaultPushTimeout = 5 * time.Second

// Producer pushes envelopes for the ingestion side. A push that fails or
// times out is logged and dropped so that ingestion never blocks on an
// unavailable backend.
type Producer struct {
	log     zerolog.Logger
	bridge  Bridge
	timeout time.Duration

	pushed  atomic.Int64
	dropped atomic.Int64
}

func NewProducer(log zerolog.Logger, bridge Bridge, timeout time.Duration) *Producer {
	if timeout <= 0 {
		timeout = DefaultPushTimeout
	}
	return &Producer{
		log:     log.With().Str("component", "producer").Logger(),
		bridge:  bridge,
		timeout: timeout,
	}
}

// Enqueue pushes env to queue and reports whether it was accepted.
func (p *Producer) Enqueue(ctx context.Context, queue string, env *record.Envelope) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.bridge.Push(ctx, queue, env); err != nil {
		p.dropped.Add(1)
		p.log.Warn().Err(err).
			Str("queue", queue).
			Str("envelope_id", env.ID).
			Str("kind", string(env.Kind)).
			Msg("Dropping envelope, queue push failed")
		return false
	}
	p.pushed.Add(1)
	p.log.Debug().
		Str("queue", queue).
		Str("envelope_id", env.ID).
		Msg("Enqueued envelope")
	return true
}

// EnqueueMessage wraps rec in an envelope and pushes it to the message
// queue.
func (p *Producer) EnqueueMessage(ctx context.Context, rec *record.InboundRecord) bool {
	return p.Enqueue(ctx, MessageQueue, record.NewMessageEnvelope(rec))
}

// EnqueueDM wraps dm in an envelope and pushes it to the DM queue.
func (p *Producer) EnqueueDM(ctx context.Context, dm *record.DMRecord) bool {
	return p.Enqueue(ctx, DMQueue, record.NewDMEnvelope(dm))
}

// EnqueueCommand wraps cmd in an envelope and pushes it to the relay
// command queue.
func (p *Producer) EnqueueCommand(ctx context.Context, cmd *record.RelayCommand) bool {
	return p.Enqueue(ctx, RelayCommands, record.NewCommandEnvelope(cmd))
}

// Counts returns the number of accepted and dropped pushes.
func (p *Producer) Counts() (pushed, dropped int64) {
	return p.pushed.Load(), p.dropped.Load()
}
