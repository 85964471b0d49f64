// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package queue is the durable hand-off between ingestion and delivery.
//
// A Bridge holds independent FIFO queues of record envelopes. Producers push
// from any goroutine; each queue has a single consumer that pops in
// submission order. Delivery is at-most-once per entry: a popped envelope is
// gone from the queue whether or not the consumer manages to deliver it.
// Queues are unbounded and meant to be watched by operators with the
// "queue stats" command.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aiku/mirror-relay/pkg/record"
)

// Queue names.
const (
	MessageQueue  = "message_queue"
	DMQueue       = "dm_queue"
	RelayCommands = "relay_commands"
)

// Names lists every queue the relay uses.
var Names = []string{MessageQueue, DMQueue, RelayCommands}

var (
	// ErrUnavailable is returned when the backing store cannot be reached.
	ErrUnavailable = errors.New("queue backend unavailable")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("queue bridge closed")
)

// Bridge is a set of named FIFO queues of envelopes.
type Bridge interface {
	// Push appends env to the named queue.
	Push(ctx context.Context, queue string, env *record.Envelope) error
	// Pop removes and returns the oldest envelope, or nil when the queue is
	// empty.
	Pop(ctx context.Context, queue string) (*record.Envelope, error)
	// Len returns the number of queued envelopes.
	Len(ctx context.Context, queue string) (int, error)
	// Peek returns up to n envelopes from the head without removing them.
	Peek(ctx context.Context, queue string, n int) ([]*record.Envelope, error)
	// Clear drops every envelope in the queue and returns how many were
	// removed.
	Clear(ctx context.Context, queue string) (int, error)
	Close() error
}

// KV is the shared key-value space for ephemeral bot-instance metadata.
// Get returns ok=false for missing or expired keys. A zero ttl never
// expires.
type KV interface {
	SetKey(ctx context.Context, key, value string, ttl time.Duration) error
	GetKey(ctx context.Context, key string) (value string, ok bool, err error)
	DeleteKey(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Stats is the length of every known queue.
type Stats map[string]int

// Lengths returns the length of each queue in Names.
func Lengths(ctx context.Context, b Bridge) (Stats, error) {
	stats := make(Stats, len(Names))
	for _, name := range Names {
		n, err := b.Len(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to get length of %s: %w", name, err)
		}
		stats[name] = n
	}
	return stats, nil
}

func encode(env *record.Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

func decode(data []byte) (*record.Envelope, error) {
	var env record.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", record.ErrInvalidEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}
