// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/aiku/mirror-relay/pkg/record"
	"github.com/aiku/mirror-relay/pkg/retry"
)

// AMQPConfig configures the RabbitMQ backend.
type AMQPConfig struct {
	URL            string        `yaml:"url"`
	ConnectionName string        `yaml:"connection_name"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	Heartbeat      time.Duration `yaml:"heartbeat"`
	Dial           retry.Policy  `yaml:"dial_retry"`
}

// AMQP is a Bridge backed by durable RabbitMQ queues on the default
// exchange. Envelopes are published persistent and popped with basic.get
// and auto-ack. The connection is opened lazily and re-dialed on the next
// operation after it breaks.
//
// Operations are serialized by a one-slot semaphore instead of a mutex so
// that a caller waiting behind a slow dial gives up when its own context
// ends.
type AMQP struct {
	log zerolog.Logger
	cfg AMQPConfig

	sem      chan struct{}
	conn     *amqp.Connection
	ch       *amqp.Channel
	declared map[string]bool
	closed   bool
}

var _ Bridge = (*AMQP)(nil)

func NewAMQP(log zerolog.Logger, cfg AMQPConfig) *AMQP {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 10 * time.Second
	}
	if cfg.Dial.Attempts <= 0 {
		cfg.Dial = retry.Default
	}
	if cfg.ConnectionName == "" {
		cfg.ConnectionName = "mirror-relay"
	}
	return &AMQP{
		log: log.With().Str("component", "amqp bridge").Logger(),
		cfg: cfg,
		sem: make(chan struct{}, 1),
	}
}

// acquire takes the operation slot or fails with ErrUnavailable once ctx
// is done.
func (a *AMQP) acquire(ctx context.Context) error {
	select {
	case a.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for connection: %w", ErrUnavailable, ctx.Err())
	}
}

func (a *AMQP) release() {
	<-a.sem
}

// Connect dials eagerly so startup can fail fast on a bad URL. Operations
// dial on demand, so calling it is optional.
func (a *AMQP) Connect(ctx context.Context) error {
	if err := a.acquire(ctx); err != nil {
		return err
	}
	defer a.release()
	_, err := a.channel(ctx)
	return err
}

func (a *AMQP) dial(ctx context.Context) (*amqp.Connection, error) {
	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(a.cfg.ConnectionName)
	var conn *amqp.Connection
	err := retry.Do(ctx, a.cfg.Dial, func(ctx context.Context, attempt int) error {
		var err error
		conn, err = amqp.DialConfig(a.cfg.URL, amqp.Config{
			Heartbeat:  a.cfg.Heartbeat,
			Properties: props,
			Dial:       amqp.DefaultDial(a.cfg.DialTimeout),
		})
		if err == nil && attempt > 1 {
			a.log.Info().Int("attempt", attempt).Msg("Connected to AMQP broker")
		}
		return err
	}, func(attempt int, err error, wait time.Duration) {
		a.log.Warn().Err(err).
			Int("attempt", attempt).
			Dur("sleep", wait).
			Msg("AMQP dial failed")
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect after %d attempts: %w", ErrUnavailable, a.cfg.Dial.Attempts, err)
	}
	return conn, nil
}

// channel returns the open channel, dialing if needed. Must be called
// holding the operation slot.
func (a *AMQP) channel(ctx context.Context) (*amqp.Channel, error) {
	if a.closed {
		return nil, ErrClosed
	}
	if a.ch != nil && !a.ch.IsClosed() && a.conn != nil && !a.conn.IsClosed() {
		return a.ch, nil
	}
	a.resetLocked()
	conn, err := a.dial(ctx)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: failed to open channel: %w", ErrUnavailable, err)
	}
	a.conn, a.ch = conn, ch
	a.declared = make(map[string]bool)
	return ch, nil
}

func (a *AMQP) resetLocked() {
	if a.ch != nil {
		_ = a.ch.Close()
	}
	if a.conn != nil && !a.conn.IsClosed() {
		_ = a.conn.Close()
	}
	a.ch, a.conn = nil, nil
}

// declare makes sure the durable queue exists and returns its current
// state. Must be called holding the operation slot.
func (a *AMQP) declare(ch *amqp.Channel, name string) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(name, true, false, false, false, nil)
	if err != nil {
		return q, err
	}
	a.declared[name] = true
	return q, nil
}

// do runs fn on a ready channel with the queue declared. Broken
// connections are reset and reported as ErrUnavailable.
func (a *AMQP) do(ctx context.Context, queue string, fn func(ch *amqp.Channel) error) error {
	if err := a.acquire(ctx); err != nil {
		return err
	}
	defer a.release()
	ch, err := a.channel(ctx)
	if err != nil {
		return err
	}
	if !a.declared[queue] {
		if _, err = a.declare(ch, queue); err != nil {
			return a.fail(err)
		}
	}
	if err = fn(ch); err != nil {
		return a.fail(err)
	}
	return nil
}

func (a *AMQP) fail(err error) error {
	var amqpErr *amqp.Error
	if errors.Is(err, amqp.ErrClosed) || errors.As(err, &amqpErr) || a.ch.IsClosed() {
		a.log.Warn().Err(err).Msg("AMQP channel failed, reconnecting on next operation")
		a.resetLocked()
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

func (a *AMQP) Push(ctx context.Context, queue string, env *record.Envelope) error {
	body, err := encode(env)
	if err != nil {
		return err
	}
	return a.do(ctx, queue, func(ch *amqp.Channel) error {
		return ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    env.ID,
			Type:         string(env.Kind),
			Timestamp:    env.ProducedAt.Time,
			Body:         body,
		})
	})
}

func (a *AMQP) Pop(ctx context.Context, queue string) (*record.Envelope, error) {
	var body []byte
	err := a.do(ctx, queue, func(ch *amqp.Channel) error {
		msg, ok, err := ch.Get(queue, true)
		if err != nil || !ok {
			return err
		}
		body = msg.Body
		return nil
	})
	if err != nil || body == nil {
		return nil, err
	}
	return decode(body)
}

func (a *AMQP) Len(ctx context.Context, queue string) (int, error) {
	var n int
	err := a.do(ctx, queue, func(ch *amqp.Channel) error {
		q, err := a.declare(ch, queue)
		n = q.Messages
		return err
	})
	return n, err
}

// Peek fetches up to n messages without acknowledging them and then
// requeues them all, which puts them back at the head in their original
// order.
func (a *AMQP) Peek(ctx context.Context, queue string, n int) ([]*record.Envelope, error) {
	var bodies [][]byte
	err := a.do(ctx, queue, func(ch *amqp.Channel) error {
		var last *amqp.Delivery
		for n <= 0 || len(bodies) < n {
			msg, ok, err := ch.Get(queue, false)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			bodies = append(bodies, msg.Body)
			last = &msg
		}
		if last != nil {
			return last.Nack(true, true)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]*record.Envelope, 0, len(bodies))
	for _, body := range bodies {
		env, err := decode(body)
		if err != nil {
			return out, err
		}
		out = append(out, env)
	}
	return out, nil
}

func (a *AMQP) Clear(ctx context.Context, queue string) (int, error) {
	var n int
	err := a.do(ctx, queue, func(ch *amqp.Channel) error {
		var err error
		n, err = ch.QueuePurge(queue, false)
		return err
	})
	return n, err
}

// Close waits for the running operation, if any, and closes the
// connection.
func (a *AMQP) Close() error {
	a.sem <- struct{}{}
	defer a.release()
	if a.closed {
		return nil
	}
	a.closed = true
	var err error
	if a.ch != nil {
		err = a.ch.Close()
	}
	if a.conn != nil && !a.conn.IsClosed() {
		err = errors.Join(err, a.conn.Close())
	}
	a.ch, a.conn = nil, nil
	return err
}
