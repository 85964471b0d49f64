// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/aiku/mirror-relay/pkg/record"
)

// DefaultWorkerBuffer is the event backlog of one identity.
const DefaultWorkerBuffer = 256

// ErrWorkerStopped is returned by Submit after the worker stopped.
var ErrWorkerStopped = errors.New("worker stopped")

// HandlerFunc processes one event.
type HandlerFunc func(ctx context.Context, ev *record.RawEvent)

// Worker processes the events of one identity on a single goroutine, in
// submission order.
type Worker struct {
	log     zerolog.Logger
	events  chan *record.RawEvent
	handle  HandlerFunc
	stopped chan struct{}
	stop    sync.Once

	handled atomic.Int64
}

func NewWorker(log zerolog.Logger, buffer int, handle HandlerFunc) *Worker {
	if buffer <= 0 {
		buffer = DefaultWorkerBuffer
	}
	return &Worker{
		log:     log,
		events:  make(chan *record.RawEvent, buffer),
		handle:  handle,
		stopped: make(chan struct{}),
	}
}

// Submit queues ev, waiting for room in the backlog.
func (w *Worker) Submit(ctx context.Context, ev *record.RawEvent) error {
	select {
	case <-w.stopped:
		return ErrWorkerStopped
	default:
	}
	select {
	case w.events <- ev:
		return nil
	case <-w.stopped:
		return ErrWorkerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run handles events until ctx is done. The event in progress when ctx is
// canceled is finished; the rest of the backlog is dropped.
func (w *Worker) Run(ctx context.Context) {
	defer w.stop.Do(func() { close(w.stopped) })
	for {
		select {
		case <-ctx.Done():
			if n := len(w.events); n > 0 {
				w.log.Warn().Int("backlog", n).Msg("Dropping unprocessed events on shutdown")
			}
			return
		case ev := <-w.events:
			w.handle(context.WithoutCancel(ctx), ev)
			w.handled.Add(1)
		}
	}
}

// Handled returns the number of processed events.
func (w *Worker) Handled() int64 {
	return w.handled.Load()
}
