// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package retry implements bounded exponential backoff for transient I/O.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Policy bounds a retry loop. Attempts counts the first try.
type Policy struct {
	Attempts  int           `yaml:"attempts"`
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
	// JitterPct spreads each delay by up to this percentage in either
	// direction. Zero disables jitter.
	JitterPct int `yaml:"jitter_pct"`
}

// Default matches the upstream session and delivery retry behavior: three
// attempts starting at one second.
var Default = Policy{Attempts: 3, BaseDelay: time.Second, MaxDelay: 60 * time.Second}

// ErrPermanent marks an error that must not be retried. Wrap it with
// fmt.Errorf("...: %w", retry.ErrPermanent) or use Permanent.
var ErrPermanent = errors.New("permanent failure")

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() []error {
	return []error{p.err, ErrPermanent}
}

// Permanent wraps err so Do stops retrying and returns it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Delay returns the wait before the given retry (1-based), doubling from
// BaseDelay and capped at MaxDelay.
func (p Policy) Delay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	wait := p.BaseDelay
	for i := 1; i < retry; i++ {
		wait *= 2
		if p.MaxDelay > 0 && wait >= p.MaxDelay {
			wait = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && wait > p.MaxDelay {
		wait = p.MaxDelay
	}
	if p.JitterPct > 0 {
		delta := (rand.Float64()*2 - 1) * float64(p.JitterPct) / 100.0
		jittered := time.Duration(float64(wait) * (1 + delta))
		if jittered > 0 {
			wait = jittered
		}
		if p.MaxDelay > 0 && wait > p.MaxDelay {
			wait = p.MaxDelay
		}
	}
	return wait
}

// Do calls fn until it succeeds, returns a permanent error, the attempts
// are exhausted or ctx is done. onRetry, if set, is called before each
// wait with the failed attempt number, its error and the delay.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error, onRetry func(attempt int, err error, wait time.Duration)) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrPermanent) || attempt == attempts {
			return lastErr
		}
		wait := p.Delay(attempt)
		if onRetry != nil {
			onRetry(attempt, lastErr, wait)
		}
		if err := Sleep(ctx, wait); err != nil {
			return errors.Join(lastErr, err)
		}
	}
	return lastErr
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
