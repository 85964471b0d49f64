// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package filter

import (
	"sync"
	"time"
)

// Stats counts DM filter decisions by reason.
type Stats struct {
	mu      sync.Mutex
	since   time.Time
	allowed int64
	denied  int64
	reasons map[Reason]int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Since   time.Time        `json:"since"`
	Allowed int64            `json:"allowed"`
	Denied  int64            `json:"denied"`
	Reasons map[Reason]int64 `json:"reasons"`
}

func NewStats() *Stats {
	return &Stats{since: time.Now().UTC(), reasons: make(map[Reason]int64)}
}

// Record counts one decision.
func (s *Stats) Record(d Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.Allowed {
		s.allowed++
	} else {
		s.denied++
	}
	s.reasons[d.Reason]++
}

// Snapshot returns a copy of the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	reasons := make(map[Reason]int64, len(s.reasons))
	for k, v := range s.reasons {
		reasons[k] = v
	}
	return StatsSnapshot{Since: s.since, Allowed: s.allowed, Denied: s.denied, Reasons: reasons}
}
