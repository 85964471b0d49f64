// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package router

import "sync"

// DefaultDedupCapacity is the number of recent message keys remembered.
const DefaultDedupCapacity = 4096

// DedupCache remembers the most recent keys in a fixed-size ring. Once
// full, adding a key evicts the oldest one.
type DedupCache struct {
	lock  sync.Mutex
	ring  []string
	next  int
	index map[string]struct{}
}

func NewDedupCache(capacity int) *DedupCache {
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	return &DedupCache{
		ring:  make([]string, 0, capacity),
		index: make(map[string]struct{}, capacity),
	}
}

// Seen reports whether key was already recorded and records it if not.
func (d *DedupCache) Seen(key string) bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	if _, ok := d.index[key]; ok {
		return true
	}
	if len(d.ring) < cap(d.ring) {
		d.ring = append(d.ring, key)
	} else {
		delete(d.index, d.ring[d.next])
		d.ring[d.next] = key
		d.next = (d.next + 1) % len(d.ring)
	}
	d.index[key] = struct{}{}
	return false
}

func (d *DedupCache) Len() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return len(d.index)
}

func (d *DedupCache) Cap() int {
	return cap(d.ring)
}
