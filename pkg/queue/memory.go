// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package queue

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aiku/mirror-relay/pkg/record"
)

// Memory is an in-process Bridge. Envelopes are stored encoded so that
// consumers never share memory with producers.
type Memory struct {
	lock   sync.Mutex
	queues map[string][][]byte
	closed bool
}

var _ Bridge = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{queues: make(map[string][][]byte)}
}

func (m *Memory) Push(ctx context.Context, queue string, env *record.Envelope) error {
	data, err := encode(env)
	if err != nil {
		return err
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.queues[queue] = append(m.queues[queue], data)
	return nil
}

func (m *Memory) Pop(ctx context.Context, queue string) (*record.Envelope, error) {
	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		return nil, ErrClosed
	}
	q := m.queues[queue]
	if len(q) == 0 {
		m.lock.Unlock()
		return nil, nil
	}
	data := q[0]
	q[0] = nil
	m.queues[queue] = q[1:]
	m.lock.Unlock()
	return decode(data)
}

func (m *Memory) Len(ctx context.Context, queue string) (int, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	return len(m.queues[queue]), nil
}

func (m *Memory) Peek(ctx context.Context, queue string, n int) ([]*record.Envelope, error) {
	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		return nil, ErrClosed
	}
	q := m.queues[queue]
	if n > len(q) || n <= 0 {
		n = len(q)
	}
	head := make([][]byte, n)
	copy(head, q[:n])
	m.lock.Unlock()

	out := make([]*record.Envelope, 0, n)
	for _, data := range head {
		env, err := decode(data)
		if err != nil {
			return out, err
		}
		out = append(out, env)
	}
	return out, nil
}

func (m *Memory) Clear(ctx context.Context, queue string) (int, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	n := len(m.queues[queue])
	delete(m.queues, queue)
	return n, nil
}

func (m *Memory) Close() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.closed = true
	m.queues = nil
	return nil
}

type kvEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryKV is an in-process KV.
type MemoryKV struct {
	lock    sync.Mutex
	entries map[string]kvEntry
	now     func() time.Time
}

var _ KV = (*MemoryKV)(nil)

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{entries: make(map[string]kvEntry), now: time.Now}
}

func (kv *MemoryKV) SetKey(ctx context.Context, key, value string, ttl time.Duration) error {
	kv.lock.Lock()
	defer kv.lock.Unlock()
	entry := kvEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = kv.now().Add(ttl)
	}
	kv.entries[key] = entry
	return nil
}

func (kv *MemoryKV) GetKey(ctx context.Context, key string) (string, bool, error) {
	kv.lock.Lock()
	defer kv.lock.Unlock()
	entry, ok := kv.entries[key]
	if !ok {
		return "", false, nil
	}
	if kv.expired(entry) {
		delete(kv.entries, key)
		return "", false, nil
	}
	return entry.value, true, nil
}

func (kv *MemoryKV) DeleteKey(ctx context.Context, key string) error {
	kv.lock.Lock()
	defer kv.lock.Unlock()
	delete(kv.entries, key)
	return nil
}

func (kv *MemoryKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	kv.lock.Lock()
	defer kv.lock.Unlock()
	var keys []string
	for key, entry := range kv.entries {
		if kv.expired(entry) {
			delete(kv.entries, key)
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (kv *MemoryKV) expired(entry kvEntry) bool {
	return !entry.expiresAt.IsZero() && !kv.now().Before(entry.expiresAt)
}
