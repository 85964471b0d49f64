// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiku/mirror-relay/pkg/filter"
	"github.com/aiku/mirror-relay/pkg/identity"
	"github.com/aiku/mirror-relay/pkg/queue"
	"github.com/aiku/mirror-relay/pkg/record"
	"github.com/aiku/mirror-relay/pkg/retry"
)

type fakeSender struct {
	mu    sync.Mutex
	sends []string
	err   error
	block chan struct{}
}

func (s *fakeSender) SendDM(ctx context.Context, userID, content string) (string, error) {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.sends = append(s.sends, userID+":"+content)
	return fmt.Sprintf("msg-%d", len(s.sends)), nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sends)
}

type fixture struct {
	ctl    *Controller
	bridge *queue.Memory
	kv     *queue.MemoryKV
	sender *fakeSender
	idents *identity.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	idents := identity.NewManager(zerolog.Nop(), nil, retry.Default)
	require.NoError(t, idents.Load(context.Background(), []*identity.Identity{
		{ID: "id-a", Token: "t-a"},
		{ID: "id-b", Token: "t-b"},
	}))
	bridge := queue.NewMemory()
	kv := queue.NewMemoryKV()
	ctl := NewController(zerolog.Nop(), Params{
		Identities:  idents,
		Producer:    queue.NewProducer(zerolog.Nop(), bridge, time.Second),
		Bridge:      bridge,
		KV:          kv,
		FilterStats: filter.NewStats(),
		CommandPoll: time.Millisecond,
	})
	sender := &fakeSender{}
	ctl.RegisterSender("id-a", sender)
	return &fixture{ctl: ctl, bridge: bridge, kv: kv, sender: sender, idents: idents}
}

func TestSendDM(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	out, err := f.ctl.SendDM(context.Background(), SendRequest{IdentityID: "id-a", TargetUserID: "u1", Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "msg-1", out.MessageID)
	assert.NotEmpty(t, out.RequestID)
	assert.False(t, out.Replayed)
	assert.Equal(t, []string{"u1:hi"}, f.sender.sends)
	assert.EqualValues(t, 1, f.ctl.Stats().Sent)
}

func TestSendDM_RequestIDIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	req := SendRequest{RequestID: "req-1", IdentityID: "id-a", TargetUserID: "u1", Content: "hi"}
	first, err := f.ctl.SendDM(context.Background(), req)
	require.NoError(t, err)
	second, err := f.ctl.SendDM(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 1, f.sender.count())
	assert.True(t, second.Replayed)
	assert.Equal(t, first.MessageID, second.MessageID)
	assert.EqualValues(t, 1, f.ctl.Stats().Replayed)

	keys, err := f.kv.Keys(context.Background(), outcomeKeyPrefix)
	require.NoError(t, err)
	assert.Equal(t, []string{outcomeKeyPrefix + "req-1"}, keys)
}

func TestSendDM_ConcurrentSameRequest(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.sender.block = make(chan struct{})
	req := SendRequest{RequestID: "req-1", IdentityID: "id-a", TargetUserID: "u1", Content: "hi"}

	done := make(chan error, 1)
	go func() {
		_, err := f.ctl.SendDM(context.Background(), req)
		done <- err
	}()
	require.Eventually(t, func() bool { return f.ctl.inflight.Has("req-1") }, time.Second, time.Millisecond)
	_, err := f.ctl.SendDM(context.Background(), req)
	assert.ErrorIs(t, err, ErrInProgress)
	close(f.sender.block)
	require.NoError(t, <-done)
	assert.Equal(t, 1, f.sender.count())

	// The retry looks up req-2 before the first send stores its outcome and
	// takes the in-flight slot after it is released.
	kv := &gatedKV{KV: f.kv, gate: make(chan struct{}), read: make(chan struct{})}
	f.ctl.p.KV = kv
	f.sender.block = make(chan struct{})
	req.RequestID = "req-2"
	go func() {
		_, err := f.ctl.SendDM(context.Background(), req)
		done <- err
	}()
	require.Eventually(t, func() bool { return f.ctl.inflight.Has("req-2") }, time.Second, time.Millisecond)
	retried := make(chan *Outcome, 1)
	go func() {
		out, err := f.ctl.SendDM(context.WithValue(context.Background(), gateKey{}, true), req)
		assert.NoError(t, err)
		retried <- out
	}()
	<-kv.read
	close(f.sender.block)
	require.NoError(t, <-done)
	close(kv.gate)
	out := <-retried
	require.NotNil(t, out)
	assert.True(t, out.Replayed)
	assert.Equal(t, 2, f.sender.count())
}

type gateKey struct{}

// gatedKV delays lookups made with gateKey in the context until gate is
// closed, returning what the store held when the lookup started.
type gatedKV struct {
	queue.KV
	gate     chan struct{}
	read     chan struct{}
	readOnce sync.Once
}

func (g *gatedKV) GetKey(ctx context.Context, key string) (string, bool, error) {
	val, ok, err := g.KV.GetKey(ctx, key)
	if ctx.Value(gateKey{}) != nil {
		g.readOnce.Do(func() { close(g.read) })
		<-g.gate
	}
	return val, ok, err
}

func TestSendDM_Errors(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ctl.SendDM(ctx, SendRequest{IdentityID: "nope", TargetUserID: "u1", Content: "hi"})
	assert.ErrorIs(t, err, ErrUnknownIdentity)

	_, err = f.ctl.SendDM(ctx, SendRequest{IdentityID: "id-b", TargetUserID: "u1", Content: "hi"})
	assert.ErrorIs(t, err, ErrNoSession)

	for _, req := range []SendRequest{
		{TargetUserID: "u1", Content: "hi"},
		{IdentityID: "id-a", Content: "hi"},
		{IdentityID: "id-a", TargetUserID: "u1", Content: "   "},
		{IdentityID: "id-a", TargetUserID: "u1", Content: strings.Repeat("x", maxDMContentLen+1)},
	} {
		_, err = f.ctl.SendDM(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidRequest)
	}

	f.sender.err = errors.New("cannot send messages to this user")
	_, err = f.ctl.SendDM(ctx, SendRequest{RequestID: "req-x", IdentityID: "id-a", TargetUserID: "u1", Content: "hi"})
	require.Error(t, err)
	assert.EqualValues(t, 1, f.ctl.Stats().SendFailed)
	_, ok, _ := f.kv.GetKey(ctx, outcomeKeyPrefix+"req-x")
	assert.False(t, ok, "failed sends are not remembered")
	assert.Zero(t, f.sender.count())
}

func TestRequestSync(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	var calls int
	f.ctl.OnSync(func(ctx context.Context) error { calls++; return nil })
	f.ctl.OnSync(func(ctx context.Context) error { return errors.New("cache busy") })
	f.ctl.OnSync(func(ctx context.Context) error { calls++; return nil })

	err := f.ctl.RequestSync(context.Background())
	assert.ErrorContains(t, err, "cache busy")
	assert.Equal(t, 2, calls)
	assert.EqualValues(t, 1, f.ctl.Stats().Syncs)
}

func TestMirrorInbound(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	dm := &record.DMRecord{
		InboundRecord:     record.InboundRecord{Kind: record.KindCreate, MessageID: "d1", Content: "hello"},
		SenderID:          "u1",
		ReceivingIdentity: "id-a",
	}
	assert.True(t, f.ctl.MirrorInbound(ctx, dm))
	n, err := f.bridge.Len(ctx, queue.DMQueue)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, f.bridge.Close())
	assert.False(t, f.ctl.MirrorInbound(ctx, dm))
	stats := f.ctl.Stats()
	assert.EqualValues(t, 1, stats.Mirrored)
	assert.EqualValues(t, 1, stats.MirrorDropped)
}

func TestRunCommands(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	var synced sync.WaitGroup
	synced.Add(1)
	f.ctl.OnSync(func(ctx context.Context) error { synced.Done(); return nil })

	producer := queue.NewProducer(zerolog.Nop(), f.bridge, time.Second)
	ctx := context.Background()
	require.True(t, producer.EnqueueCommand(ctx, &record.RelayCommand{
		RequestID: "r1", Op: record.CommandSendDM, IdentityID: "id-a", TargetUserID: "u1", Content: "one",
	}))
	require.True(t, producer.EnqueueCommand(ctx, &record.RelayCommand{
		RequestID: "r1", Op: record.CommandSendDM, IdentityID: "id-a", TargetUserID: "u1", Content: "one",
	}))
	require.True(t, producer.EnqueueCommand(ctx, &record.RelayCommand{Op: "explode"}))
	require.True(t, producer.EnqueueCommand(ctx, &record.RelayCommand{Op: record.CommandSync}))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- f.ctl.RunCommands(runCtx) }()
	synced.Wait()
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, 1, f.sender.count(), "a retried send_dm is executed once")
	n, err := f.bridge.Len(ctx, queue.RelayCommands)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExecuteUnknownOp(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	err := f.ctl.Execute(context.Background(), &record.RelayCommand{Op: "nope"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
