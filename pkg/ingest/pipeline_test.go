// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package ingest

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiku/mirror-relay/pkg/classify"
	"github.com/aiku/mirror-relay/pkg/compress"
	"github.com/aiku/mirror-relay/pkg/filter"
	"github.com/aiku/mirror-relay/pkg/identity"
	"github.com/aiku/mirror-relay/pkg/queue"
	"github.com/aiku/mirror-relay/pkg/record"
)

type fakeFetcher struct {
	data  []byte
	err   error
	calls atomic.Int32
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.calls.Add(1)
	return f.data, f.err
}

type fakeMirror struct {
	mu  sync.Mutex
	dms []*record.DMRecord
}

func (m *fakeMirror) MirrorInbound(ctx context.Context, dm *record.DMRecord) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dms = append(m.dms, dm)
	return true
}

type fakeContacts struct {
	mu    sync.Mutex
	known map[string]bool
}

func (c *fakeContacts) HasDMContact(ctx context.Context, identityID, userID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.known[identityID+"/"+userID], nil
}

func (c *fakeContacts) TouchDMContact(ctx context.Context, identityID, userID, username string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := identityID + "/" + userID
	first := !c.known[key]
	c.known[key] = true
	return first, nil
}

type checkerFunc func() (bool, error)

func (f checkerFunc) HasMutualServer(context.Context, string, string) (bool, error) { return f() }

type harness struct {
	pipeline *Pipeline
	bridge   *queue.Memory
	mirror   *fakeMirror
	contacts *fakeContacts
	fetcher  *fakeFetcher
	ident    *identity.Identity
}

func newHarness(t *testing.T, maxSize int) *harness {
	t.Helper()
	engine, err := filter.NewEngine(zerolog.Nop(), nil, nil)
	require.NoError(t, err)
	bridge := queue.NewMemory()
	h := &harness{
		bridge:   bridge,
		mirror:   &fakeMirror{},
		contacts: &fakeContacts{known: map[string]bool{}},
		fetcher:  &fakeFetcher{},
		ident: &identity.Identity{
			ID:          "id-a",
			Token:       "t",
			UserID:      "self",
			DMMirroring: true,
			Servers: map[string]*identity.ServerConfig{
				"s1": {ExcludedChannels: []string{"secret"}},
			},
		},
	}
	h.ident.Init()
	h.pipeline = NewPipeline(zerolog.Nop(), Params{
		Classifier: classify.New(zerolog.Nop(), nil),
		Filter:     engine,
		Compressor: compress.New(maxSize),
		Fetcher:    h.fetcher,
		Producer:   queue.NewProducer(zerolog.Nop(), bridge, time.Second),
		DMs:        h.mirror,
		Contacts:   h.contacts,
	})
	return h
}

func serverEvent(id, channel string) *record.RawEvent {
	return &record.RawEvent{
		Kind:         record.KindCreate,
		IdentityID:   "id-a",
		Author:       &record.RawAuthor{ID: "u1", Username: "alice"},
		ServerID:     "s1",
		CategoryName: "News",
		ChannelID:    channel,
		ChannelName:  channel,
		MessageID:    id,
		Content:      "hello " + id,
		Timestamp:    time.Now(),
	}
}

func dmEvent(id, content string) *record.RawEvent {
	return &record.RawEvent{
		Kind:       record.KindCreate,
		IdentityID: "id-a",
		SelfUserID: "self",
		Author:     &record.RawAuthor{ID: "u9", Username: "stranger"},
		ChannelID:  "dm-chan",
		Private:    true,
		MessageID:  id,
		Content:    content,
		Timestamp:  time.Now(),
	}
}

func noiseImage(t *testing.T, size int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	rng := rand.New(rand.NewPCG(1, 2))
	for y := range size {
		for x := range size {
			img.Set(x, y, color.RGBA{uint8(rng.UintN(256)), uint8(rng.UintN(256)), uint8(rng.UintN(256)), 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestPipeline_ServerMessage(t *testing.T) {
	t.Parallel()
	h := newHarness(t, compress.DefaultMaxSize)
	ctx := context.Background()

	assert.Equal(t, ResultEnqueued, h.pipeline.Handle(ctx, h.ident, serverEvent("m1", "general"), nil))
	assert.Equal(t, ResultFiltered, h.pipeline.Handle(ctx, h.ident, serverEvent("m2", "secret"), nil))
	other := serverEvent("m3", "general")
	other.ServerID = "s2"
	assert.Equal(t, ResultFiltered, h.pipeline.Handle(ctx, h.ident, other, nil))
	own := serverEvent("m4", "general")
	own.Author.ID = "self"
	assert.Equal(t, ResultFiltered, h.pipeline.Handle(ctx, h.ident, own, nil))

	env, err := h.bridge.Pop(ctx, queue.MessageQueue)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, "m1", env.Message.MessageID)
	assert.Equal(t, record.ProvenanceOriginal, env.Message.Provenance)
	n, _ := h.bridge.Len(ctx, queue.MessageQueue)
	assert.Zero(t, n)
}

func TestPipeline_DroppedWhenQueueDown(t *testing.T) {
	t.Parallel()
	h := newHarness(t, compress.DefaultMaxSize)
	require.NoError(t, h.bridge.Close())
	assert.Equal(t, ResultDropped, h.pipeline.Handle(context.Background(), h.ident, serverEvent("m1", "general"), nil))
}

func TestPipeline_CompressesOversizedImages(t *testing.T) {
	t.Parallel()
	const maxSize = 12_000
	h := newHarness(t, maxSize)
	h.fetcher.data = noiseImage(t, 128)
	require.Greater(t, len(h.fetcher.data), maxSize)

	ev := serverEvent("m1", "general")
	ev.Attachments = []record.Attachment{
		{URL: "https://cdn/big.png", Filename: "big.png", MimeType: "image/png", Size: int64(len(h.fetcher.data))},
		{URL: "https://cdn/small.png", Filename: "small.png", MimeType: "image/png", Size: 100},
		{URL: "https://cdn/doc.pdf", Filename: "doc.pdf", MimeType: "application/pdf", Size: 1 << 30},
	}
	ctx := context.Background()
	require.Equal(t, ResultEnqueued, h.pipeline.Handle(ctx, h.ident, ev, nil))
	assert.EqualValues(t, 1, h.fetcher.calls.Load(), "only oversized images are downloaded")

	env, err := h.bridge.Pop(ctx, queue.MessageQueue)
	require.NoError(t, err)
	atts := env.Message.Attachments
	require.Len(t, atts, 3)
	assert.Equal(t, record.CompressionApplied, atts[0].Compression)
	assert.Equal(t, "big.jpg", atts[0].Filename)
	assert.Equal(t, "image/jpeg", atts[0].MimeType)
	assert.LessOrEqual(t, len(atts[0].Data), maxSize)
	assert.EqualValues(t, len(atts[0].Data), atts[0].Size)
	assert.Empty(t, atts[1].Data)
	assert.Equal(t, record.CompressionNone, atts[2].Compression)
}

func TestPipeline_DownloadFailureStillRelays(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1000)
	h.fetcher.err = errors.New("cdn unreachable")
	ev := serverEvent("m1", "general")
	ev.Attachments = []record.Attachment{{URL: "https://cdn/big.png", Filename: "big.png", Size: 5000}}
	ctx := context.Background()
	require.Equal(t, ResultEnqueued, h.pipeline.Handle(ctx, h.ident, ev, nil))
	env, err := h.bridge.Pop(ctx, queue.MessageQueue)
	require.NoError(t, err)
	assert.Equal(t, record.CompressionOversized, env.Message.Attachments[0].Compression)
}

func TestPipeline_DirectMessages(t *testing.T) {
	t.Parallel()
	h := newHarness(t, compress.DefaultMaxSize)
	ctx := context.Background()
	noMutual := checkerFunc(func() (bool, error) { return false, nil })
	mutual := checkerFunc(func() (bool, error) { return true, nil })
	unknown := checkerFunc(func() (bool, error) { return false, errors.New("rate limited") })

	assert.Equal(t, ResultFiltered, h.pipeline.Handle(ctx, h.ident, dmEvent("d1", "hey there"), noMutual),
		"first contact without a mutual server is unsolicited")
	assert.Equal(t, ResultEnqueued, h.pipeline.Handle(ctx, h.ident, dmEvent("d2", "free nitro giveaway"), mutual),
		"mutual server wins over spam heuristics")
	assert.Equal(t, ResultEnqueued, h.pipeline.Handle(ctx, h.ident, dmEvent("d3", "hey again"), noMutual),
		"allowed DM made the sender a known contact")
	assert.Equal(t, ResultFiltered, h.pipeline.Handle(ctx, h.ident, dmEvent("d4", "claim your airdrop"), unknown))

	require.Len(t, h.mirror.dms, 2)
	dm := h.mirror.dms[0]
	assert.Equal(t, "d2", dm.MessageID)
	assert.Equal(t, "id-a", dm.ReceivingIdentity)
	assert.Equal(t, "stranger", dm.ChannelLabel)
	assert.True(t, dm.FirstContact)
	assert.False(t, h.mirror.dms[1].FirstContact)
}

func TestPipeline_DMMirroringDisabled(t *testing.T) {
	t.Parallel()
	h := newHarness(t, compress.DefaultMaxSize)
	h.ident.DMMirroring = false
	assert.Equal(t, ResultSkipped, h.pipeline.Handle(context.Background(), h.ident, dmEvent("d1", "hi"), nil))
	assert.Empty(t, h.mirror.dms)
}

func TestHTTPFetcher(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/flaky":
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte("image-bytes"))
		case "/big":
			_, _ = w.Write(bytes.Repeat([]byte{1}, 64))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher(time.Second, 32)
	f.policy.BaseDelay = time.Millisecond
	ctx := context.Background()

	data, err := f.Fetch(ctx, srv.URL+"/flaky")
	require.NoError(t, err)
	assert.Equal(t, "image-bytes", string(data))

	_, err = f.Fetch(ctx, srv.URL+"/big")
	assert.ErrorContains(t, err, "larger than 32 bytes")

	_, err = f.Fetch(ctx, srv.URL+"/missing")
	assert.ErrorContains(t, err, "404")
}
