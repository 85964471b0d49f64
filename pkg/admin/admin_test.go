// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiku/mirror-relay/pkg/filter"
	"github.com/aiku/mirror-relay/pkg/identity"
	"github.com/aiku/mirror-relay/pkg/queue"
	"github.com/aiku/mirror-relay/pkg/record"
	"github.com/aiku/mirror-relay/pkg/relay"
	"github.com/aiku/mirror-relay/pkg/retry"
	"github.com/aiku/mirror-relay/pkg/router"
	"github.com/aiku/mirror-relay/pkg/store"
)

type fakeRelay struct {
	syncs atomic.Int32
	last  relay.SendRequest
}

func (f *fakeRelay) SendDM(ctx context.Context, req relay.SendRequest) (*relay.Outcome, error) {
	f.last = req
	switch req.IdentityID {
	case "nobody":
		return nil, relay.ErrUnknownIdentity
	case "":
		return nil, relay.ErrInvalidRequest
	}
	return &relay.Outcome{
		RequestID:    req.RequestID,
		IdentityID:   req.IdentityID,
		TargetUserID: req.TargetUserID,
		MessageID:    "sent-1",
		SentAt:       time.Now(),
	}, nil
}

func (f *fakeRelay) RequestSync(ctx context.Context) error {
	f.syncs.Add(1)
	return nil
}

func (f *fakeRelay) Stats() relay.Stats {
	return relay.Stats{Sent: 3, Mirrored: 5}
}

type fakeIngest struct{}

func (fakeIngest) Running() []string { return []string{"main", "alt"} }

func (fakeIngest) Counts() (int64, int64) { return 7, 2 }

type fixture struct {
	svc    *Service
	server *Server
	store  *store.Store
	router *router.Router
	relay  *fakeRelay
	bridge *queue.Memory
	idents *identity.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, zerolog.Nop(), filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	bl, err := store.LoadBlocklist(ctx, s)
	require.NoError(t, err)
	engine, err := filter.NewEngine(zerolog.Nop(), nil, bl)
	require.NoError(t, err)
	rt := router.New(zerolog.Nop(), s, 100)
	require.NoError(t, rt.Load(ctx))

	idents := identity.NewManager(zerolog.Nop(), s, retry.Policy{Attempts: 1, BaseDelay: time.Millisecond})
	require.NoError(t, idents.Load(ctx, []*identity.Identity{{ID: "main", Token: "secret-token"}}))

	f := &fixture{store: s, router: rt, relay: &fakeRelay{}, bridge: queue.NewMemory(), idents: idents}
	f.svc = NewService(zerolog.Nop(), Params{
		Store:      s,
		Blocklist:  bl,
		Router:     rt,
		Filter:     engine,
		Relay:      f.relay,
		Bridge:     f.bridge,
		Identities: idents,
		Ingest:     fakeIngest{},
	})
	f.server = NewServer(zerolog.Nop(), "", f.svc)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestService_BlockUnblock(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	added, err := f.svc.Block(ctx, "Spam-Channel")
	require.NoError(t, err)
	assert.True(t, added)
	added, err = f.svc.Block(ctx, "spam-channel ")
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, []string{"spam-channel"}, f.svc.Blocked())

	_, err = f.svc.Block(ctx, "  ")
	assert.ErrorIs(t, err, ErrInvalidInput)

	removed, err := f.svc.Unblock(ctx, "SPAM-channel")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Empty(t, f.svc.Blocked())
}

func TestService_LayoutRoundTrip(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Combine(ctx, "alerts/combined", []string{"a/c1", "*/c2"})
	require.NoError(t, err)
	_, err = f.svc.Block(ctx, "noise")
	require.NoError(t, err)

	layout, err := f.svc.CaptureLayout(ctx, "baseline")
	require.NoError(t, err)
	assert.Len(t, layout.Rules, 2)
	assert.Equal(t, []string{"noise"}, layout.Blocked)

	// Drift away from the snapshot.
	_, err = f.svc.Combine(ctx, "elsewhere/other", []string{"a/c1"})
	require.NoError(t, err)
	_, err = f.svc.Unblock(ctx, "noise")
	require.NoError(t, err)
	dest, _ := f.router.Lookup("a", "c1")
	require.Equal(t, "elsewhere/other", dest)

	res, err := f.svc.RestoreLayout(ctx, "baseline")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Rules)
	assert.Equal(t, 1, res.NewlyBlocked)

	dest, ok := f.router.Lookup("a", "c1")
	assert.True(t, ok)
	assert.Equal(t, "alerts/combined", dest)
	dest, ok = f.router.Lookup("b", "c2")
	assert.True(t, ok)
	assert.Equal(t, "alerts/combined", dest)
	assert.Equal(t, []string{"noise"}, f.svc.Blocked())

	// Restore appended rows; history keeps every definition.
	history, err := f.store.CombineHistory(ctx)
	require.NoError(t, err)
	assert.Len(t, history, 5)

	_, err = f.svc.RestoreLayout(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestService_CombineValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Combine(ctx, "dest/x", nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.svc.Combine(ctx, "dest/x", []string{"a/"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.svc.Combine(ctx, " ", []string{"c1"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestService_Report(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.bridge.Push(ctx, queue.DMQueue, record.NewDMEnvelope(&record.DMRecord{})))

	rep := f.svc.Report(ctx)
	assert.EqualValues(t, 3, rep.DMs.Sent)
	require.NotNil(t, rep.Filter)
	assert.Contains(t, rep.Filter.SpamKeywords, "airdrop")
	assert.Equal(t, 1, rep.Queues[queue.DMQueue])
	assert.Empty(t, rep.QueueError)
	require.NotNil(t, rep.Ingest)
	assert.Equal(t, []string{"alt", "main"}, rep.Ingest.Sessions)
	assert.EqualValues(t, 2, rep.Ingest.Dropped)
	require.Len(t, rep.Identities, 1)

	require.NoError(t, f.bridge.Close())
	rep = f.svc.Report(ctx)
	assert.NotEmpty(t, rep.QueueError)
}

func TestAPI_MethodNotAllowed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	for _, path := range []string{"/api/block", "/api/unblock", "/api/layout/capture", "/api/relay/send-dm", "/api/relay/sync"} {
		w := f.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code, path)
	}
	w := f.do(t, http.MethodPost, "/api/blocked", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	w = f.do(t, http.MethodDelete, "/api/combine", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestAPI_BlockFlow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/block", channelRequest{Name: "promo"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeBody[map[string]any](t, w)["added"].(bool))

	w = f.do(t, http.MethodGet, "/api/blocked", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"promo"}, decodeBody[map[string][]string](t, w)["blocked_channels"])

	w = f.do(t, http.MethodPost, "/api/block", channelRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/unblock", channelRequest{Name: "promo"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeBody[map[string]any](t, w)["removed"].(bool))
}

func TestAPI_InvalidJSON(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/api/block", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_BodyTooLarge(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	big := `{"name":"` + strings.Repeat("x", maxBodySize) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/block", strings.NewReader(big))
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestAPI_CombineAndLayouts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/combine", combineRequest{Destination: "news/all", Sources: []string{"c1", "a/c2"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = f.do(t, http.MethodGet, "/api/combine", nil)
	require.Equal(t, http.StatusOK, w.Code)
	rules := decodeBody[map[string][]router.Rule](t, w)["rules"]
	assert.Len(t, rules, 2)

	w = f.do(t, http.MethodPost, "/api/layout/capture", layoutRequest{Name: "v1"})
	require.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, http.MethodGet, "/api/layouts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	layouts := decodeBody[map[string][]store.Layout](t, w)["layouts"]
	require.Len(t, layouts, 1)
	assert.Equal(t, "v1", layouts[0].Name)

	w = f.do(t, http.MethodPost, "/api/layout/restore", layoutRequest{Name: "v1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, decodeBody[RestoreResult](t, w).Rules)

	w = f.do(t, http.MethodPost, "/api/layout/restore", layoutRequest{Name: "v2"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_Webhooks(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/webhooks", webhookRequest{Destination: "news/general", URL: "https://discord.com/api/webhooks/1/secret-token"})
	require.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, http.MethodPost, "/api/webhooks", webhookRequest{Destination: "news/other", URL: "ftp://nope"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, http.MethodPost, "/api/webhooks", webhookRequest{Destination: "news/other", URL: "https://hooks.example/1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/webhooks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "secret-token")
	assert.Equal(t, []string{"news/general"}, decodeBody[map[string][]string](t, w)["destinations"])

	url, err := f.store.WebhookURL(context.Background(), "news/general")
	require.NoError(t, err)
	assert.Equal(t, "https://discord.com/api/webhooks/1/secret-token", url)
}

func TestAPI_Relay(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/relay/send-dm", relay.SendRequest{
		RequestID: "r1", IdentityID: "id-a", TargetUserID: "u1", Content: "hello",
	})
	require.Equal(t, http.StatusOK, w.Code)
	out := decodeBody[relay.Outcome](t, w)
	assert.Equal(t, "sent-1", out.MessageID)
	assert.Equal(t, "hello", f.relay.last.Content)

	w = f.do(t, http.MethodPost, "/api/relay/send-dm", relay.SendRequest{IdentityID: "nobody", TargetUserID: "u1", Content: "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = f.do(t, http.MethodPost, "/api/relay/send-dm", relay.SendRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/relay/sync", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, f.relay.syncs.Load())

	w = f.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	rep := decodeBody[Report](t, w)
	assert.EqualValues(t, 5, rep.DMs.Mirrored)
}

func TestService_ResetIdentity(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.idents.MarkFailed(ctx, "main", errors.New("401 unauthorized")))
	ident, _ := f.idents.Get("main")
	require.Equal(t, identity.StatusFailed, ident.Status)

	require.NoError(t, f.svc.ResetIdentity(ctx, "main"))
	ident, _ = f.idents.Get("main")
	assert.Equal(t, identity.StatusActive, ident.Status)
	assert.Empty(t, ident.LastError)

	assert.ErrorIs(t, f.svc.ResetIdentity(ctx, "ghost"), identity.ErrNotFound)
}

func TestAPI_IdentityReset(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/identity/reset", identityRequest{IdentityID: "main"})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = f.do(t, http.MethodPost, "/api/identity/reset", identityRequest{IdentityID: "ghost"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = f.do(t, http.MethodGet, "/api/identity/reset", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = f.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "secret-token")
}

func TestAPI_Messages(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, f.store.ArchiveMessage(ctx, &record.InboundRecord{
			Kind:       record.KindCreate,
			MessageID:  id,
			IdentityID: "main",
			ChannelID:  "c1",
			AuthorID:   "u1",
			Content:    "hello " + id,
		}, "news/general"))
	}

	w := f.do(t, http.MethodGet, "/api/messages?destination=news/general&limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	msgs := decodeBody[map[string][]store.ArchivedMessage](t, w)["messages"]
	assert.Len(t, msgs, 2)

	w = f.do(t, http.MethodGet, "/api/messages", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, http.MethodGet, "/api/messages?destination=x&limit=lots", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	rep := f.svc.Report(ctx)
	assert.Equal(t, 3, rep.Archived["news/general"])
}
