// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package filter

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/aiku/mirror-relay/pkg/identity"
	"github.com/aiku/mirror-relay/pkg/record"
)

type staticBlocklist map[string]bool

func (b staticBlocklist) IsBlocked(name string) bool { return b[name] }

type stubChecker struct {
	shared bool
	err    error
	calls  int
}

func (s *stubChecker) HasMutualServer(context.Context, string, string) (bool, error) {
	s.calls++
	return s.shared, s.err
}

func newTestEngine(t *testing.T, blocked ...string) *Engine {
	t.Helper()
	bl := staticBlocklist{}
	for _, name := range blocked {
		bl[name] = true
	}
	e, err := NewEngine(zerolog.Nop(), nil, bl)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func testIdentity() *identity.Identity {
	ident := &identity.Identity{
		ID:     "id-a",
		UserID: "self",
		Servers: map[string]*identity.ServerConfig{
			"s1": {
				ExcludedCategories: []string{"cat-x"},
				ExcludedChannels:   []string{"ch-x"},
			},
		},
	}
	ident.Init()
	return ident
}

func serverRecord(channelID, categoryID string) *record.InboundRecord {
	return &record.InboundRecord{
		MessageID:   "m1",
		ServerID:    "s1",
		CategoryID:  categoryID,
		ChannelID:   channelID,
		ChannelName: "general",
		AuthorID:    "u1",
	}
}

func TestAllow_ServerPath(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, "blocked-room")
	ident := testIdentity()

	blockedRec := serverRecord("ch-1", "cat-1")
	blockedRec.ChannelName = "blocked-room"
	ownRec := serverRecord("ch-1", "cat-1")
	ownRec.AuthorID = "self"
	otherServer := serverRecord("ch-1", "cat-1")
	otherServer.ServerID = "s2"

	tests := []struct {
		name string
		rec  *record.InboundRecord
		want Decision
	}{
		{"allowed", serverRecord("ch-1", "cat-1"), Decision{true, ReasonAllowed}},
		{"own message", ownRec, Decision{false, ReasonOwnMessage}},
		{"not monitored", otherServer, Decision{false, ReasonNotMonitored}},
		{"excluded category", serverRecord("ch-1", "cat-x"), Decision{false, ReasonExcludedCategory}},
		{"excluded channel", serverRecord("ch-x", "cat-1"), Decision{false, ReasonExcludedChannel}},
		{"excluded channel without category", serverRecord("ch-x", ""), Decision{false, ReasonExcludedChannel}},
		{"blocked by name", blockedRec, Decision{false, ReasonBlockedChannel}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := e.Allow(tt.rec, ident); got != tt.want {
				t.Errorf("Allow() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestAllow_ExcludedChannelDeniedRegardlessOfCategory(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	ident := testIdentity()
	for _, category := range []string{"", "cat-1", "cat-x", "anything"} {
		if d := e.Allow(serverRecord("ch-x", category), ident); d.Allowed {
			t.Errorf("category %q: excluded channel was allowed", category)
		}
	}
}

func dmRecord(content string) *record.DMRecord {
	return &record.DMRecord{
		InboundRecord:     record.InboundRecord{MessageID: "dm1", Content: content},
		SenderID:          "stranger",
		SenderName:        "stranger",
		ReceivingIdentity: "id-a",
		FirstContact:      true,
	}
}

func TestShouldAllowDM_MutualServerBeatsSpam(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	for _, content := range []string{
		"FREE NITRO giveaway claim your prize now",
		"http://x",
		"🔥🔥🔥🔥🔥🔥",
		"!!!!!!!!!!",
	} {
		d := e.ShouldAllowDM(context.Background(), dmRecord(content), &stubChecker{shared: true})
		if d != (Decision{true, ReasonMutualServer}) {
			t.Errorf("%q: got %+v, want mutual-server allow", content, d)
		}
	}
}

func TestShouldAllowDM_SpamLinkScenario(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	d := e.ShouldAllowDM(context.Background(), dmRecord("check this link http://x"), &stubChecker{shared: false})
	if d != (Decision{false, ReasonSpamLink}) {
		t.Errorf("got %+v, want spam-link deny", d)
	}
}

func TestShouldAllowDM_Heuristics(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	tests := []struct {
		content string
		want    Reason
	}{
		{"hey, huge AIRDROP happening", ReasonSpamKeyword},
		{"win big money now!", ReasonSpamPattern},
		{"hellooooooooooooo", ReasonSpamPattern},
		{"$$$ click @@@@@ here", ReasonSpamPattern},
		{"discord.gg/abcdef", ReasonSpamLink},
		{"see https://a.example https://b.example https://c.example for the long explanation of what happened yesterday", ReasonSpamLink},
		{"🔥🔥🔥🚀🚀🚀", ReasonSpamEmoji},
		{"<:pog:123><:pog:123><:pog:123><:pog:123><:pog:123>", ReasonSpamEmoji},
	}
	for _, tt := range tests {
		d := e.ShouldAllowDM(context.Background(), dmRecord(tt.content), &stubChecker{shared: false})
		if d.Allowed || d.Reason != tt.want {
			t.Errorf("%q: got %+v, want deny %s", tt.content, d, tt.want)
		}
	}
}

func TestShouldAllowDM_LongMessageWithLinkIsNotLure(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	dm := dmRecord("hi, we met at the meetup yesterday and you asked for the slides, here they are https://example.com/slides")
	dm.FirstContact = false
	d := e.ShouldAllowDM(context.Background(), dm, &stubChecker{shared: false})
	if d != (Decision{true, ReasonAllowed}) {
		t.Errorf("got %+v, want allowed", d)
	}
}

func TestShouldAllowDM_Unsolicited(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	first := e.ShouldAllowDM(context.Background(), dmRecord("hello there"), &stubChecker{shared: false})
	if first != (Decision{false, ReasonUnsolicited}) {
		t.Errorf("first contact: got %+v, want unsolicited deny", first)
	}

	known := dmRecord("hello again")
	known.FirstContact = false
	if d := e.ShouldAllowDM(context.Background(), known, &stubChecker{shared: false}); !d.Allowed {
		t.Errorf("existing conversation: got %+v, want allow", d)
	}
}

// The mutual-server check is the primary gate; an authorized bot only
// overrides the spam and first-contact stages that follow it.
func TestShouldAllowDM_AuthorizedBotPrecedence(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	dm := dmRecord("free nitro giveaway http://x")
	dm.IsBot = true
	dm.BotName = "MEE6"
	checker := &stubChecker{shared: false}
	d := e.ShouldAllowDM(context.Background(), dm, checker)
	if d != (Decision{true, ReasonAuthorizedBot}) {
		t.Errorf("got %+v, want authorized-bot allow", d)
	}
	if checker.calls != 1 {
		t.Errorf("mutual-server check must run first, got %d calls", checker.calls)
	}

	mutual := e.ShouldAllowDM(context.Background(), dm, &stubChecker{shared: true})
	if mutual.Reason != ReasonMutualServer {
		t.Errorf("mutual server should win over authorized bot, got %+v", mutual)
	}
}

func TestShouldAllowDM_HumanWithBotLikeName(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	dm := dmRecord("free nitro claim your giveaway http://x")
	dm.SenderName = "dynoscammer"
	d := e.ShouldAllowDM(context.Background(), dm, &stubChecker{shared: false})
	if d.Allowed || d.Reason == ReasonAuthorizedBot {
		t.Errorf("human named like a bot: got %+v, want spam deny", d)
	}

	hello := dmRecord("hello there")
	hello.SenderName = "mee6-fan"
	if d = e.ShouldAllowDM(context.Background(), hello, &stubChecker{shared: false}); d != deny(ReasonUnsolicited) {
		t.Errorf("human named like a bot on first contact: got %+v, want unsolicited", d)
	}

	hello.IsBot = true
	if d = e.ShouldAllowDM(context.Background(), hello, &stubChecker{shared: false}); d.Reason != ReasonAuthorizedBot {
		t.Errorf("bot account with matching name: got %+v, want authorized-bot", d)
	}
}

func TestShouldAllowDM_AuthorizedBotByUserID(t *testing.T) {
	t.Parallel()
	tables := DefaultRuleTables()
	tables.AuthorizedBots = append(tables.AuthorizedBots, "998877")
	e, err := NewEngine(zerolog.Nop(), tables, nil)
	if err != nil {
		t.Fatal(err)
	}
	dm := dmRecord("airdrop")
	dm.SenderID = "998877"
	if d := e.ShouldAllowDM(context.Background(), dm, nil); d.Reason != ReasonAuthorizedBot {
		t.Errorf("got %+v, want authorized-bot", d)
	}
}

func TestShouldAllowDM_CheckerUnavailableFallsThrough(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	broken := &stubChecker{err: errors.New("rate limited")}

	if d := e.ShouldAllowDM(context.Background(), dmRecord("hello there"), broken); d != (Decision{true, ReasonAllowed}) {
		t.Errorf("unknown mutual status on plain DM: got %+v, want allowed", d)
	}
	if d := e.ShouldAllowDM(context.Background(), dmRecord("airdrop now"), broken); d.Reason != ReasonSpamKeyword {
		t.Errorf("unknown mutual status on spam: got %+v, want spam-keyword", d)
	}
	if d := e.ShouldAllowDM(context.Background(), dmRecord("hello there"), nil); !d.Allowed {
		t.Errorf("no checker: got %+v, want allowed", d)
	}
}

func TestStatsCountDMDecisions(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	e.ShouldAllowDM(context.Background(), dmRecord("airdrop"), &stubChecker{})
	e.ShouldAllowDM(context.Background(), dmRecord("airdrop"), &stubChecker{})
	e.ShouldAllowDM(context.Background(), dmRecord("hi"), &stubChecker{shared: true})

	snap := e.Stats().Snapshot()
	if snap.Allowed != 1 || snap.Denied != 2 {
		t.Errorf("counts: allowed=%d denied=%d", snap.Allowed, snap.Denied)
	}
	if snap.Reasons[ReasonSpamKeyword] != 2 || snap.Reasons[ReasonMutualServer] != 1 {
		t.Errorf("reasons: %+v", snap.Reasons)
	}
	// Server-path decisions are not DM statistics.
	e.Allow(serverRecord("ch-1", ""), testIdentity())
	if got := e.Stats().Snapshot(); got.Allowed != 1 {
		t.Errorf("server decision counted as DM: %+v", got)
	}
}

func TestSetRules(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	if err := e.SetRules(&RuleTables{SpamPatterns: []string{"("}}); err == nil {
		t.Fatal("invalid pattern accepted")
	}
	if err := e.SetRules(&RuleTables{SpamKeywords: []string{"pineapple"}}); err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(e.Rules().SpamKeywords, ","); got != "pineapple" {
		t.Errorf("rules not swapped: %s", got)
	}
	if d := e.ShouldAllowDM(context.Background(), dmRecord("airdrop"), nil); !d.Allowed {
		t.Errorf("old keyword still active: %+v", d)
	}
}
