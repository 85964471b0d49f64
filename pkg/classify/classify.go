// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package classify tags raw upstream events with their provenance.
//
// Rules are evaluated in order and the first match wins:
//
//  1. native-reference: the platform marked the reference as a cross-origin
//     forward, or it points at another server.
//  2. silent-quote: a reply to another message with no content of its own,
//     unless the quoted author is one of our own sink identities.
//  3. textual-marker: the content names its origin ("forwarded from X",
//     "originally from X", "shared from X", "via @X").
//
// Events matching no rule are replies when they reference another message
// and originals otherwise.
package classify

import (
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"

	"github.com/aiku/mirror-relay/pkg/record"
)

// maxSnippetLen is the longest quoted snippet kept in a provenance detail.
const maxSnippetLen = 200

// Rule is a single provenance predicate. Match returns the extracted detail
// and true when the rule applies.
type Rule struct {
	Name  string
	Match func(ev *record.RawEvent) (*record.ProvenanceDetail, bool)
}

var markerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)forwarded from\s+([^\n]+)`),
	regexp.MustCompile(`(?i)originally from\s+([^\n]+)`),
	regexp.MustCompile(`(?i)shared from\s+([^\n]+)`),
	regexp.MustCompile(`(?i)via\s+@([^\s]+)`),
}

// Classifier assigns provenance to raw events.
type Classifier struct {
	log   zerolog.Logger
	rules []Rule
	// sinkIDs holds the user ids the destination side posts as. Quotes of
	// their messages are our own echoes, not forwards.
	sinkIDs *exsync.Set[string]
}

// New creates a classifier that treats the given user ids as sink
// identities.
func New(log zerolog.Logger, sinkIdentities []string) *Classifier {
	c := &Classifier{
		log:     log.With().Str("component", "classifier").Logger(),
		sinkIDs: exsync.NewSetWithItems(sinkIdentities),
	}
	c.rules = []Rule{
		{Name: "native-reference", Match: matchNativeReference},
		{Name: "silent-quote", Match: c.matchSilentQuote},
		{Name: "textual-marker", Match: matchTextualMarker},
	}
	return c
}

// SetSinkIdentities replaces the set of sink identity user ids.
func (c *Classifier) SetSinkIdentities(ids []string) {
	c.sinkIDs.ReplaceAll(exsync.NewSetWithItems(ids))
}

// IsSinkIdentity reports whether the user id belongs to a sink identity.
func (c *Classifier) IsSinkIdentity(userID string) bool {
	return userID != "" && c.sinkIDs.Has(userID)
}

// Rules returns the names of the rules in evaluation order.
func (c *Classifier) Rules() []string {
	names := make([]string, len(c.rules))
	for i, rule := range c.rules {
		names[i] = rule.Name
	}
	return names
}

// Classify converts a raw event into an inbound record tagged with exactly
// one provenance. It never fails: missing fields are defaulted and logged.
func (c *Classifier) Classify(ev *record.RawEvent) *record.InboundRecord {
	rec := c.baseRecord(ev)

	for _, rule := range c.rules {
		detail, ok := rule.Match(ev)
		if !ok {
			continue
		}
		detail.Rule = rule.Name
		// Tag cannot fail on a freshly built record.
		_ = rec.Tag(record.ProvenanceForwarded, detail)
		c.log.Debug().
			Str("message_id", rec.MessageID).
			Str("rule", rule.Name).
			Str("forwarded_from", detail.ForwardedFrom).
			Msg("Classified as forwarded")
		return rec
	}

	if ev.IsReplyTo() {
		_ = rec.Tag(record.ProvenanceReply, &record.ProvenanceDetail{
			QuotedAuthor:        ev.Reference.AuthorName,
			QuotedSnippet:       truncate(ev.Reference.Content, maxSnippetLen),
			ReferencedMessageID: ev.Reference.MessageID,
		})
		return rec
	}
	_ = rec.Tag(record.ProvenanceOriginal, nil)
	return rec
}

// ClassifyDM converts a private-channel event into a direct-message record.
func (c *Classifier) ClassifyDM(ev *record.RawEvent) *record.DMRecord {
	rec := c.Classify(ev)
	dm := &record.DMRecord{
		InboundRecord:     *rec,
		ReceiverID:        ev.SelfUserID,
		ReceivingIdentity: ev.IdentityID,
	}
	if ev.Author != nil {
		dm.SenderID = ev.Author.ID
		dm.SenderName = ev.Author.Username
		dm.IsBot = ev.Author.Bot
		if ev.Author.Bot {
			dm.BotName = ev.Author.DisplayName()
		}
	}
	dm.ChannelLabel = record.NormalizeChannelName(dm.SenderName)
	if dm.ChannelLabel == "" {
		dm.ChannelLabel = "dm-" + dm.SenderID
	}
	return dm
}

func (c *Classifier) baseRecord(ev *record.RawEvent) *record.InboundRecord {
	rec := &record.InboundRecord{
		Kind:           ev.Kind,
		MessageID:      ev.MessageID,
		IdentityID:     ev.IdentityID,
		ServerID:       ev.ServerID,
		ServerName:     ev.ServerName,
		CategoryID:     ev.CategoryID,
		CategoryName:   ev.CategoryName,
		ChannelID:      ev.ChannelID,
		ChannelName:    ev.ChannelName,
		Content:        ev.Content,
		Attachments:    append([]record.Attachment(nil), ev.Attachments...),
		Embeds:         append([]record.Embed(nil), ev.Embeds...),
		MentionedRoles: append([]string(nil), ev.MentionedRoles...),
		Timestamp:      ev.Timestamp,
		EditedAt:       ev.EditedAt,
	}
	if rec.Kind == "" {
		rec.Kind = record.KindCreate
		c.logDefault(rec, "kind")
	}
	if ev.Author != nil {
		rec.AuthorID = ev.Author.ID
		rec.AuthorName = ev.Author.DisplayName()
		rec.AuthorAvatar = ev.Author.AvatarURL
		rec.AuthorBot = ev.Author.Bot
	}
	if rec.AuthorName == "" {
		rec.AuthorName = record.UnknownAuthor
		c.logDefault(rec, "author")
	}
	if rec.CategoryName == "" && !ev.Private {
		rec.CategoryName = record.DefaultCategory
		c.logDefault(rec, "category_name")
	}
	if rec.ChannelName == "" {
		rec.ChannelName = rec.ChannelID
		c.logDefault(rec, "channel_name")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
		c.logDefault(rec, "timestamp")
	}
	return rec
}

func (c *Classifier) logDefault(rec *record.InboundRecord, field string) {
	c.log.Debug().
		Str("message_id", rec.MessageID).
		Str("identity_id", rec.IdentityID).
		Str("field", field).
		Msg("Defaulted missing event field")
}

func matchNativeReference(ev *record.RawEvent) (*record.ProvenanceDetail, bool) {
	ref := ev.Reference
	if ref == nil {
		return nil, false
	}
	crossServer := ref.ServerID != "" && ev.ServerID != "" && ref.ServerID != ev.ServerID
	if !ref.Native && !crossServer {
		return nil, false
	}
	from := ref.AuthorName
	if from == "" {
		from = ref.ChannelID
	}
	return &record.ProvenanceDetail{
		ForwardedFrom:       from,
		QuotedAuthor:        ref.AuthorName,
		QuotedSnippet:       truncate(ref.Content, maxSnippetLen),
		OriginServerID:      ref.ServerID,
		OriginChannelID:     ref.ChannelID,
		ReferencedMessageID: ref.MessageID,
	}, true
}

func (c *Classifier) matchSilentQuote(ev *record.RawEvent) (*record.ProvenanceDetail, bool) {
	if !ev.IsReplyTo() || strings.TrimSpace(ev.Content) != "" {
		return nil, false
	}
	if c.IsSinkIdentity(ev.Reference.AuthorID) {
		return nil, false
	}
	return &record.ProvenanceDetail{
		ForwardedFrom:       ev.Reference.AuthorName,
		QuotedAuthor:        ev.Reference.AuthorName,
		QuotedSnippet:       truncate(ev.Reference.Content, maxSnippetLen),
		OriginChannelID:     ev.Reference.ChannelID,
		ReferencedMessageID: ev.Reference.MessageID,
	}, true
}

func matchTextualMarker(ev *record.RawEvent) (*record.ProvenanceDetail, bool) {
	for _, pattern := range markerPatterns {
		if match := pattern.FindStringSubmatch(ev.Content); match != nil {
			return &record.ProvenanceDetail{
				ForwardedFrom: strings.TrimSpace(match[1]),
			}, true
		}
	}
	return nil, false
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
