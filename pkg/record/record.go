// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package record defines the values that move through the relay pipeline:
// raw upstream events, classified inbound records, direct-message records and
// the envelopes carried by the queue bridge.
package record

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// Kind is the upstream event kind a record was produced from.
type Kind string

const (
	KindCreate Kind = "message_create"
	KindUpdate Kind = "message_update"
	KindDelete Kind = "message_delete"
)

// Provenance describes where the content of a record came from.
type Provenance string

const (
	ProvenanceOriginal  Provenance = "original"
	ProvenanceReply     Provenance = "reply"
	ProvenanceForwarded Provenance = "forwarded"
)

// ErrAlreadyTagged is returned when a record's provenance is set twice.
var ErrAlreadyTagged = errors.New("record provenance already set")

// ProvenanceDetail carries the data extracted by the classifier rule that
// tagged the record.
type ProvenanceDetail struct {
	Rule                string `json:"rule,omitempty"`
	QuotedAuthor        string `json:"quoted_author,omitempty"`
	QuotedSnippet       string `json:"quoted_snippet,omitempty"`
	ForwardedFrom       string `json:"forwarded_from,omitempty"`
	OriginServerID      string `json:"origin_server_id,omitempty"`
	OriginChannelID     string `json:"origin_channel_id,omitempty"`
	ReferencedMessageID string `json:"referenced_message_id,omitempty"`
}

// CompressionStatus reports what the compression transform did to an
// attachment.
type CompressionStatus string

const (
	CompressionNone       CompressionStatus = ""
	CompressionApplied    CompressionStatus = "compressed"
	CompressionOversized  CompressionStatus = "oversized"
	CompressionNotAttempt CompressionStatus = "skipped"
)

// Attachment is a file attached to an upstream message. Data is only set
// when the compression transform produced replacement bytes.
type Attachment struct {
	URL         string            `json:"url"`
	Filename    string            `json:"filename"`
	Size        int64             `json:"size"`
	MimeType    string            `json:"content_type,omitempty"`
	Data        []byte            `json:"data,omitempty"`
	Compression CompressionStatus `json:"compression,omitempty"`
}

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
}

// IsImage reports whether the attachment looks like an image, either by
// mime type or by file extension when the mime type is missing.
func (a *Attachment) IsImage() bool {
	if a.MimeType != "" {
		return strings.HasPrefix(strings.ToLower(a.MimeType), "image/")
	}
	return imageExtensions[strings.ToLower(path.Ext(a.Filename))]
}

// EmbedField is a single name/value pair of a rich embed.
type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// Embed is a rich embed attached to an upstream message.
type Embed struct {
	Title        string       `json:"title,omitempty"`
	Description  string       `json:"description,omitempty"`
	URL          string       `json:"url,omitempty"`
	Color        int          `json:"color,omitempty"`
	Timestamp    string       `json:"timestamp,omitempty"`
	Fields       []EmbedField `json:"fields,omitempty"`
	ImageURL     string       `json:"image_url,omitempty"`
	ThumbnailURL string       `json:"thumbnail_url,omitempty"`
	FooterText   string       `json:"footer_text,omitempty"`
	AuthorName   string       `json:"author_name,omitempty"`
}

// InboundRecord is a classified upstream message. Provenance is assigned
// once by the classifier; later stages only read it.
type InboundRecord struct {
	Kind           Kind         `json:"kind"`
	MessageID      string       `json:"message_id"`
	IdentityID     string       `json:"identity_id"`
	ServerID       string       `json:"server_id,omitempty"`
	ServerName     string       `json:"server_name,omitempty"`
	CategoryID     string       `json:"category_id,omitempty"`
	CategoryName   string       `json:"category_name"`
	ChannelID      string       `json:"channel_id"`
	ChannelName    string       `json:"channel_name"`
	AuthorID       string       `json:"author_id"`
	AuthorName     string       `json:"author_name"`
	AuthorAvatar   string       `json:"author_avatar,omitempty"`
	AuthorBot      bool         `json:"author_bot,omitempty"`
	Content        string       `json:"content"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	Embeds         []Embed      `json:"embeds,omitempty"`
	MentionedRoles []string     `json:"mentioned_roles,omitempty"`
	Timestamp      time.Time    `json:"timestamp"`
	EditedAt       *time.Time   `json:"edited_at,omitempty"`

	Provenance Provenance        `json:"provenance"`
	Detail     *ProvenanceDetail `json:"provenance_detail,omitempty"`
}

// Tag sets the record's provenance. It fails if the record was already
// tagged.
func (r *InboundRecord) Tag(p Provenance, detail *ProvenanceDetail) error {
	if r.Provenance != "" {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyTagged, r.MessageID, r.Provenance)
	}
	r.Provenance = p
	r.Detail = detail
	return nil
}

// IsForwarded reports whether the record was tagged as forwarded content.
func (r *InboundRecord) IsForwarded() bool {
	return r.Provenance == ProvenanceForwarded
}

// DedupKey returns the key used by the delivery side to suppress repeated
// observations of the same event. Edits include their edit timestamp so
// successive edits of one message are all delivered.
func (r *InboundRecord) DedupKey() string {
	key := string(r.Kind) + ":" + r.MessageID
	if r.Kind == KindUpdate && r.EditedAt != nil {
		key += fmt.Sprintf(":%d", r.EditedAt.UnixMilli())
	}
	return key
}

// DMRecord is a direct message received by one of the identities.
type DMRecord struct {
	InboundRecord

	SenderID          string `json:"dm_user_id"`
	SenderName        string `json:"dm_username"`
	ReceiverID        string `json:"self_user_id"`
	ReceivingIdentity string `json:"receiving_identity"`
	IsBot             bool   `json:"is_bot"`
	BotName           string `json:"bot_name,omitempty"`
	ChannelLabel      string `json:"channel_real_name"`
	FirstContact      bool   `json:"first_contact,omitempty"`
}
