// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package record

import "time"

// RawAuthor is the author of an upstream message as seen by an identity.
type RawAuthor struct {
	ID         string
	Username   string
	GlobalName string
	AvatarURL  string
	Bot        bool
}

// DisplayName returns the global name if set, falling back to the username.
func (a *RawAuthor) DisplayName() string {
	if a == nil {
		return ""
	}
	if a.GlobalName != "" {
		return a.GlobalName
	}
	return a.Username
}

// RawReference points at another message quoted or forwarded by an event.
// Native is set when the upstream platform itself marked the reference as a
// cross-origin forward.
type RawReference struct {
	MessageID  string
	ChannelID  string
	ServerID   string
	AuthorID   string
	AuthorName string
	Content    string
	Native     bool
}

// RawEvent is an upstream message event at the ingestion boundary. Every
// field is optional; the classifier fills in defaults for missing ones.
type RawEvent struct {
	Kind       Kind
	IdentityID string
	SelfUserID string

	Author *RawAuthor

	ServerID     string
	ServerName   string
	CategoryID   string
	CategoryName string
	ChannelID    string
	ChannelName  string
	Private      bool

	MessageID      string
	Content        string
	Attachments    []Attachment
	Embeds         []Embed
	Reference      *RawReference
	MentionedRoles []string
	Timestamp      time.Time
	EditedAt       *time.Time
}

// IsReplyTo reports whether the event references a message other than
// itself.
func (e *RawEvent) IsReplyTo() bool {
	return e.Reference != nil && e.Reference.MessageID != "" && e.Reference.MessageID != e.MessageID
}
