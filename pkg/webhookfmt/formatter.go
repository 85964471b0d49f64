// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package webhookfmt converts relay records to Discord webhook payloads.
package webhookfmt

import (
	"bytes"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/aiku/mirror-relay/pkg/record"
)

const (
	// MaxContentLen is the longest message content a webhook accepts, in
	// runes.
	MaxContentLen = 2000
	// MaxUsernameLen is the longest webhook username override.
	MaxUsernameLen = 80
	maxEmbeds      = 10

	untitledEmbed  = "Untitled"
	editedPrefix   = "✏ **Message Edited:**\n"
	deletedMessage = "🗑 **Message Deleted**"
)

// Message builds the webhook payload of a server-channel record.
func Message(rec *record.InboundRecord) *discordgo.WebhookParams {
	params := &discordgo.WebhookParams{
		Content:   Content(rec),
		Username:  Username(rec.AuthorName),
		AvatarURL: rec.AuthorAvatar,
		// Mirrored content must never ping anyone on the destination.
		AllowedMentions: &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{}},
	}
	if rec.Kind != record.KindDelete {
		params.Embeds = CleanEmbeds(rec.Embeds)
		params.Files = Files(rec.Attachments)
	}
	return params
}

// DM builds the webhook payload of a direct message. The sender is shown
// as the webhook user and bot senders are labelled.
func DM(dm *record.DMRecord) *discordgo.WebhookParams {
	params := Message(&dm.InboundRecord)
	name := dm.SenderName
	if name == "" {
		name = dm.AuthorName
	}
	if dm.IsBot {
		if dm.BotName != "" {
			name = dm.BotName
		}
		name += " [BOT]"
	}
	params.Username = Username(name)
	return params
}

// Content renders the text of a record: provenance header, edit and delete
// markers, the message body and links to attachments that are not uploaded.
func Content(rec *record.InboundRecord) string {
	if rec.Kind == record.KindDelete {
		return deletedMessage
	}
	var buf strings.Builder
	if rec.Kind == record.KindUpdate {
		buf.WriteString(editedPrefix)
	}
	switch rec.Provenance {
	case record.ProvenanceForwarded:
		from := "unknown source"
		if rec.Detail != nil && rec.Detail.ForwardedFrom != "" {
			from = rec.Detail.ForwardedFrom
		}
		buf.WriteString("↪ Forwarded from ")
		buf.WriteString(from)
		buf.WriteByte('\n')
	case record.ProvenanceReply:
		if rec.Detail != nil && (rec.Detail.QuotedAuthor != "" || rec.Detail.QuotedSnippet != "") {
			buf.WriteString(quote(rec.Detail.QuotedAuthor, rec.Detail.QuotedSnippet))
		}
	}
	buf.WriteString(rec.Content)
	for _, att := range rec.Attachments {
		if len(att.Data) > 0 || att.URL == "" {
			continue
		}
		if buf.Len() > 0 {
			buf.WriteByte('\n')
		}
		buf.WriteString(att.URL)
	}
	return Truncate(buf.String(), MaxContentLen)
}

func quote(author, snippet string) string {
	var buf strings.Builder
	buf.WriteString("> ")
	if author != "" {
		buf.WriteString("**")
		buf.WriteString(author)
		buf.WriteString("**")
		if snippet != "" {
			buf.WriteString(": ")
		}
	}
	buf.WriteString(strings.ReplaceAll(snippet, "\n", "\n> "))
	buf.WriteByte('\n')
	return buf.String()
}

// CleanEmbeds converts upstream embeds to webhook embeds. Embeds get a
// default title, fields without a name or value are dropped and at most ten
// embeds are kept.
func CleanEmbeds(embeds []record.Embed) []*discordgo.MessageEmbed {
	if len(embeds) == 0 {
		return nil
	}
	out := make([]*discordgo.MessageEmbed, 0, min(len(embeds), maxEmbeds))
	for _, e := range embeds {
		if len(out) == maxEmbeds {
			break
		}
		cleaned := &discordgo.MessageEmbed{
			Title:       e.Title,
			Description: e.Description,
			URL:         e.URL,
			Color:       e.Color,
			Timestamp:   e.Timestamp,
		}
		if cleaned.Title == "" {
			cleaned.Title = untitledEmbed
		}
		for _, f := range e.Fields {
			if f.Name == "" || f.Value == "" {
				continue
			}
			cleaned.Fields = append(cleaned.Fields, &discordgo.MessageEmbedField{
				Name:   f.Name,
				Value:  f.Value,
				Inline: f.Inline,
			})
		}
		if e.ImageURL != "" {
			cleaned.Image = &discordgo.MessageEmbedImage{URL: e.ImageURL}
		}
		if e.ThumbnailURL != "" {
			cleaned.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: e.ThumbnailURL}
		}
		if e.FooterText != "" {
			cleaned.Footer = &discordgo.MessageEmbedFooter{Text: e.FooterText}
		}
		if e.AuthorName != "" {
			cleaned.Author = &discordgo.MessageEmbedAuthor{Name: e.AuthorName}
		}
		out = append(out, cleaned)
	}
	return out
}

// Files returns the attachments whose bytes were replaced by the
// compression transform, ready for upload.
func Files(attachments []record.Attachment) []*discordgo.File {
	var files []*discordgo.File
	for _, att := range attachments {
		if len(att.Data) == 0 {
			continue
		}
		files = append(files, &discordgo.File{
			Name:        att.Filename,
			ContentType: att.MimeType,
			Reader:      bytes.NewReader(att.Data),
		})
	}
	return files
}

// Username returns a webhook username override, defaulting to the unknown
// author name.
func Username(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return record.UnknownAuthor
	}
	if runes := []rune(name); len(runes) > MaxUsernameLen {
		return string(runes[:MaxUsernameLen])
	}
	return name
}

// Truncate shortens s to at most n runes, marking the cut with "...".
func Truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	if n <= 3 {
		return string(runes[:n])
	}
	return string(runes[:n-3]) + "..."
}
