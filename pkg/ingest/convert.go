// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package ingest

import (
	"github.com/bwmarrin/discordgo"

	"github.com/aiku/mirror-relay/pkg/record"
)

// convertMessage builds a raw event from a discordgo message, resolving
// server, category and channel names from state. Names missing from state
// are left empty for the classifier to default.
func convertMessage(state *discordgo.State, identityID string, kind record.Kind, msg *discordgo.Message) *record.RawEvent {
	ev := &record.RawEvent{
		Kind:           kind,
		IdentityID:     identityID,
		ServerID:       msg.GuildID,
		ChannelID:      msg.ChannelID,
		MessageID:      msg.ID,
		Content:        msg.Content,
		MentionedRoles: msg.MentionRoles,
		Timestamp:      msg.Timestamp,
		EditedAt:       msg.EditedTimestamp,
	}
	if state != nil && state.User != nil {
		ev.SelfUserID = state.User.ID
	}
	if msg.Author != nil {
		ev.Author = &record.RawAuthor{
			ID:         msg.Author.ID,
			Username:   msg.Author.Username,
			GlobalName: msg.Author.GlobalName,
			AvatarURL:  msg.Author.AvatarURL(""),
			Bot:        msg.Author.Bot,
		}
	}
	resolveChannel(state, ev)

	for _, att := range msg.Attachments {
		if att == nil {
			continue
		}
		ev.Attachments = append(ev.Attachments, record.Attachment{
			URL:      att.URL,
			Filename: att.Filename,
			Size:     int64(att.Size),
			MimeType: att.ContentType,
		})
	}
	for _, embed := range msg.Embeds {
		if embed != nil {
			ev.Embeds = append(ev.Embeds, convertEmbed(embed))
		}
	}
	if ref := msg.MessageReference; ref != nil && ref.MessageID != "" {
		ev.Reference = &record.RawReference{
			MessageID: ref.MessageID,
			ChannelID: ref.ChannelID,
			ServerID:  ref.GuildID,
			// A reference into another server can only be a forward.
			Native: ref.GuildID != "" && ref.GuildID != msg.GuildID,
		}
		if quoted := msg.ReferencedMessage; quoted != nil {
			ev.Reference.Content = quoted.Content
			if quoted.Author != nil {
				ev.Reference.AuthorID = quoted.Author.ID
				ev.Reference.AuthorName = quoted.Author.Username
			}
		}
	}
	return ev
}

func resolveChannel(state *discordgo.State, ev *record.RawEvent) {
	if ev.ServerID == "" {
		ev.Private = true
	}
	if state == nil {
		return
	}
	ch, err := state.Channel(ev.ChannelID)
	if err != nil {
		return
	}
	switch ch.Type {
	case discordgo.ChannelTypeDM, discordgo.ChannelTypeGroupDM:
		ev.Private = true
		ev.ChannelName = ch.Name
		return
	case discordgo.ChannelTypeGuildPublicThread, discordgo.ChannelTypeGuildPrivateThread, discordgo.ChannelTypeGuildNewsThread:
		// Threads mirror into their parent channel.
		if parent, err := state.Channel(ch.ParentID); err == nil {
			ch = parent
			ev.ChannelID = parent.ID
		}
	}
	ev.ChannelName = ch.Name
	if ch.ParentID != "" {
		if category, err := state.Channel(ch.ParentID); err == nil {
			ev.CategoryID = category.ID
			ev.CategoryName = category.Name
		}
	}
	if guild, err := state.Guild(ev.ServerID); err == nil {
		ev.ServerName = guild.Name
	}
}

func convertEmbed(embed *discordgo.MessageEmbed) record.Embed {
	out := record.Embed{
		Title:       embed.Title,
		Description: embed.Description,
		URL:         embed.URL,
		Color:       embed.Color,
		Timestamp:   embed.Timestamp,
	}
	for _, field := range embed.Fields {
		if field != nil {
			out.Fields = append(out.Fields, record.EmbedField{Name: field.Name, Value: field.Value, Inline: field.Inline})
		}
	}
	if embed.Image != nil {
		out.ImageURL = embed.Image.URL
	}
	if embed.Thumbnail != nil {
		out.ThumbnailURL = embed.Thumbnail.URL
	}
	if embed.Footer != nil {
		out.FooterText = embed.Footer.Text
	}
	if embed.Author != nil {
		out.AuthorName = embed.Author.Name
	}
	return out
}
