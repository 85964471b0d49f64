// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package record

import (
	"regexp"
	"strings"
)

const (
	// DefaultCategory is used for channels without a category.
	DefaultCategory = "uncategorized"
	// UnknownAuthor is used when an event has no usable author.
	UnknownAuthor = "Unknown"
	// maxChannelNameLen is the longest channel name the destination accepts.
	maxChannelNameLen = 100
)

var (
	nonWordRe   = regexp.MustCompile(`[^\p{L}\p{N}_\s-]`)
	separatorRe = regexp.MustCompile(`[\s_]+`)
	keyStripper = strings.NewReplacer("|", "", "│", "", "︱", "", "⚡", "")
)

// NormalizeChannelName lowercases a name, drops emoji and symbols, and joins
// words with hyphens.
func NormalizeChannelName(name string) string {
	normalized := nonWordRe.ReplaceAllString(strings.ToLower(name), "")
	normalized = separatorRe.ReplaceAllString(strings.TrimSpace(normalized), "-")
	if runes := []rune(normalized); len(runes) > maxChannelNameLen {
		normalized = string(runes[:maxChannelNameLen])
	}
	return normalized
}

func keyPart(name string) string {
	part := strings.ToLower(strings.TrimSpace(name))
	part = strings.ReplaceAll(part, " ", "-")
	return strings.TrimSpace(keyStripper.Replace(part))
}

// MirrorKey returns the destination key of the 1:1 mirror of a channel,
// in the form "category/channel".
func MirrorKey(category, channel string) string {
	cat := keyPart(category)
	if cat == "" {
		cat = DefaultCategory
	}
	return cat + "/" + keyPart(channel)
}
