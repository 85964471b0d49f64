// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package record

import (
	"strings"
	"testing"
)

func TestNormalizeChannelName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
	}{
		{"General Chat", "general-chat"},
		{"🔥 alpha_calls 🔥", "alpha-calls"},
		{"  spaced   out  ", "spaced-out"},
		{"already-normal", "already-normal"},
		{"news|updates", "newsupdates"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeChannelName(tt.in); got != tt.want {
			t.Errorf("NormalizeChannelName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeChannelName_Truncates(t *testing.T) {
	t.Parallel()
	got := NormalizeChannelName(strings.Repeat("a", 150))
	if len(got) != maxChannelNameLen {
		t.Errorf("length: got %d, want %d", len(got), maxChannelNameLen)
	}
}

func TestMirrorKey(t *testing.T) {
	t.Parallel()
	tests := []struct {
		category, channel, want string
	}{
		{"Trading Floor", "Big Calls", "trading-floor/big-calls"},
		{"", "general", "uncategorized/general"},
		{"INFO | Main", "rules│", "info--main/rules"},
		{"⚡ Alerts", "ping", "-alerts/ping"},
	}
	for _, tt := range tests {
		if got := MirrorKey(tt.category, tt.channel); got != tt.want {
			t.Errorf("MirrorKey(%q, %q) = %q, want %q", tt.category, tt.channel, got, tt.want)
		}
	}
}
