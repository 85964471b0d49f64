// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package webhookfmt

import (
	"errors"
	"testing"
)

func TestParseURL(t *testing.T) {
	tests := []struct {
		raw       string
		id, token string
	}{
		{"https://discord.com/api/webhooks/123/abc-DEF_9", "123", "abc-DEF_9"},
		{"https://discord.com/api/v10/webhooks/123/abc/", "123", "abc"},
		{" https://canary.discord.com/api/webhooks/42/tok ", "42", "tok"},
	}
	for _, tt := range tests {
		id, token, err := ParseURL(tt.raw)
		if err != nil {
			t.Errorf("%q: unexpected error %v", tt.raw, err)
		} else if id != tt.id || token != tt.token {
			t.Errorf("%q: got (%q, %q), want (%q, %q)", tt.raw, id, token, tt.id, tt.token)
		}
	}

	for _, raw := range []string{
		"",
		"ftp://discord.com/api/webhooks/1/tok",
		"https://discord.com/api/webhooks/1",
		"https://discord.com/api/webhooks/abc/tok",
		"https://discord.com/api/webhooks/1/tok/slack",
		"https://hooks.example/1",
	} {
		if _, _, err := ParseURL(raw); !errors.Is(err, ErrInvalidURL) {
			t.Errorf("%q: got %v, want ErrInvalidURL", raw, err)
		}
	}
}
