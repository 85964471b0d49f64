// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package webhookfmt

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var ErrInvalidURL = errors.New("invalid webhook url")

// ParseURL extracts the webhook id and token from an execute URL such as
// https://discord.com/api/webhooks/{id}/{token}. Versioned API paths are
// accepted too.
func ParseURL(raw string) (id, token string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrInvalidURL, err)
	} else if u.Scheme != "https" && u.Scheme != "http" {
		return "", "", fmt.Errorf("%w: scheme must be http(s)", ErrInvalidURL)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, part := range parts {
		if part == "webhooks" && i+3 == len(parts) {
			id, token = parts[i+1], parts[i+2]
			break
		}
	}
	if id == "" || token == "" || strings.Trim(id, "0123456789") != "" {
		return "", "", fmt.Errorf("%w: expected .../webhooks/{id}/{token}", ErrInvalidURL)
	}
	return id, token, nil
}
