// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package deliver drains the queue bridge into the destination, either by
// posting to an external processor or by executing per-destination Discord
// webhooks.
package deliver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aiku/mirror-relay/pkg/record"
	"github.com/aiku/mirror-relay/pkg/retry"
	"github.com/aiku/mirror-relay/pkg/router"
)

// ErrPermanent marks delivery failures that are not retried, such as 4xx
// responses or destinations without a webhook.
var ErrPermanent = retry.ErrPermanent

// Sink hands one routed envelope to the destination.
type Sink interface {
	Deliver(ctx context.Context, target router.Target, env *record.Envelope) error
}

// StatusError is a non-success HTTP response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

const maxErrorBody = 512

// checkStatus turns a response into an error. 4xx responses other than 429
// are permanent.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	err := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return retry.Permanent(err)
	}
	return err
}
