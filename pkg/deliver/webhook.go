// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package deliver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/aiku/mirror-relay/pkg/record"
	"github.com/aiku/mirror-relay/pkg/retry"
	"github.com/aiku/mirror-relay/pkg/router"
	"github.com/aiku/mirror-relay/pkg/store"
	"github.com/aiku/mirror-relay/pkg/webhookfmt"
)

// WebhookResolver maps a destination key to its webhook URL.
type WebhookResolver interface {
	WebhookURL(ctx context.Context, destination string) (string, error)
}

// WebhookSink executes the Discord webhook registered for each
// destination key. Rate limits and bad gateways are handled by the
// discordgo session; the retry policy only covers connection errors.
type WebhookSink struct {
	log     zerolog.Logger
	hooks   WebhookResolver
	session *discordgo.Session
	policy  retry.Policy
}

var _ Sink = (*WebhookSink)(nil)

func NewWebhookSink(log zerolog.Logger, hooks WebhookResolver, timeout time.Duration, policy retry.Policy) *WebhookSink {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if policy.Attempts <= 0 {
		policy = retry.Default
	}
	// Webhook execution is authenticated by the token in the URL.
	session, _ := discordgo.New("")
	session.Client = &http.Client{Timeout: timeout}
	return &WebhookSink{
		log:     log.With().Str("component", "webhook sink").Logger(),
		hooks:   hooks,
		session: session,
		policy:  policy,
	}
}

func (s *WebhookSink) Deliver(ctx context.Context, target router.Target, env *record.Envelope) error {
	url, err := s.hooks.WebhookURL(ctx, target.Destination)
	if errors.Is(err, store.ErrNotFound) {
		return retry.Permanent(fmt.Errorf("no webhook registered for %s", target.Destination))
	} else if err != nil {
		return fmt.Errorf("failed to resolve webhook: %w", err)
	}
	id, token, err := webhookfmt.ParseURL(url)
	if err != nil {
		return retry.Permanent(fmt.Errorf("webhook for %s: %w", target.Destination, err))
	}

	var params *discordgo.WebhookParams
	switch {
	case env.Message != nil:
		params = webhookfmt.Message(env.Message)
	case env.DM != nil:
		params = webhookfmt.DM(env.DM)
	default:
		return retry.Permanent(fmt.Errorf("envelope %s has no record", env.ID))
	}

	return retry.Do(ctx, s.policy, func(ctx context.Context, attempt int) error {
		_, err := s.session.WebhookExecute(id, token, true, params, discordgo.WithContext(ctx))
		return classifyWebhookError(err)
	}, func(attempt int, err error, wait time.Duration) {
		zerolog.Ctx(ctx).Warn().Err(err).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("Webhook request failed, retrying")
	})
}

// classifyWebhookError makes every response from Discord permanent. Only
// errors without a response are retried.
func classifyWebhookError(err error) error {
	var restErr *discordgo.RESTError
	var rateErr *discordgo.RateLimitError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &restErr):
		return retry.Permanent(&StatusError{
			StatusCode: restErr.Response.StatusCode,
			Body:       truncateBody(restErr.ResponseBody),
		})
	case errors.As(err, &rateErr), errors.Is(err, discordgo.ErrUnauthorized):
		return retry.Permanent(err)
	default:
		return err
	}
}

func truncateBody(body []byte) string {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return string(body)
}
