// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package deliver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/mirror-relay/pkg/record"
	"github.com/aiku/mirror-relay/pkg/retry"
	"github.com/aiku/mirror-relay/pkg/router"
)

// DefaultRequestTimeout bounds one HTTP attempt.
const DefaultRequestTimeout = 10 * time.Second

// Delivery is the JSON body posted to the external processor.
type Delivery struct {
	Destination string                `json:"destination"`
	Combined    bool                  `json:"combined,omitempty"`
	Kind        record.EnvelopeKind   `json:"kind"`
	EnvelopeID  string                `json:"envelope_id"`
	Record      *record.InboundRecord `json:"record,omitempty"`
	DM          *record.DMRecord      `json:"dm,omitempty"`
}

// HTTPSink posts every record to a single processor endpoint. Connection
// errors and 5xx responses are retried with exponential backoff; 4xx
// responses are not.
type HTTPSink struct {
	log    zerolog.Logger
	url    string
	client *http.Client
	policy retry.Policy
}

var _ Sink = (*HTTPSink)(nil)

func NewHTTPSink(log zerolog.Logger, url string, timeout time.Duration, policy retry.Policy) *HTTPSink {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if policy.Attempts <= 0 {
		policy = retry.Default
	}
	return &HTTPSink{
		log:    log.With().Str("component", "http sink").Logger(),
		url:    url,
		client: &http.Client{Timeout: timeout},
		policy: policy,
	}
}

func (s *HTTPSink) Deliver(ctx context.Context, target router.Target, env *record.Envelope) error {
	body, err := json.Marshal(&Delivery{
		Destination: target.Destination,
		Combined:    target.Combined,
		Kind:        env.Kind,
		EnvelopeID:  env.ID,
		Record:      env.Message,
		DM:          env.DM,
	})
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to marshal delivery: %w", err))
	}
	return retry.Do(ctx, s.policy, func(ctx context.Context, attempt int) error {
		return s.post(ctx, body)
	}, func(attempt int, err error, wait time.Duration) {
		zerolog.Ctx(ctx).Warn().Err(err).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("Processor request failed, retrying")
	})
}

func (s *HTTPSink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}
