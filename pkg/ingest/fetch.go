// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aiku/mirror-relay/pkg/retry"
)

const (
	DefaultFetchTimeout = 10 * time.Second
	// DefaultFetchLimit bounds attachment downloads.
	DefaultFetchLimit = 64 << 20
)

// Fetcher downloads attachment bytes.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// HTTPFetcher downloads over HTTP, retrying connection errors and 5xx
// responses.
type HTTPFetcher struct {
	client *http.Client
	limit  int64
	policy retry.Policy
}

var _ Fetcher = (*HTTPFetcher)(nil)

func NewHTTPFetcher(timeout time.Duration, limit int64) *HTTPFetcher {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	if limit <= 0 {
		limit = DefaultFetchLimit
	}
	return &HTTPFetcher{
		client: &http.Client{Timeout: timeout},
		limit:  limit,
		policy: retry.Default,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (data []byte, err error) {
	err = retry.Do(ctx, f.policy, func(ctx context.Context, attempt int) error {
		data, err = f.get(ctx, url)
		return err
	}, nil)
	return
}

func (f *HTTPFetcher) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		err = fmt.Errorf("unexpected status %d", resp.StatusCode)
		if resp.StatusCode < 500 {
			err = retry.Permanent(err)
		}
		return nil, err
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.limit+1))
	if err != nil {
		return nil, err
	} else if int64(len(data)) > f.limit {
		return nil, retry.Permanent(fmt.Errorf("attachment larger than %d bytes", f.limit))
	}
	return data, nil
}
