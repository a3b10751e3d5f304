// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jeranaias/tutorbus/internal/monitor"
)

// HTTPFetcher reads snapshots from the /stats endpoint of a running
// tutorbus server at baseURL. A nil client uses a 5 second timeout.
func HTTPFetcher(baseURL string, client *http.Client) Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	url := strings.TrimRight(baseURL, "/") + "/stats"
	return func(ctx context.Context) (monitor.Aggregate, error) {
		var agg monitor.Aggregate
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return agg, err
		}
		req.Header.Set("Accept", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return agg, fmt.Errorf("fetch stats: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return agg, fmt.Errorf("fetch stats: %s: %s", resp.Status, strings.TrimSpace(string(body)))
		}
		if err := json.NewDecoder(resp.Body).Decode(&agg); err != nil {
			return agg, fmt.Errorf("decode stats: %w", err)
		}
		return agg, nil
	}
}

// LocalFetcher adapts an in-process snapshot source.
func LocalFetcher(snapshot func() monitor.Aggregate) Fetcher {
	return func(context.Context) (monitor.Aggregate, error) {
		return snapshot(), nil
	}
}
