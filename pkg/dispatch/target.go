/*
Copyright 2025 The Drasi Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/drasi-project/test-run-host/pkg/logging"
	"github.com/drasi-project/test-run-host/pkg/records"
)

// EndpointResolver looks up the published endpoint of a managed target
// server. An empty endpoint with a nil error means the target exists but is
// not ready yet.
type EndpointResolver interface {
	TargetEndpoint(ctx context.Context, targetID string) (string, error)
}

const (
	endpointResolveAttempts = 10
	endpointResolveBackoff  = 500 * time.Millisecond
)

// TargetAPIDispatcher posts batches to a managed target server, resolving
// the target's endpoint through the host at dispatch time. Resolution
// tolerates target warm-up with a fixed retry schedule.
type TargetAPIDispatcher struct {
	targetID string
	sourceID string
	resolver EndpointResolver
	client   *http.Client
	log      *zap.Logger
}

type TargetAPIDispatcherOptions struct {
	TargetID string
	SourceID string
	Timeout  time.Duration
}

func NewTargetAPIDispatcher(opts TargetAPIDispatcherOptions, resolver EndpointResolver, log *zap.Logger) *TargetAPIDispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &TargetAPIDispatcher{
		targetID: opts.TargetID,
		sourceID: opts.SourceID,
		resolver: resolver,
		client:   &http.Client{Timeout: opts.Timeout},
		log:      log.Named("target-api-dispatcher"),
	}
}

// resolveEndpoint retries while the target warms up.
func (d *TargetAPIDispatcher) resolveEndpoint(ctx context.Context) (string, error) {
	for attempt := 1; ; attempt++ {
		endpoint, err := d.resolver.TargetEndpoint(ctx, d.targetID)
		if err != nil {
			return "", err
		}
		if endpoint != "" {
			if attempt > 1 {
				d.log.Info("target endpoint resolved",
					zap.String(logging.TargetID, d.targetID),
					zap.Int("attempts", attempt))
			}
			return endpoint, nil
		}
		if attempt >= endpointResolveAttempts {
			return "", fmt.Errorf("target %s not ready after %d attempts", d.targetID, endpointResolveAttempts)
		}
		d.log.Debug("target not ready, retrying",
			zap.String(logging.TargetID, d.targetID),
			zap.Int("attempt", attempt))

		timer := time.NewTimer(endpointResolveBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
}

func (d *TargetAPIDispatcher) Dispatch(ctx context.Context, events []*records.SourceChangeEvent) error {
	if len(events) == 0 {
		return nil
	}

	endpoint, err := d.resolveEndpoint(ctx)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/sources/%s/events", endpoint, d.sourceID)

	body, err := json.Marshal(events)
	if err != nil {
		return NonRetryable(fmt.Errorf("encoding events: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return NonRetryable(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting %d events to target %s: %w", len(events), d.targetID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.log.Debug("dispatched batch to target",
			zap.String(logging.TargetID, d.targetID),
			zap.Int("events", len(events)))
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err = fmt.Errorf("target returned %s: %s", resp.Status, string(respBody))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return NonRetryable(err)
	}
	return err
}

func (d *TargetAPIDispatcher) Close(_ context.Context) error {
	d.client.CloseIdleConnections()
	return nil
}
