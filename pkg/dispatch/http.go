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

	"github.com/drasi-project/test-run-host/pkg/records"
)

// HTTPDispatcher posts each batch as a JSON array of change events to a fixed
// URL. 4xx responses are non-retryable; 5xx and transport failures are left
// for the pump's retry loop.
type HTTPDispatcher struct {
	url    string
	client *http.Client
	log    *zap.Logger
}

func NewHTTPDispatcher(url string, timeout time.Duration, log *zap.Logger) *HTTPDispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPDispatcher{
		url:    url,
		client: &http.Client{Timeout: timeout},
		log:    log.Named("http-dispatcher"),
	}
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, events []*records.SourceChangeEvent) error {
	if len(events) == 0 {
		return nil
	}

	body, err := json.Marshal(events)
	if err != nil {
		return NonRetryable(fmt.Errorf("encoding events: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return NonRetryable(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting %d events to %s: %w", len(events), d.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.log.Debug("dispatched batch", zap.Int("events", len(events)), zap.String("url", d.url))
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err = fmt.Errorf("sink returned %s: %s", resp.Status, string(respBody))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return NonRetryable(err)
	}
	return err
}

func (d *HTTPDispatcher) Close(_ context.Context) error {
	d.client.CloseIdleConnections()
	return nil
}
