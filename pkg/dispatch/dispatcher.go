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

/*
Package dispatch transports batches of source change events to a sink.

A Dispatcher holds a lazy connection: it connects on first dispatch, reuses
the connection until a send fails, and recycles it on error. The Pump drives
a Dispatcher from the adaptive batcher: failed batches are retried with
exponential backoff, then counted as failed without stopping the stream.
*/
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drasi-project/test-run-host/pkg/batch"
	"github.com/drasi-project/test-run-host/pkg/logging"
	"github.com/drasi-project/test-run-host/pkg/records"
)

// Dispatcher transports one batch at a time to a sink.
type Dispatcher interface {
	// Dispatch sends events in order. It is called by a single goroutine.
	Dispatch(ctx context.Context, events []*records.SourceChangeEvent) error
	// Close discards any open connection. Dispatch may be called again
	// afterwards and will reconnect.
	Close(ctx context.Context) error
}

// errNonRetryable marks failures that a retry cannot fix (4xx-shaped sink
// responses, conversion errors).
var errNonRetryable = errors.New("non-retryable dispatch failure")

// NonRetryable wraps err so the retry loop gives up immediately.
func NonRetryable(err error) error {
	return fmt.Errorf("%w: %w", errNonRetryable, err)
}

// IsNonRetryable reports whether err is marked non-retryable.
func IsNonRetryable(err error) bool {
	return errors.Is(err, errNonRetryable)
}

const (
	maxRetries       = 3
	retryBackoffBase = 100 * time.Millisecond
)

// Metrics are the cumulative pump counters.
type Metrics struct {
	BatchesDispatched uint64 `json:"batches_dispatched"`
	BatchesFailed     uint64 `json:"batches_failed"`
	EventsDispatched  uint64 `json:"events_dispatched"`
	EventsFailed      uint64 `json:"events_failed"`
}

// Pump consumes batches from the adaptive batcher and drives the dispatchers.
// It owns the batcher: once the producer channel closes and the final batch
// is delivered, Run returns.
type Pump struct {
	batcher     *batch.Batcher[*records.SourceChangeEvent]
	dispatchers []Dispatcher
	log         *zap.Logger

	batchesDispatched atomic.Uint64
	batchesFailed     atomic.Uint64
	eventsDispatched  atomic.Uint64
	eventsFailed      atomic.Uint64
}

func NewPump(in <-chan *records.SourceChangeEvent, cfg batch.Config, dispatchers []Dispatcher, log *zap.Logger) *Pump {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pump{
		batcher:     batch.New(in, cfg, log),
		dispatchers: dispatchers,
		log:         log.Named("dispatch"),
	}
}

// Run loops until the event channel closes or ctx is canceled. Batch-level
// failures are counted and logged; they never terminate the loop.
func (p *Pump) Run(ctx context.Context) {
	for {
		events, ok := p.batcher.Next(ctx)
		if !ok {
			p.log.Debug("batch stream drained",
				zap.Uint64("batchesDispatched", p.batchesDispatched.Load()),
				zap.Uint64("batchesFailed", p.batchesFailed.Load()))
			return
		}
		if len(events) == 0 {
			continue
		}

		batchID := uuid.New().String()
		failed := false
		for _, d := range p.dispatchers {
			if err := p.dispatchWithRetry(ctx, d, events, batchID); err != nil {
				failed = true
				p.log.Error("batch dispatch failed",
					zap.String(logging.BatchID, batchID),
					zap.Int(logging.BatchSize, len(events)),
					zap.Error(err))
			}
		}
		if failed {
			p.batchesFailed.Add(1)
			p.eventsFailed.Add(uint64(len(events)))
		} else {
			p.batchesDispatched.Add(1)
			p.eventsDispatched.Add(uint64(len(events)))
		}
	}
}

// dispatchWithRetry retries transient failures with exponential backoff
// (100ms, 200ms, 400ms), discarding the connection between attempts.
func (p *Pump) dispatchWithRetry(ctx context.Context, d Dispatcher, events []*records.SourceChangeEvent, batchID string) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := retryBackoffBase << (attempt - 1)
			p.log.Warn("batch send failed, retrying",
				zap.String(logging.BatchID, batchID),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr))

			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			// Force a fresh connection for the next attempt.
			if err := d.Close(ctx); err != nil {
				p.log.Debug("discarding connection before retry", zap.Error(err))
			}
		}

		lastErr = d.Dispatch(ctx, events)
		if lastErr == nil {
			return nil
		}
		if IsNonRetryable(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("dispatch failed after %d retries: %w", maxRetries, lastErr)
}

// Metrics returns a snapshot of the cumulative counters. Safe to call while
// Run is in flight.
func (p *Pump) Metrics() Metrics {
	return Metrics{
		BatchesDispatched: p.batchesDispatched.Load(),
		BatchesFailed:     p.batchesFailed.Load(),
		EventsDispatched:  p.eventsDispatched.Load(),
		EventsFailed:      p.eventsFailed.Load(),
	}
}
