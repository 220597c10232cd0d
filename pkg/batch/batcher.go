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
Package batch coalesces a single-producer stream into variable-size batches.

The batcher sits between a producer channel and a dispatching consumer.
Instead of a fixed batch size it measures recent arrival rate over a sliding
window and picks both the target batch size and the maximum wait time from
the observed throughput level:

	Idle    → smallest batches, shortest wait (latency first)
	Burst   → largest batches, longest wait (throughput first)

Every emitted batch is non-empty, items are never reordered, and every item
sent before the channel closes appears in exactly one batch.
*/
package batch

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Config bounds the adaptive behavior. Zero fields take the defaults below;
// AdaptiveEnabled nil means enabled.
type Config struct {
	MinBatchSize     int
	MaxBatchSize     int
	MinWaitTime      time.Duration
	MaxWaitTime      time.Duration
	ThroughputWindow time.Duration
	AdaptiveEnabled  *bool
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		MinBatchSize:     10,
		MaxBatchSize:     1000,
		MinWaitTime:      time.Millisecond,
		MaxWaitTime:      100 * time.Millisecond,
		ThroughputWindow: 5 * time.Second,
	}
}

type settings struct {
	minBatchSize     int
	maxBatchSize     int
	minWaitTime      time.Duration
	maxWaitTime      time.Duration
	throughputWindow time.Duration
	adaptiveEnabled  bool
}

func (c Config) normalized() settings {
	def := DefaultConfig()
	s := settings{
		minBatchSize:     c.MinBatchSize,
		maxBatchSize:     c.MaxBatchSize,
		minWaitTime:      c.MinWaitTime,
		maxWaitTime:      c.MaxWaitTime,
		throughputWindow: c.ThroughputWindow,
		adaptiveEnabled:  true,
	}
	if s.minBatchSize <= 0 {
		s.minBatchSize = def.MinBatchSize
	}
	if s.maxBatchSize <= 0 {
		s.maxBatchSize = def.MaxBatchSize
	}
	if s.maxBatchSize < s.minBatchSize {
		s.maxBatchSize = s.minBatchSize
	}
	if s.minWaitTime <= 0 {
		s.minWaitTime = def.MinWaitTime
	}
	if s.maxWaitTime <= 0 {
		s.maxWaitTime = def.MaxWaitTime
	}
	if s.throughputWindow <= 0 {
		s.throughputWindow = def.ThroughputWindow
	}
	if c.AdaptiveEnabled != nil {
		s.adaptiveEnabled = *c.AdaptiveEnabled
	}
	return s
}

// Batcher collects items from a single producer channel into batches. It is
// owned by a single consumer; Next must not be called concurrently.
type Batcher[T any] struct {
	in  <-chan T
	cfg settings
	mon *Monitor
	log *zap.Logger

	size int
	wait time.Duration
}

func New[T any](in <-chan T, cfg Config, log *zap.Logger) *Batcher[T] {
	s := cfg.normalized()
	if log == nil {
		log = zap.NewNop()
	}
	return &Batcher[T]{
		in:   in,
		cfg:  s,
		mon:  NewMonitor(s.throughputWindow),
		log:  log.Named("batcher"),
		size: s.minBatchSize,
		wait: s.minWaitTime,
	}
}

// adapt recomputes the target batch size and wait time from the current
// throughput level, clamped to the configured bounds.
func (b *Batcher[T]) adapt() {
	if !b.cfg.adaptiveEnabled {
		return
	}

	level := b.mon.Level()
	switch level {
	case LevelIdle:
		b.size = b.cfg.minBatchSize
		b.wait = b.cfg.minWaitTime
	case LevelLow:
		b.size = min(b.cfg.minBatchSize*2, b.cfg.maxBatchSize)
		b.wait = max(time.Millisecond, b.cfg.minWaitTime)
	case LevelMedium:
		b.size = min(b.cfg.minBatchSize+(b.cfg.maxBatchSize-b.cfg.minBatchSize)/4, b.cfg.maxBatchSize)
		b.wait = b.clampWait(10 * time.Millisecond)
	case LevelHigh:
		b.size = min(b.cfg.minBatchSize+(b.cfg.maxBatchSize-b.cfg.minBatchSize)/2, b.cfg.maxBatchSize)
		b.wait = b.clampWait(25 * time.Millisecond)
	case LevelBurst:
		b.size = b.cfg.maxBatchSize
		b.wait = b.clampWait(50 * time.Millisecond)
	}

	b.log.Debug("adapted batching parameters",
		zap.Stringer("level", level),
		zap.Float64("rate", b.mon.Rate()),
		zap.Int("targetSize", b.size),
		zap.Duration("wait", b.wait))
}

func (b *Batcher[T]) clampWait(d time.Duration) time.Duration {
	return min(max(d, b.cfg.minWaitTime), b.cfg.maxWaitTime)
}

// estimatePending guesses how many items are waiting behind the channel from
// the current throughput level. It is a heuristic: the producer cannot be
// peeked without consuming.
func (b *Batcher[T]) estimatePending() int {
	switch b.mon.Level() {
	case LevelBurst:
		return 100
	case LevelHigh:
		return 50
	case LevelMedium:
		return 20
	case LevelLow:
		return 5
	default:
		return 0
	}
}

// Next collects the next batch. It blocks until at least one item arrives,
// then drains up to the adaptive target within the adaptive wait deadline.
// It returns ok=false when the channel is closed (or the context canceled)
// before any item arrived; any items collected before a close or cancel are
// still emitted.
func (b *Batcher[T]) Next(ctx context.Context) ([]T, bool) {
	var items []T

	select {
	case <-ctx.Done():
		return nil, false
	case item, ok := <-b.in:
		if !ok {
			return nil, false
		}
		items = append(items, item)
	}

	b.adapt()
	deadline := time.Now().Add(b.wait)

assembly:
	for len(items) < b.size {
		select {
		case item, ok := <-b.in:
			if !ok {
				break assembly
			}
			items = append(items, item)

			// With half a batch in hand, probe for a standing burst and fill
			// greedily rather than paying the per-item select.
			if len(items) >= b.size/2 && b.estimatePending() > b.size*2 {
				for len(items) < b.size {
					select {
					case item, ok := <-b.in:
						if !ok {
							break assembly
						}
						items = append(items, item)
					default:
						break assembly
					}
				}
				break assembly
			}
		default:
			remaining := time.Until(deadline)
			if remaining <= 0 {
				break assembly
			}
			timer := time.NewTimer(remaining)
			select {
			case <-ctx.Done():
				timer.Stop()
				break assembly
			case item, ok := <-b.in:
				timer.Stop()
				if !ok {
					break assembly
				}
				items = append(items, item)
			case <-timer.C:
				break assembly
			}
		}
	}

	b.mon.Record(len(items))
	b.log.Debug("batch collected",
		zap.Int("size", len(items)),
		zap.Int("targetSize", b.size),
		zap.Duration("wait", b.wait),
		zap.Stringer("level", b.mon.Level()))

	return items, true
}
