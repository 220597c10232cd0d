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
Package sources implements the source player: it reads a recorded change
script, paces the events as configured, and feeds them through the adaptive
batcher into the configured dispatchers.

	script ──► player ──► bounded channel ──► adaptive batcher ──► dispatchers
*/
package sources

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/drasi-project/test-run-host/pkg/batch"
	"github.com/drasi-project/test-run-host/pkg/dispatch"
	"github.com/drasi-project/test-run-host/pkg/ids"
	"github.com/drasi-project/test-run-host/pkg/lifecycle"
	"github.com/drasi-project/test-run-host/pkg/records"
)

// StopDrainTimeout bounds how long a stop waits for the batcher and
// dispatchers to drain.
const StopDrainTimeout = 5 * time.Second

// Spacing modes.
const (
	SpacingNone      = "none"      // as fast as possible
	SpacingRecorded  = "recorded"  // reproduce the recorded inter-event gaps
	spacingFixed     = "fixed:"    // fixed:<duration> between events
	spacingRecordedX = "recorded:" // recorded:<multiplier> scales the gaps
)

// BatchConfig is the wire form of the adaptive batcher tuning.
type BatchConfig struct {
	MinBatchSize       int    `json:"min_batch_size,omitempty"`
	MaxBatchSize       int    `json:"max_batch_size,omitempty"`
	MinWaitMS          uint64 `json:"min_wait_ms,omitempty"`
	MaxWaitMS          uint64 `json:"max_wait_ms,omitempty"`
	ThroughputWindowMS uint64 `json:"throughput_window_ms,omitempty"`
	AdaptiveEnabled    *bool  `json:"adaptive_enabled,omitempty"`
}

func (c BatchConfig) toBatch() batch.Config {
	return batch.Config{
		MinBatchSize:     c.MinBatchSize,
		MaxBatchSize:     c.MaxBatchSize,
		MinWaitTime:      time.Duration(c.MinWaitMS) * time.Millisecond,
		MaxWaitTime:      time.Duration(c.MaxWaitMS) * time.Millisecond,
		ThroughputWindow: time.Duration(c.ThroughputWindowMS) * time.Millisecond,
		AdaptiveEnabled:  c.AdaptiveEnabled,
	}
}

// Config is a source player's admission-time configuration.
type Config struct {
	SourceID           string            `json:"source_id" validate:"required"`
	ScriptPath         string            `json:"script_path" validate:"required"`
	SpacingMode        string            `json:"spacing_mode,omitempty"`
	StartIndex         uint64            `json:"start_index,omitempty"`
	MaxEventsPerSecond float64           `json:"max_events_per_second,omitempty"`
	Batch              BatchConfig       `json:"batch,omitempty"`
	Dispatchers        []dispatch.Config `json:"dispatchers" validate:"required,min=1,dive"`
	StartImmediately   bool              `json:"start_immediately,omitempty"`
}

// State is a point-in-time snapshot of a player.
type State struct {
	Status     lifecycle.PlayerStatus `json:"status"`
	Dispatched uint64                 `json:"dispatched"`
	Skipped    uint64                 `json:"skipped"`
	Failed     uint64                 `json:"failed"`
	Dispatch   dispatch.Metrics       `json:"dispatch"`
	Error      string                 `json:"error,omitempty"`
}

// Player replays one script into its dispatchers.
type Player struct {
	id       ids.TestRunSourceID
	cfg      Config
	resolver dispatch.EndpointResolver
	log      *zap.Logger

	mu        sync.RWMutex
	status    lifecycle.PlayerStatus
	lastError string

	reader      *ScriptReader
	dispatchers []dispatch.Dispatcher
	pump        *dispatch.Pump
	events      chan *records.SourceChangeEvent
	control     chan lifecycle.Event
	stopCause   context.CancelFunc
	group       *errgroup.Group
	runErr      error
	done        chan struct{}
	started     bool

	dispatched atomic.Uint64
	skipped    atomic.Uint64
}

// NewPlayer builds a player and its dispatchers. Configuration failures
// surface here, at admission.
func NewPlayer(id ids.TestRunSourceID, cfg Config, resolver dispatch.EndpointResolver, log *zap.Logger) (*Player, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if _, err := parseSpacing(cfg.SpacingMode); err != nil {
		return nil, err
	}

	p := &Player{
		id:       id,
		cfg:      cfg,
		resolver: resolver,
		log:      log.Named("player").With(zap.String("id", id.String())),
		status:   lifecycle.PlayerUninitialized,
	}
	if err := p.build(); err != nil {
		return nil, err
	}
	return p, nil
}

// build creates fresh plumbing: reader, dispatchers, channels, pump. Called
// at construction and again on reset.
func (p *Player) build() error {
	reader, err := OpenScript(p.cfg.ScriptPath)
	if err != nil {
		return err
	}

	dispatchers := make([]dispatch.Dispatcher, 0, len(p.cfg.Dispatchers))
	for _, dcfg := range p.cfg.Dispatchers {
		d, err := dispatch.New(dcfg, p.cfg.SourceID, p.resolver, p.log)
		if err != nil {
			reader.Close()
			return err
		}
		dispatchers = append(dispatchers, d)
	}

	p.reader = reader
	p.dispatchers = dispatchers
	p.events = make(chan *records.SourceChangeEvent, 1024)
	p.control = make(chan lifecycle.Event, 128)
	p.pump = dispatch.NewPump(p.events, p.cfg.Batch.toBatch(), dispatchers, p.log)
	p.group = nil
	p.runErr = nil
	p.done = nil
	p.started = false
	return nil
}

// State returns a snapshot of status and counters.
func (p *Player) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var pumpMetrics dispatch.Metrics
	if p.pump != nil {
		pumpMetrics = p.pump.Metrics()
	}
	return State{
		Status:     p.status,
		Dispatched: p.dispatched.Load(),
		Skipped:    p.skipped.Load(),
		Failed:     pumpMetrics.EventsFailed,
		Dispatch:   pumpMetrics,
		Error:      p.lastError,
	}
}

// Start begins or resumes replay.
func (p *Player) Start(ctx context.Context) error {
	p.mu.Lock()
	from := p.status
	next, err := lifecycle.PlayerTransition(from, lifecycle.EventStart)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	starting := !p.started
	p.started = true
	p.status = next
	if starting {
		p.done = make(chan struct{})
	}
	p.mu.Unlock()

	if starting {
		runCtx, cancel := context.WithCancel(context.Background())
		p.stopCause = cancel

		// The replay is a two-worker group: the producer paces events into
		// the bounded channel, the pump drains batches into the dispatchers.
		group, _ := errgroup.WithContext(runCtx)
		p.group = group
		group.Go(func() error {
			p.pump.Run(context.Background())
			return nil
		})
		group.Go(func() error {
			defer close(p.events)
			return p.produce(runCtx)
		})
		go p.finishRun()
	}
	if from == lifecycle.PlayerPaused {
		select {
		case p.control <- lifecycle.EventStart:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Pause suspends event production; the channel stays open.
func (p *Player) Pause(ctx context.Context) error {
	p.mu.Lock()
	next, err := lifecycle.PlayerTransition(p.status, lifecycle.EventPause)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	p.status = next
	p.mu.Unlock()

	select {
	case p.control <- lifecycle.EventPause:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Stop closes the event channel and awaits the batcher and dispatcher drain
// with a bounded timeout, then closes the dispatchers. The worker group's
// terminal error, if any, is carried back to the caller.
func (p *Player) Stop(ctx context.Context) error {
	p.mu.Lock()
	if _, err := lifecycle.PlayerTransition(p.status, lifecycle.EventStop); err != nil {
		p.mu.Unlock()
		return err
	}
	done := p.done
	cancel := p.stopCause
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		timer := time.NewTimer(StopDrainTimeout)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			p.log.Warn("replay did not drain within stop timeout")
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	errs := p.closeDispatchers(ctx)

	p.mu.Lock()
	if p.status != lifecycle.PlayerError {
		p.status = lifecycle.PlayerStopped
	}
	errs = multierr.Append(p.runErr, errs)
	p.mu.Unlock()
	return errs
}

func (p *Player) closeDispatchers(ctx context.Context) error {
	var errs error
	for _, d := range p.dispatchers {
		errs = multierr.Append(errs, d.Close(ctx))
	}
	return errs
}

// Reset returns a Stopped player to Uninitialized with cleared counters, a
// rewound script and fresh dispatcher instances.
func (p *Player) Reset(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	next, err := lifecycle.PlayerTransition(p.status, lifecycle.EventReset)
	if err != nil {
		return err
	}
	p.reader.Close()
	if err := p.build(); err != nil {
		return err
	}
	p.status = next
	p.dispatched.Store(0)
	p.skipped.Store(0)
	p.lastError = ""
	return nil
}

// finishRun waits for the replay worker group, records its terminal error
// and settles the final status.
func (p *Player) finishRun() {
	defer close(p.done)

	err := p.group.Wait()

	p.mu.Lock()
	if err != nil {
		p.status = lifecycle.PlayerError
		p.lastError = err.Error()
		p.runErr = err
	} else if p.status == lifecycle.PlayerRunning {
		// Script drained on its own.
		p.status = lifecycle.PlayerStopped
	}
	p.mu.Unlock()

	if err != nil {
		p.log.Error("replay failed", zap.Error(err))
		return
	}
	p.log.Info("replay finished",
		zap.Uint64("dispatched", p.dispatched.Load()),
		zap.Uint64("skipped", p.skipped.Load()))
}

// produce paces events from the script into the batcher channel. A script
// read failure is the group's terminal error; a canceled context is a normal
// stop.
func (p *Player) produce(ctx context.Context) error {
	spacing, _ := parseSpacing(p.cfg.SpacingMode)

	var limiter *rate.Limiter
	if p.cfg.MaxEventsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(p.cfg.MaxEventsPerSecond), 1)
	}

	// Skip the head of the script if requested.
	for i := uint64(0); i < p.cfg.StartIndex; i++ {
		if _, err := p.reader.Next(); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		p.skipped.Add(1)
	}

	var lastTS uint64
	paused := false
	for {
		if paused {
			select {
			case <-ctx.Done():
				return nil
			case ev := <-p.control:
				if ev == lifecycle.EventStart {
					paused = false
				}
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case ev := <-p.control:
			if ev == lifecycle.EventPause {
				paused = true
			}
			continue
		default:
		}

		event, err := p.reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		if wait := spacing.delay(lastTS, event.Payload.Source.TsNS); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
		}
		lastTS = event.Payload.Source.TsNS

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil
			}
		}

		select {
		case p.events <- event:
			p.dispatched.Add(1)
		case <-ctx.Done():
			return nil
		}
	}
}

// spacingFunc computes the pacing delay from consecutive recorded
// timestamps. A multiplier above 1 replays faster than recorded, below 1
// slower.
type spacingFunc struct {
	fixed      time.Duration
	recorded   bool
	multiplier float64
}

func (s spacingFunc) delay(lastTS, ts uint64) time.Duration {
	switch {
	case s.fixed > 0:
		return s.fixed
	case s.recorded && lastTS > 0 && ts > lastTS:
		gap := time.Duration(ts - lastTS)
		if s.multiplier > 0 {
			gap = time.Duration(float64(gap) / s.multiplier)
		}
		return gap
	default:
		return 0
	}
}

func parseSpacing(mode string) (spacingFunc, error) {
	switch {
	case mode == "" || mode == SpacingNone:
		return spacingFunc{}, nil
	case mode == SpacingRecorded:
		return spacingFunc{recorded: true}, nil
	case strings.HasPrefix(mode, spacingRecordedX):
		multiplier, err := strconv.ParseFloat(strings.TrimPrefix(mode, spacingRecordedX), 64)
		if err != nil || multiplier <= 0 {
			return spacingFunc{}, fmt.Errorf("invalid spacing multiplier in %q", mode)
		}
		return spacingFunc{recorded: true, multiplier: multiplier}, nil
	case strings.HasPrefix(mode, spacingFixed):
		d, err := time.ParseDuration(strings.TrimPrefix(mode, spacingFixed))
		if err != nil {
			return spacingFunc{}, fmt.Errorf("invalid spacing mode %q: %w", mode, err)
		}
		return spacingFunc{fixed: d}, nil
	default:
		return spacingFunc{}, fmt.Errorf("unknown spacing mode %q", mode)
	}
}
