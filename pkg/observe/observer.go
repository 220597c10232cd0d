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
Package observe implements the observer core shared by query and reaction
observers. An observer consumes the message stream of exactly one output
handler, assigns a gap-free sequence to every record, fans records out to its
output loggers in declaration order, and evaluates its stop triggers after
each record. Queries additionally track the bootstrap phase; reactions share
the same status type but never enter the bootstrap states.
*/
package observe

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drasi-project/test-run-host/pkg/lifecycle"
	"github.com/drasi-project/test-run-host/pkg/outputlog"
	"github.com/drasi-project/test-run-host/pkg/records"
)

// StopDrainTimeout bounds how long a stop waits for the worker to drain.
const StopDrainTimeout = 5 * time.Second

// Metrics are the cumulative observer counters.
type Metrics struct {
	BootstrapRecordCount    uint64 `json:"bootstrap_record_count"`
	ChangeRecordCount       uint64 `json:"change_record_count"`
	ReactionInvocationCount uint64 `json:"reaction_invocation_count"`
	HighestSequence         uint64 `json:"highest_sequence"`
	LoggerErrorCount        uint64 `json:"logger_error_count"`
	TriggerErrorCount       uint64 `json:"trigger_error_count"`
}

// RecordsObserved is the total record count, bootstrap and change combined.
func (m Metrics) RecordsObserved() uint64 {
	return m.BootstrapRecordCount + m.ChangeRecordCount
}

// State is a point-in-time snapshot of an observer.
type State struct {
	Status        lifecycle.ObserverStatus `json:"status"`
	Metrics       Metrics                  `json:"metrics"`
	LoggerResults []outputlog.Result       `json:"logger_results,omitempty"`
	Error         string                   `json:"error,omitempty"`
}

// LoggerFactory builds a fresh logger set; reset goes through it again.
type LoggerFactory func() ([]outputlog.Logger, error)

// Config assembles an observer.
type Config struct {
	ID          string
	HandlerType records.HandlerType
	Handler     HandlerFactory
	Loggers     LoggerFactory
	Triggers    []StopTrigger
	Log         *zap.Logger
}

// Observer owns one handler, its loggers and its worker goroutine. All
// lifecycle operations are safe to call concurrently.
type Observer struct {
	cfg Config
	log *zap.Logger

	mu            sync.RWMutex
	status        lifecycle.ObserverStatus
	metrics       Metrics
	loggerResults []outputlog.Result
	lastError     string

	handler OutputHandler
	loggers []outputlog.Logger
	nextSeq uint64

	control       chan lifecycle.Event
	group         *errgroup.Group
	done          chan struct{}
	workerStarted bool
	endOnce       *sync.Once
}

// New creates an observer in Uninitialized status. The handler and loggers
// are built eagerly so configuration failures surface at admission.
func New(cfg Config) (*Observer, error) {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	o := &Observer{
		cfg:    cfg,
		log:    cfg.Log.Named("observer").With(zap.String("id", cfg.ID)),
		status: lifecycle.ObserverUninitialized,
	}
	if err := o.build(); err != nil {
		return nil, err
	}
	return o, nil
}

// build creates a fresh handler, logger set and worker plumbing. Called at
// construction and again on reset.
func (o *Observer) build() error {
	handler, err := o.cfg.Handler()
	if err != nil {
		return err
	}
	loggers, err := o.cfg.Loggers()
	if err != nil {
		return err
	}
	o.handler = handler
	o.loggers = loggers
	o.control = make(chan lifecycle.Event, ControlChannelCapacity)
	o.group = nil
	o.done = nil
	o.workerStarted = false
	o.endOnce = &sync.Once{}
	return nil
}

// State returns a snapshot of status and counters.
func (o *Observer) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return State{
		Status:        o.status,
		Metrics:       o.metrics,
		LoggerResults: append([]outputlog.Result(nil), o.loggerResults...),
		Error:         o.lastError,
	}
}

func (o *Observer) setStatus(s lifecycle.ObserverStatus) {
	o.mu.Lock()
	o.status = s
	o.mu.Unlock()
}

// Start begins or resumes consumption. The first start initializes the
// handler and launches the worker; queries stay in Uninitialized until the
// handler's bootstrap signals arrive, reactions move straight to Running.
func (o *Observer) Start(ctx context.Context) error {
	o.mu.Lock()
	from := o.status
	next, err := lifecycle.ObserverTransition(from, lifecycle.EventStart)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	if from == lifecycle.ObserverUninitialized && o.cfg.HandlerType == records.HandlerTypeResultStream {
		// Bootstrap-capable components report their phase from the record
		// stream, not from the start call.
		next = lifecycle.ObserverUninitialized
	}
	starting := !o.workerStarted
	o.workerStarted = true
	o.status = next
	o.mu.Unlock()

	if starting {
		msgs, err := o.handler.Init(ctx)
		if err != nil {
			o.mu.Lock()
			o.workerStarted = false
			o.status = lifecycle.ObserverError
			o.lastError = err.Error()
			o.mu.Unlock()
			return err
		}
		group, _ := errgroup.WithContext(context.Background())
		done := make(chan struct{})
		o.mu.Lock()
		o.group = group
		o.done = done
		o.mu.Unlock()
		group.Go(func() error {
			defer close(done)
			return o.run(msgs)
		})
	}
	if from == lifecycle.ObserverPaused {
		select {
		case o.control <- lifecycle.EventStart:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return o.handler.Start(ctx)
}

// Pause suspends consumption without closing any channel.
func (o *Observer) Pause(ctx context.Context) error {
	o.mu.Lock()
	next, err := lifecycle.ObserverTransition(o.status, lifecycle.EventPause)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	o.status = next
	o.mu.Unlock()

	select {
	case o.control <- lifecycle.EventPause:
	case <-ctx.Done():
		return ctx.Err()
	}
	return o.handler.Pause(ctx)
}

// Stop closes the handler, drains the worker for up to StopDrainTimeout,
// flushes the loggers and moves to Stopped. Stop is idempotent and safe to
// call concurrently with other operations. The worker group's terminal error
// (a fatal handler failure) is carried back to the caller alongside any
// handler stop failure.
func (o *Observer) Stop(ctx context.Context) error {
	o.mu.Lock()
	if _, err := lifecycle.ObserverTransition(o.status, lifecycle.EventStop); err != nil {
		o.mu.Unlock()
		return err
	}
	group := o.group
	done := o.done
	o.mu.Unlock()

	errs := o.handler.Stop(ctx)

	if done != nil {
		timer := time.NewTimer(StopDrainTimeout)
		defer timer.Stop()
		select {
		case <-done:
			errs = multierr.Append(errs, group.Wait())
		case <-timer.C:
			o.log.Warn("worker did not drain within stop timeout")
		case <-ctx.Done():
			return multierr.Append(errs, ctx.Err())
		}
	}

	o.endLoggers()
	o.mu.Lock()
	if o.status != lifecycle.ObserverError {
		o.status = lifecycle.ObserverStopped
	}
	o.mu.Unlock()
	return errs
}

// Reset returns a Stopped observer to Uninitialized with cleared counters
// and a brand new handler instance.
func (o *Observer) Reset(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	next, err := lifecycle.ObserverTransition(o.status, lifecycle.EventReset)
	if err != nil {
		return err
	}
	if err := o.build(); err != nil {
		return err
	}
	o.status = next
	o.metrics = Metrics{}
	o.loggerResults = nil
	o.lastError = ""
	o.nextSeq = 0
	return nil
}

// MarkDeleted moves a terminal observer to Deleted prior to removal.
func (o *Observer) MarkDeleted() {
	o.setStatus(lifecycle.ObserverDeleted)
}

// run is the worker loop: consume messages, honor pause, process records.
// It returns the fatal handler error when one terminates the observer.
func (o *Observer) run(msgs <-chan HandlerMessage) error {
	paused := false
	for {
		if paused {
			ev, ok := <-o.control
			if !ok {
				return nil
			}
			if ev == lifecycle.EventStart {
				paused = false
			}
			continue
		}

		// Control has priority over queued messages.
		select {
		case ev := <-o.control:
			if ev == lifecycle.EventPause {
				paused = true
			}
			continue
		default:
		}

		select {
		case ev := <-o.control:
			if ev == lifecycle.EventPause {
				paused = true
			}
		case msg, ok := <-msgs:
			if !ok {
				o.finish(lifecycle.ObserverStopped)
				return nil
			}
			terminal, err := o.process(msg)
			if terminal {
				return err
			}
		}
	}
}

// finish flushes the loggers and records the worker's final status.
func (o *Observer) finish(status lifecycle.ObserverStatus) {
	o.endLoggers()
	o.mu.Lock()
	if !o.status.IsTerminal() {
		o.status = status
	}
	o.mu.Unlock()
}

// endLoggers runs the end-of-run hook of every logger exactly once per run.
func (o *Observer) endLoggers() {
	o.endOnce.Do(func() {
		results := make([]outputlog.Result, 0, len(o.loggers))
		for _, logger := range o.loggers {
			result, err := logger.EndTestRun()
			if err != nil {
				o.log.Error("logger end-of-run failed", zap.Error(err))
				continue
			}
			results = append(results, result)
		}
		o.mu.Lock()
		o.loggerResults = results
		o.mu.Unlock()
	})
}

// process handles one message. It reports whether the worker must exit and,
// for fatal handler failures, the error to carry out of the worker group.
func (o *Observer) process(msg HandlerMessage) (bool, error) {
	switch {
	case msg.Err != nil:
		if !msg.Err.Recoverable {
			o.log.Error("handler reported fatal error", zap.Error(msg.Err))
			o.mu.Lock()
			o.status = lifecycle.ObserverError
			o.lastError = msg.Err.Error()
			o.mu.Unlock()
			o.endLoggers()
			return true, msg.Err
		}
		// Recoverable: the offending input is dropped, the observer goes on.
		o.log.Warn("handler reported recoverable error", zap.Error(msg.Err))
		return false, nil

	case msg.Control != "":
		return o.processControl(msg.Control), nil

	case msg.Record != nil:
		return o.processRecord(msg.Record), nil
	}
	return false, nil
}

func (o *Observer) processControl(signal ControlSignal) bool {
	if o.cfg.HandlerType != records.HandlerTypeResultStream && signal != ControlStopping {
		// Bootstrap states are unreachable for reactions.
		return false
	}
	switch signal {
	case ControlBootstrapStarted:
		o.mu.Lock()
		if o.status == lifecycle.ObserverUninitialized || o.status == lifecycle.ObserverRunning {
			o.status = lifecycle.ObserverBootstrapStarted
		}
		o.mu.Unlock()
	case ControlBootstrapComplete:
		o.mu.Lock()
		if o.status == lifecycle.ObserverBootstrapStarted {
			o.status = lifecycle.ObserverBootstrapComplete
		}
		o.mu.Unlock()
	case ControlStopping:
		o.log.Debug("handler stopping")
		o.finish(lifecycle.ObserverStopped)
		return true
	}
	return false
}

func (o *Observer) processRecord(rec *records.HandlerRecord) bool {
	now := uint64(time.Now().UnixNano())
	rec.Sequence = o.nextSeq
	o.nextSeq++
	if rec.CreatedTimeNS == 0 {
		rec.CreatedTimeNS = now
	}
	rec.ProcessedTimeNS = max(now, rec.CreatedTimeNS)

	o.mu.Lock()
	o.metrics.HighestSequence = rec.Sequence
	if o.status == lifecycle.ObserverBootstrapStarted {
		o.metrics.BootstrapRecordCount++
	} else {
		o.metrics.ChangeRecordCount++
		if o.status == lifecycle.ObserverUninitialized || o.status == lifecycle.ObserverBootstrapComplete {
			o.status = lifecycle.ObserverRunning
		}
	}
	if rec.Payload.ReactionInvocation != nil {
		o.metrics.ReactionInvocationCount++
	}
	status := o.status
	metrics := o.metrics
	o.mu.Unlock()

	// Fan out to loggers in declaration order. A logger error is recorded
	// but does not terminate the observer.
	for _, logger := range o.loggers {
		if err := logger.LogRecord(rec); err != nil {
			o.log.Error("logger failed", zap.Uint64("sequence", rec.Sequence), zap.Error(err))
			o.mu.Lock()
			o.metrics.LoggerErrorCount++
			o.mu.Unlock()
		}
	}

	// Evaluate stop triggers in declaration order; first true stops the
	// observer. A trigger error counts as false for this tick.
	for _, trigger := range o.cfg.Triggers {
		fired, err := trigger.Fired(status, metrics)
		if err != nil {
			o.log.Warn("stop trigger errored, treating as false", zap.Error(err))
			o.mu.Lock()
			o.metrics.TriggerErrorCount++
			o.mu.Unlock()
			continue
		}
		if fired {
			o.log.Info("stop trigger fired", zap.Uint64("records", metrics.RecordsObserved()))
			stopCtx, cancel := context.WithTimeout(context.Background(), StopDrainTimeout)
			if err := o.handler.Stop(stopCtx); err != nil {
				o.log.Warn("stopping handler after trigger", zap.Error(err))
			}
			cancel()
			o.finish(lifecycle.ObserverStopped)
			return true
		}
	}
	return false
}
