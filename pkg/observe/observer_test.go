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

package observe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/drasi-project/test-run-host/pkg/lifecycle"
	"github.com/drasi-project/test-run-host/pkg/outputlog"
	"github.com/drasi-project/test-run-host/pkg/records"
)

// fakeHandler is a scriptable output handler.
type fakeHandler struct {
	mu       sync.Mutex
	ch       chan HandlerMessage
	stopOnce sync.Once
	stopErr  error
	inits    int
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{ch: make(chan HandlerMessage, EventChannelCapacity)}
}

func (h *fakeHandler) Init(context.Context) (<-chan HandlerMessage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inits++
	return h.ch, nil
}

func (h *fakeHandler) Start(context.Context) error { return nil }
func (h *fakeHandler) Pause(context.Context) error { return nil }

func (h *fakeHandler) Stop(context.Context) error {
	h.stopOnce.Do(func() { close(h.ch) })
	return h.stopErr
}

func (h *fakeHandler) Status() lifecycle.ObserverStatus { return lifecycle.ObserverRunning }
func (h *fakeHandler) Metrics() map[string]any          { return nil }

func (h *fakeHandler) emitChange(i int) {
	h.ch <- HandlerMessage{Record: &records.HandlerRecord{
		ID:            fmt.Sprintf("rec-%d", i),
		CreatedTimeNS: uint64(time.Now().UnixNano()),
		Payload: records.HandlerPayload{ResultStream: &records.ResultStreamPayload{
			QueryResult: records.QueryResultRecord{Kind: records.QueryResultKindChange},
		}},
	}}
}

// collectLogger keeps every record it sees.
type collectLogger struct {
	mu      sync.Mutex
	records []*records.HandlerRecord
	ended   bool
	failOn  int // 1-based record index to fail on, 0 = never
}

func (l *collectLogger) LogRecord(rec *records.HandlerRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	if l.failOn > 0 && len(l.records) == l.failOn {
		return errors.New("disk full")
	}
	return nil
}

func (l *collectLogger) EndTestRun() (outputlog.Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ended = true
	return outputlog.Result{HasOutput: len(l.records) > 0, LoggerName: "Collect"}, nil
}

func newObserver(t *testing.T, handler *fakeHandler, handlerType records.HandlerType, triggers []StopTrigger, loggers ...outputlog.Logger) *Observer {
	t.Helper()
	obs, err := New(Config{
		ID:          "repo.test.run.component-1",
		HandlerType: handlerType,
		Handler:     func() (OutputHandler, error) { return handler, nil },
		Loggers:     func() ([]outputlog.Logger, error) { return loggers, nil },
		Triggers:    triggers,
		Log:         zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return obs
}

func waitForStatus(t *testing.T, obs *Observer, want lifecycle.ObserverStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		return obs.State().Status == want
	}, 5*time.Second, 5*time.Millisecond, "waiting for status %s, have %s", want, obs.State().Status)
}

func TestBootstrapPhaseTransitions(t *testing.T) {
	t.Parallel()

	handler := newFakeHandler()
	logger := &collectLogger{}
	obs := newObserver(t, handler, records.HandlerTypeResultStream, nil, logger)

	assert.Equal(t, lifecycle.ObserverUninitialized, obs.State().Status)
	require.NoError(t, obs.Start(context.Background()))
	assert.Equal(t, lifecycle.ObserverUninitialized, obs.State().Status, "queries wait for bootstrap signals")

	handler.ch <- HandlerMessage{Control: ControlBootstrapStarted}
	waitForStatus(t, obs, lifecycle.ObserverBootstrapStarted)

	for i := 0; i < 3; i++ {
		handler.emitChange(i)
	}
	handler.ch <- HandlerMessage{Control: ControlBootstrapComplete}
	waitForStatus(t, obs, lifecycle.ObserverBootstrapComplete)

	for i := 3; i < 8; i++ {
		handler.emitChange(i)
	}
	waitForStatus(t, obs, lifecycle.ObserverRunning)

	require.Eventually(t, func() bool { return obs.State().Metrics.RecordsObserved() == 8 }, time.Second, time.Millisecond)
	m := obs.State().Metrics
	assert.Equal(t, uint64(3), m.BootstrapRecordCount)
	assert.Equal(t, uint64(5), m.ChangeRecordCount)

	require.NoError(t, obs.Stop(context.Background()))
}

func TestSequenceAssignmentAndTiming(t *testing.T) {
	t.Parallel()

	handler := newFakeHandler()
	logger := &collectLogger{}
	obs := newObserver(t, handler, records.HandlerTypeResultStream, nil, logger)
	require.NoError(t, obs.Start(context.Background()))

	for i := 0; i < 20; i++ {
		handler.emitChange(i)
	}
	require.NoError(t, obs.Stop(context.Background()))

	require.Len(t, logger.records, 20)
	for i, rec := range logger.records {
		assert.Equal(t, uint64(i), rec.Sequence, "sequence is gap-free from 0")
		assert.GreaterOrEqual(t, rec.ProcessedTimeNS, rec.CreatedTimeNS)
	}
	assert.Equal(t, uint64(19), obs.State().Metrics.HighestSequence)
}

func TestRecordCountStopTrigger(t *testing.T) {
	t.Parallel()

	handler := newFakeHandler()
	logger := &collectLogger{}
	obs := newObserver(t, handler, records.HandlerTypeResultStream, []StopTrigger{&RecordCountTrigger{N: 10}}, logger)
	require.NoError(t, obs.Start(context.Background()))

	for i := 0; i < 9; i++ {
		handler.emitChange(i)
	}
	require.Eventually(t, func() bool { return obs.State().Metrics.RecordsObserved() == 9 }, time.Second, time.Millisecond)
	assert.Equal(t, lifecycle.ObserverRunning, obs.State().Status, "trigger must not fire at 9 records")

	handler.emitChange(9)
	waitForStatus(t, obs, lifecycle.ObserverStopped)

	state := obs.State()
	require.Len(t, state.LoggerResults, 1)
	assert.True(t, state.LoggerResults[0].HasOutput)
	assert.True(t, logger.ended, "end-of-run hook ran")
}

func TestPauseSuspendsConsumption(t *testing.T) {
	t.Parallel()

	handler := newFakeHandler()
	logger := &collectLogger{}
	obs := newObserver(t, handler, records.HandlerTypeReaction, nil, logger)
	require.NoError(t, obs.Start(context.Background()))
	waitForStatus(t, obs, lifecycle.ObserverRunning)

	handler.emitChange(0)
	require.Eventually(t, func() bool { return obs.State().Metrics.RecordsObserved() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, obs.Pause(context.Background()))
	handler.emitChange(1)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, uint64(1), obs.State().Metrics.RecordsObserved(), "paused observer must not consume")

	require.NoError(t, obs.Start(context.Background()))
	require.Eventually(t, func() bool { return obs.State().Metrics.RecordsObserved() == 2 }, time.Second, time.Millisecond)

	require.NoError(t, obs.Stop(context.Background()))
}

func TestHandlerFatalErrorIsTerminal(t *testing.T) {
	t.Parallel()

	handler := newFakeHandler()
	obs := newObserver(t, handler, records.HandlerTypeReaction, nil, &collectLogger{})
	require.NoError(t, obs.Start(context.Background()))

	handler.ch <- HandlerMessage{Err: &HandlerError{
		HandlerType: records.HandlerTypeReaction,
		Err:         errors.New("listener crashed"),
		Recoverable: false,
	}}
	waitForStatus(t, obs, lifecycle.ObserverError)
	assert.NotEmpty(t, obs.State().Error)

	// Terminal: every further operation is rejected.
	assert.Error(t, obs.Start(context.Background()))
	assert.Error(t, obs.Stop(context.Background()))
	assert.Error(t, obs.Reset(context.Background()))
}

func TestRecoverableHandlerErrorIsDropped(t *testing.T) {
	t.Parallel()

	handler := newFakeHandler()
	logger := &collectLogger{}
	obs := newObserver(t, handler, records.HandlerTypeReaction, nil, logger)
	require.NoError(t, obs.Start(context.Background()))

	handler.ch <- HandlerMessage{Err: &HandlerError{
		HandlerType: records.HandlerTypeReaction,
		Err:         errors.New("malformed body"),
		Recoverable: true,
	}}
	handler.emitChange(0)
	require.Eventually(t, func() bool { return obs.State().Metrics.RecordsObserved() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, lifecycle.ObserverRunning, obs.State().Status)

	require.NoError(t, obs.Stop(context.Background()))
}

func TestLoggerErrorDoesNotStopObserver(t *testing.T) {
	t.Parallel()

	handler := newFakeHandler()
	logger := &collectLogger{failOn: 1}
	obs := newObserver(t, handler, records.HandlerTypeReaction, nil, logger)
	require.NoError(t, obs.Start(context.Background()))

	handler.emitChange(0)
	handler.emitChange(1)
	require.Eventually(t, func() bool { return obs.State().Metrics.RecordsObserved() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(1), obs.State().Metrics.LoggerErrorCount)

	require.NoError(t, obs.Stop(context.Background()))
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()

	handler := newFakeHandler()
	obs := newObserver(t, handler, records.HandlerTypeReaction, nil, &collectLogger{})
	require.NoError(t, obs.Start(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, obs.Stop(context.Background()))
		}()
	}
	wg.Wait()
	assert.Equal(t, lifecycle.ObserverStopped, obs.State().Status)
}

func TestResetOnlyFromStoppedAndBuildsFreshHandler(t *testing.T) {
	t.Parallel()

	handlers := []*fakeHandler{newFakeHandler(), newFakeHandler()}
	built := 0
	var logger collectLogger
	obs, err := New(Config{
		ID:          "repo.test.run.component-1",
		HandlerType: records.HandlerTypeReaction,
		Handler: func() (OutputHandler, error) {
			h := handlers[built]
			built++
			return h, nil
		},
		Loggers: func() ([]outputlog.Logger, error) { return []outputlog.Logger{&logger}, nil },
		Log:     zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	require.NoError(t, obs.Start(context.Background()))
	assert.Error(t, obs.Reset(context.Background()), "reset is illegal while running")

	handlers[0].emitChange(0)
	require.Eventually(t, func() bool { return obs.State().Metrics.RecordsObserved() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, obs.Stop(context.Background()))

	require.NoError(t, obs.Reset(context.Background()))
	state := obs.State()
	assert.Equal(t, lifecycle.ObserverUninitialized, state.Status)
	assert.Zero(t, state.Metrics.RecordsObserved())
	assert.Empty(t, state.LoggerResults)
	assert.Equal(t, 2, built, "reset builds a fresh handler instance")

	// The fresh handler serves the next run and sequences restart at 0.
	logger.mu.Lock()
	logger.records = nil
	logger.mu.Unlock()
	require.NoError(t, obs.Start(context.Background()))
	handlers[1].emitChange(0)
	require.Eventually(t, func() bool { return obs.State().Metrics.RecordsObserved() == 1 }, time.Second, time.Millisecond)
	logger.mu.Lock()
	require.NotEmpty(t, logger.records)
	assert.Equal(t, uint64(0), logger.records[0].Sequence)
	logger.mu.Unlock()
	require.NoError(t, obs.Stop(context.Background()))
}

func TestReactionMetricsAndTriggerSubstitution(t *testing.T) {
	t.Parallel()

	handler := newFakeHandler()
	trigger, err := NewTrigger(TriggerConfig{Kind: TriggerRecordSequenceNumber, SequenceNumber: 0}, records.HandlerTypeReaction)
	require.NoError(t, err)

	logger := &collectLogger{}
	obs := newObserver(t, handler, records.HandlerTypeReaction, []StopTrigger{trigger}, logger)
	require.NoError(t, obs.Start(context.Background()))

	handler.ch <- HandlerMessage{Record: &records.HandlerRecord{
		ID: "inv-1",
		Payload: records.HandlerPayload{ReactionInvocation: &records.ReactionInvocationPayload{
			ReactionType:  "http",
			QueryID:       "q1",
			RequestMethod: "POST",
			RequestPath:   "/callback",
			RequestBody:   json.RawMessage(`{}`),
		}},
	}}

	require.Eventually(t, func() bool { return obs.State().Metrics.ReactionInvocationCount == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, lifecycle.ObserverRunning, obs.State().Status, "sequence trigger never fires for reactions")

	require.NoError(t, obs.Stop(context.Background()))
}

func TestHandlerStoppingSignalStopsObserver(t *testing.T) {
	t.Parallel()

	handler := newFakeHandler()
	obs := newObserver(t, handler, records.HandlerTypeReaction, nil, &collectLogger{})
	require.NoError(t, obs.Start(context.Background()))

	handler.ch <- HandlerMessage{Control: ControlStopping}
	waitForStatus(t, obs, lifecycle.ObserverStopped)
}

func TestStopSurfacesHandlerStopError(t *testing.T) {
	t.Parallel()

	handler := newFakeHandler()
	handler.stopErr = errors.New("listener refused to close")
	obs := newObserver(t, handler, records.HandlerTypeReaction, nil, &collectLogger{})
	require.NoError(t, obs.Start(context.Background()))

	err := obs.Stop(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listener refused to close")
	assert.Equal(t, lifecycle.ObserverStopped, obs.State().Status, "the stop still completes")
}
