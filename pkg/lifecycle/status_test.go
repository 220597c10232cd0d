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

package lifecycle

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserverTransitionTable(t *testing.T) {
	t.Parallel()

	type row struct {
		from ObserverStatus
		ev   Event
		to   ObserverStatus
		err  bool
	}
	table := []row{
		{ObserverUninitialized, EventStart, ObserverRunning, false},
		{ObserverUninitialized, EventPause, ObserverUninitialized, true},
		{ObserverUninitialized, EventStop, ObserverStopped, false},
		{ObserverUninitialized, EventReset, ObserverUninitialized, true},

		{ObserverBootstrapStarted, EventStart, ObserverBootstrapStarted, false},
		{ObserverBootstrapStarted, EventPause, ObserverPaused, false},
		{ObserverBootstrapStarted, EventStop, ObserverStopped, false},
		{ObserverBootstrapStarted, EventReset, ObserverBootstrapStarted, true},

		{ObserverBootstrapComplete, EventStart, ObserverRunning, false},
		{ObserverBootstrapComplete, EventPause, ObserverPaused, false},

		{ObserverRunning, EventStart, ObserverRunning, false},
		{ObserverRunning, EventPause, ObserverPaused, false},
		{ObserverRunning, EventStop, ObserverStopped, false},
		{ObserverRunning, EventReset, ObserverRunning, true},

		{ObserverPaused, EventStart, ObserverRunning, false},
		{ObserverPaused, EventPause, ObserverPaused, false},
		{ObserverPaused, EventStop, ObserverStopped, false},

		{ObserverStopped, EventStart, ObserverStopped, true},
		{ObserverStopped, EventPause, ObserverStopped, true},
		{ObserverStopped, EventStop, ObserverStopped, false},
		{ObserverStopped, EventReset, ObserverUninitialized, false},
	}

	for _, r := range table {
		got, err := ObserverTransition(r.from, r.ev)
		if r.err {
			require.Error(t, err, "%s + %s", r.from, r.ev)
			var ite *IllegalTransitionError
			assert.True(t, errors.As(err, &ite))
			assert.Equal(t, r.from, got, "status unchanged on rejection")
		} else {
			require.NoError(t, err, "%s + %s", r.from, r.ev)
			assert.Equal(t, r.to, got, "%s + %s", r.from, r.ev)
		}
	}
}

func TestObserverTerminalStatesRejectEverything(t *testing.T) {
	t.Parallel()

	for _, from := range []ObserverStatus{ObserverDeleted, ObserverError} {
		for _, ev := range []Event{EventStart, EventPause, EventStop, EventReset} {
			_, err := ObserverTransition(from, ev)
			assert.Error(t, err, "%s + %s", from, ev)
		}
	}
}

func TestPlayerTransitionTable(t *testing.T) {
	t.Parallel()

	got, err := PlayerTransition(PlayerUninitialized, EventStart)
	require.NoError(t, err)
	assert.Equal(t, PlayerRunning, got)

	got, err = PlayerTransition(PlayerRunning, EventPause)
	require.NoError(t, err)
	assert.Equal(t, PlayerPaused, got)

	got, err = PlayerTransition(PlayerPaused, EventStart)
	require.NoError(t, err)
	assert.Equal(t, PlayerRunning, got)

	got, err = PlayerTransition(PlayerRunning, EventStop)
	require.NoError(t, err)
	assert.Equal(t, PlayerStopped, got)

	_, err = PlayerTransition(PlayerStopped, EventStart)
	assert.Error(t, err)

	got, err = PlayerTransition(PlayerStopped, EventReset)
	require.NoError(t, err)
	assert.Equal(t, PlayerUninitialized, got)

	for _, ev := range []Event{EventStart, EventPause, EventStop, EventReset} {
		_, err := PlayerTransition(PlayerError, ev)
		assert.Error(t, err)
	}
}

func TestResetOnlyFromStopped(t *testing.T) {
	t.Parallel()

	for _, from := range []ObserverStatus{ObserverUninitialized, ObserverBootstrapStarted, ObserverBootstrapComplete, ObserverRunning, ObserverPaused} {
		_, err := ObserverTransition(from, EventReset)
		assert.Error(t, err, "reset must be rejected from %s", from)
	}
	for _, from := range []PlayerStatus{PlayerUninitialized, PlayerRunning, PlayerPaused} {
		_, err := PlayerTransition(from, EventReset)
		assert.Error(t, err, "reset must be rejected from %s", from)
	}
}

func TestStatusJSON(t *testing.T) {
	t.Parallel()

	b, err := ObserverBootstrapComplete.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"BootstrapComplete"`, string(b))

	b, err = PlayerPaused.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"Paused"`, string(b))
}
