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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drasi-project/test-run-host/pkg/lifecycle"
	"github.com/drasi-project/test-run-host/pkg/records"
)

func TestRecordCountTrigger(t *testing.T) {
	t.Parallel()

	trigger := &RecordCountTrigger{N: 10}

	fired, err := trigger.Fired(lifecycle.ObserverRunning, Metrics{BootstrapRecordCount: 4, ChangeRecordCount: 5})
	require.NoError(t, err)
	assert.False(t, fired)

	fired, err = trigger.Fired(lifecycle.ObserverRunning, Metrics{BootstrapRecordCount: 4, ChangeRecordCount: 6})
	require.NoError(t, err)
	assert.True(t, fired, "bootstrap and change records count together")
}

func TestRecordSequenceNumberTrigger(t *testing.T) {
	t.Parallel()

	trigger := &RecordSequenceNumberTrigger{N: 5}

	fired, err := trigger.Fired(lifecycle.ObserverRunning, Metrics{})
	require.NoError(t, err)
	assert.False(t, fired, "no records yet")

	fired, err = trigger.Fired(lifecycle.ObserverRunning, Metrics{ChangeRecordCount: 5, HighestSequence: 4})
	require.NoError(t, err)
	assert.False(t, fired)

	fired, err = trigger.Fired(lifecycle.ObserverRunning, Metrics{ChangeRecordCount: 6, HighestSequence: 5})
	require.NoError(t, err)
	assert.True(t, fired)
}

func TestTriggerFactory(t *testing.T) {
	t.Parallel()

	trigger, err := NewTrigger(TriggerConfig{Kind: TriggerRecordCount, RecordCount: 3}, records.HandlerTypeResultStream)
	require.NoError(t, err)
	assert.IsType(t, &RecordCountTrigger{}, trigger)

	trigger, err = NewTrigger(TriggerConfig{Kind: TriggerRecordSequenceNumber, SequenceNumber: 3}, records.HandlerTypeResultStream)
	require.NoError(t, err)
	assert.IsType(t, &RecordSequenceNumberTrigger{}, trigger)

	// Sequence triggers on reactions degrade to a never-firing predicate.
	trigger, err = NewTrigger(TriggerConfig{Kind: TriggerRecordSequenceNumber, SequenceNumber: 0}, records.HandlerTypeReaction)
	require.NoError(t, err)
	fired, err := trigger.Fired(lifecycle.ObserverRunning, Metrics{ChangeRecordCount: 100, HighestSequence: 99})
	require.NoError(t, err)
	assert.False(t, fired)

	_, err = NewTrigger(TriggerConfig{Kind: "Bogus"}, records.HandlerTypeReaction)
	assert.Error(t, err)

	triggers, err := NewTriggers([]TriggerConfig{
		{Kind: TriggerRecordCount, RecordCount: 1},
		{Kind: TriggerRecordSequenceNumber, SequenceNumber: 2},
	}, records.HandlerTypeResultStream)
	require.NoError(t, err)
	assert.Len(t, triggers, 2)
}
