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
	"fmt"

	"github.com/drasi-project/test-run-host/pkg/lifecycle"
	"github.com/drasi-project/test-run-host/pkg/records"
)

// StopTrigger is a predicate over handler status and observer metrics.
// Multiple triggers on one observer are OR-ed; the first true halts the
// observer. A trigger error counts as false for that tick and is reported.
type StopTrigger interface {
	Fired(status lifecycle.ObserverStatus, m Metrics) (bool, error)
}

// Trigger kinds.
const (
	TriggerRecordCount          = "RecordCount"
	TriggerRecordSequenceNumber = "RecordSequenceNumber"
)

// TriggerConfig selects and tunes one stop trigger.
type TriggerConfig struct {
	Kind           string `json:"kind" validate:"required,oneof=RecordCount RecordSequenceNumber"`
	RecordCount    uint64 `json:"record_count,omitempty"`
	SequenceNumber uint64 `json:"sequence_number,omitempty"`
}

// RecordCountTrigger fires once the observer has seen n records, bootstrap
// and change records combined.
type RecordCountTrigger struct {
	N uint64
}

func (t *RecordCountTrigger) Fired(_ lifecycle.ObserverStatus, m Metrics) (bool, error) {
	return m.BootstrapRecordCount+m.ChangeRecordCount >= t.N, nil
}

// RecordSequenceNumberTrigger fires once the highest observed sequence
// reaches n. It is not meaningful for reactions; the reaction path
// substitutes a never-firing predicate.
type RecordSequenceNumberTrigger struct {
	N uint64
}

func (t *RecordSequenceNumberTrigger) Fired(_ lifecycle.ObserverStatus, m Metrics) (bool, error) {
	return m.RecordsObserved() > 0 && m.HighestSequence >= t.N, nil
}

// neverTrigger substitutes trigger kinds that do not apply to a component
// family.
type neverTrigger struct{}

func (neverTrigger) Fired(lifecycle.ObserverStatus, Metrics) (bool, error) {
	return false, nil
}

// NewTrigger builds a stop trigger for the given handler type. Sequence
// triggers configured on reactions become never-firing predicates.
func NewTrigger(cfg TriggerConfig, handlerType records.HandlerType) (StopTrigger, error) {
	switch cfg.Kind {
	case TriggerRecordCount:
		return &RecordCountTrigger{N: cfg.RecordCount}, nil
	case TriggerRecordSequenceNumber:
		if handlerType == records.HandlerTypeReaction {
			return neverTrigger{}, nil
		}
		return &RecordSequenceNumberTrigger{N: cfg.SequenceNumber}, nil
	default:
		return nil, fmt.Errorf("unknown stop trigger kind %q", cfg.Kind)
	}
}

// NewTriggers builds the configured triggers in declaration order.
func NewTriggers(cfgs []TriggerConfig, handlerType records.HandlerType) ([]StopTrigger, error) {
	triggers := make([]StopTrigger, 0, len(cfgs))
	for _, cfg := range cfgs {
		trigger, err := NewTrigger(cfg, handlerType)
		if err != nil {
			return nil, err
		}
		triggers = append(triggers, trigger)
	}
	return triggers, nil
}
