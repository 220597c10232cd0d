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
	"fmt"

	"github.com/drasi-project/test-run-host/pkg/lifecycle"
	"github.com/drasi-project/test-run-host/pkg/records"
)

// Channel capacities: event paths are wide, control paths narrow.
// Backpressure is implicit in channel full-waits.
const (
	EventChannelCapacity   = 1024
	ControlChannelCapacity = 128
)

// ControlSignal is a lifecycle marker emitted by a handler into its message
// stream.
type ControlSignal string

const (
	ControlBootstrapStarted  ControlSignal = "BootstrapStarted"
	ControlBootstrapComplete ControlSignal = "BootstrapComplete"
	ControlStopping          ControlSignal = "Stopping"
)

// HandlerError is an error surfaced by a handler. Recoverable errors are
// logged and the offending input dropped; non-recoverable errors move the
// observer to the terminal Error status.
type HandlerError struct {
	HandlerType records.HandlerType
	Err         error
	Recoverable bool
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s handler: %v", e.HandlerType, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// HandlerMessage is the envelope every handler emits: exactly one of Record,
// Control or Err is set.
type HandlerMessage struct {
	Record  *records.HandlerRecord
	Control ControlSignal
	Err     *HandlerError
}

// OutputHandler is the capability set every transport adapter satisfies.
// Handlers are referenced by at most one observer.
type OutputHandler interface {
	// Init allocates the handler's resources and returns its message
	// channel. The channel is closed when the handler stops.
	Init(ctx context.Context) (<-chan HandlerMessage, error)
	// Start begins or resumes message production.
	Start(ctx context.Context) error
	// Pause suspends message production without closing the channel.
	Pause(ctx context.Context) error
	// Stop terminates the handler and closes its channel. Stop is idempotent.
	Stop(ctx context.Context) error
	// Status returns the handler's own lifecycle status.
	Status() lifecycle.ObserverStatus
	// Metrics returns handler-specific metrics, or nil.
	Metrics() map[string]any
}

// HandlerFactory builds a fresh handler instance. Reset from Stopped goes
// through the factory again so external peers see a brand new subscription.
type HandlerFactory func() (OutputHandler, error)
