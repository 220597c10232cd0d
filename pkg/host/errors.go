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

package host

import (
	"errors"
	"fmt"
)

// Discriminated error kinds surfaced by host operations. Callers match them
// with errors.Is / errors.As.
var (
	// ErrDuplicateID rejects a registration whose id is already taken. The
	// registration has no side effects.
	ErrDuplicateID = errors.New("component id already registered")

	// ErrNotFound rejects an operation on an unknown component id.
	ErrNotFound = errors.New("component not found")

	// ErrHostFatal rejects admission while the host itself is in Error.
	ErrHostFatal = errors.New("host is in a fatal state")

	// ErrNotTerminal rejects removal of a component that has not reached a
	// terminal status.
	ErrNotTerminal = errors.New("component is not in a terminal status")
)

// InvalidConfigError rejects a configuration at admission; the component is
// not created.
type InvalidConfigError struct {
	Reason error
}

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %v", e.Reason)
}

func (e *InvalidConfigError) Unwrap() error { return e.Reason }

func invalidConfig(err error) error {
	if err == nil {
		return nil
	}
	return &InvalidConfigError{Reason: err}
}
