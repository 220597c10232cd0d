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

// Package ids defines the identifiers used to address test runs and the
// components that belong to them. Identifiers are stable strings: they are
// used as registry keys and as directory names, so every token must be
// path-safe.
package ids

import (
	"fmt"
	"strings"
)

const separator = "."

// TestRunID identifies one execution of a test definition as the triple
// (repo, test, run).
type TestRunID struct {
	RepoID string
	TestID string
	RunID  string
}

func NewTestRunID(repoID, testID, runID string) TestRunID {
	return TestRunID{RepoID: repoID, TestID: testID, RunID: runID}
}

// ParseTestRunID parses the printed "repo.test.run" form.
func ParseTestRunID(s string) (TestRunID, error) {
	parts := strings.Split(s, separator)
	if len(parts) != 3 {
		return TestRunID{}, fmt.Errorf("invalid test run id %q: want repo.test.run", s)
	}
	for _, p := range parts {
		if p == "" {
			return TestRunID{}, fmt.Errorf("invalid test run id %q: empty segment", s)
		}
	}
	return TestRunID{RepoID: parts[0], TestID: parts[1], RunID: parts[2]}, nil
}

func (id TestRunID) String() string {
	return id.RepoID + separator + id.TestID + separator + id.RunID
}

// Validate reports whether every segment is non-empty and path-safe.
func (id TestRunID) Validate() error {
	for _, seg := range []string{id.RepoID, id.TestID, id.RunID} {
		if err := validateSegment(seg); err != nil {
			return fmt.Errorf("test run id %q: %w", id, err)
		}
	}
	return nil
}

func validateSegment(seg string) error {
	if seg == "" {
		return fmt.Errorf("empty segment")
	}
	if strings.ContainsAny(seg, "./\\") {
		return fmt.Errorf("segment %q contains reserved characters", seg)
	}
	return nil
}

// TestRunSourceID identifies a source player within a test run.
type TestRunSourceID struct {
	TestRunID
	SourceID string
}

func NewTestRunSourceID(runID TestRunID, sourceID string) TestRunSourceID {
	return TestRunSourceID{TestRunID: runID, SourceID: sourceID}
}

func (id TestRunSourceID) String() string {
	return id.TestRunID.String() + separator + id.SourceID
}

func (id TestRunSourceID) Validate() error {
	if err := id.TestRunID.Validate(); err != nil {
		return err
	}
	if err := validateSegment(id.SourceID); err != nil {
		return fmt.Errorf("source id: %w", err)
	}
	return nil
}

// TestRunQueryID identifies a query observer within a test run.
type TestRunQueryID struct {
	TestRunID
	QueryID string
}

func NewTestRunQueryID(runID TestRunID, queryID string) TestRunQueryID {
	return TestRunQueryID{TestRunID: runID, QueryID: queryID}
}

func (id TestRunQueryID) String() string {
	return id.TestRunID.String() + separator + id.QueryID
}

func (id TestRunQueryID) Validate() error {
	if err := id.TestRunID.Validate(); err != nil {
		return err
	}
	if err := validateSegment(id.QueryID); err != nil {
		return fmt.Errorf("query id: %w", err)
	}
	return nil
}

// TestRunReactionID identifies a reaction observer within a test run.
type TestRunReactionID struct {
	TestRunID
	ReactionID string
}

func NewTestRunReactionID(runID TestRunID, reactionID string) TestRunReactionID {
	return TestRunReactionID{TestRunID: runID, ReactionID: reactionID}
}

func (id TestRunReactionID) String() string {
	return id.TestRunID.String() + separator + id.ReactionID
}

func (id TestRunReactionID) Validate() error {
	if err := id.TestRunID.Validate(); err != nil {
		return err
	}
	if err := validateSegment(id.ReactionID); err != nil {
		return fmt.Errorf("reaction id: %w", err)
	}
	return nil
}

// TestRunTargetID identifies a managed target server within a test run.
type TestRunTargetID struct {
	TestRunID
	TargetID string
}

func NewTestRunTargetID(runID TestRunID, targetID string) TestRunTargetID {
	return TestRunTargetID{TestRunID: runID, TargetID: targetID}
}

func (id TestRunTargetID) String() string {
	return id.TestRunID.String() + separator + id.TargetID
}

func (id TestRunTargetID) Validate() error {
	if err := id.TestRunID.Validate(); err != nil {
		return err
	}
	if err := validateSegment(id.TargetID); err != nil {
		return fmt.Errorf("target id: %w", err)
	}
	return nil
}
