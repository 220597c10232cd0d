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

package ids

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTestRunIDRoundTrip(t *testing.T) {
	t.Parallel()

	id := NewTestRunID("test-repo", "test-001", "run-001")
	assert.Equal(t, "test-repo.test-001.run-001", id.String())

	parsed, err := ParseTestRunID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestParseTestRunIDErrors(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"", "repo", "repo.test", "repo.test.run.extra", "repo..run"} {
		_, err := ParseTestRunID(s)
		assert.Error(t, err, "input %q", s)
	}
}

func TestComponentIDFormatting(t *testing.T) {
	t.Parallel()

	runID := NewTestRunID("repo", "test", "run")

	assert.Equal(t, "repo.test.run.source-1", NewTestRunSourceID(runID, "source-1").String())
	assert.Equal(t, "repo.test.run.query-1", NewTestRunQueryID(runID, "query-1").String())
	assert.Equal(t, "repo.test.run.reaction-1", NewTestRunReactionID(runID, "reaction-1").String())
	assert.Equal(t, "repo.test.run.target-1", NewTestRunTargetID(runID, "target-1").String())
}

func TestValidateRejectsPathCharacters(t *testing.T) {
	t.Parallel()

	assert.Error(t, NewTestRunID("re/po", "test", "run").Validate())
	assert.Error(t, NewTestRunSourceID(NewTestRunID("repo", "test", "run"), "a.b").Validate())
	assert.NoError(t, NewTestRunReactionID(NewTestRunID("repo", "test", "run"), "reaction_1").Validate())
}
