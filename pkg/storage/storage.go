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

// Package storage manages the on-disk tree that a test run host writes
// component artifacts into:
//
//	<root>/test_runs/<repo>/<test>/<run>/
//	    sources/<source_id>/...
//	    queries/<query_id>/...
//	    reactions/<reaction_id>/output_log/
//	    targets/<target_id>/...
//
// Directories are created lazily when a component asks for its storage and
// are never shared between components.
package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/drasi-project/test-run-host/pkg/ids"
)

const (
	testRunsDir = "test_runs"

	sourcesDir   = "sources"
	queriesDir   = "queries"
	reactionsDir = "reactions"
	targetsDir   = "targets"

	// reactionOutputDir is always created for reactions, even when no logger
	// ever writes into it.
	reactionOutputDir = "output_log"
)

// Store hands out per-component storage under a single root.
type Store struct {
	root string
}

// New creates a Store rooted at root. When deleteOnStart is set, any previous
// contents of the root are removed first.
func New(root string, deleteOnStart bool) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root must not be empty")
	}
	if deleteOnStart {
		if err := os.RemoveAll(root); err != nil {
			return nil, fmt.Errorf("deleting storage root %q: %w", root, err)
		}
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root %q: %w", root, err)
	}
	return &Store{root: root}, nil
}

func (s *Store) Root() string { return s.root }

// Delete removes the entire storage root.
func (s *Store) Delete() error {
	return os.RemoveAll(s.root)
}

func (s *Store) testRunPath(id ids.TestRunID) string {
	return filepath.Join(s.root, testRunsDir, id.RepoID, id.TestID, id.RunID)
}

// SourceStorage is the directory a source player writes into.
type SourceStorage struct {
	ID   ids.TestRunSourceID
	Path string
}

func (s *Store) GetSourceStorage(id ids.TestRunSourceID) (SourceStorage, error) {
	path := filepath.Join(s.testRunPath(id.TestRunID), sourcesDir, id.SourceID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return SourceStorage{}, fmt.Errorf("creating source storage for %s: %w", id, err)
	}
	return SourceStorage{ID: id, Path: path}, nil
}

// QueryStorage is the directory a query observer writes into.
type QueryStorage struct {
	ID   ids.TestRunQueryID
	Path string
}

func (s *Store) GetQueryStorage(id ids.TestRunQueryID) (QueryStorage, error) {
	path := filepath.Join(s.testRunPath(id.TestRunID), queriesDir, id.QueryID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return QueryStorage{}, fmt.Errorf("creating query storage for %s: %w", id, err)
	}
	return QueryStorage{ID: id, Path: path}, nil
}

// ReactionStorage is the directory a reaction observer writes into. The
// output_log subdirectory always exists.
type ReactionStorage struct {
	ID         ids.TestRunReactionID
	Path       string
	OutputPath string
}

func (s *Store) GetReactionStorage(id ids.TestRunReactionID) (ReactionStorage, error) {
	path := filepath.Join(s.testRunPath(id.TestRunID), reactionsDir, id.ReactionID)
	outputPath := filepath.Join(path, reactionOutputDir)
	if err := os.MkdirAll(outputPath, 0o755); err != nil {
		return ReactionStorage{}, fmt.Errorf("creating reaction storage for %s: %w", id, err)
	}
	return ReactionStorage{ID: id, Path: path, OutputPath: outputPath}, nil
}

// TargetStorage is the directory a managed target server writes into.
type TargetStorage struct {
	ID   ids.TestRunTargetID
	Path string
}

func (s *Store) GetTargetStorage(id ids.TestRunTargetID) (TargetStorage, error) {
	path := filepath.Join(s.testRunPath(id.TestRunID), targetsDir, id.TargetID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return TargetStorage{}, fmt.Errorf("creating target storage for %s: %w", id, err)
	}
	return TargetStorage{ID: id, Path: path}, nil
}
