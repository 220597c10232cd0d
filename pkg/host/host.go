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
Package host implements the test run host: the in-process supervisor owning
the registries and lifecycles of sources, query observers, reaction
observers and managed target servers. The host is the only component that
mutates the registries; per-component work happens on component-owned
goroutines behind bounded channels.

There must be exactly one host per process; running several concurrently is
not supported.
*/
package host

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/drasi-project/test-run-host/pkg/ids"
	"github.com/drasi-project/test-run-host/pkg/lifecycle"
	"github.com/drasi-project/test-run-host/pkg/observe"
	"github.com/drasi-project/test-run-host/pkg/observe/handlers"
	"github.com/drasi-project/test-run-host/pkg/outputlog"
	"github.com/drasi-project/test-run-host/pkg/records"
	"github.com/drasi-project/test-run-host/pkg/sources"
	"github.com/drasi-project/test-run-host/pkg/storage"
	"github.com/drasi-project/test-run-host/pkg/targets"
)

// ShutdownComponentTimeout bounds the per-component wait during shutdown.
const ShutdownComponentTimeout = 5 * time.Second

// ComponentKind tags what a registry id refers to.
type ComponentKind string

const (
	KindSource   ComponentKind = "Source"
	KindQuery    ComponentKind = "Query"
	KindReaction ComponentKind = "Reaction"
	KindTarget   ComponentKind = "Target"
)

// QueryConfig is the admission configuration of a query observer.
type QueryConfig struct {
	QueryID          string                  `json:"query_id" validate:"required"`
	Handler          handlers.Config         `json:"handler" validate:"required"`
	Loggers          []outputlog.Config      `json:"loggers,omitempty" validate:"dive"`
	StopTriggers     []observe.TriggerConfig `json:"stop_triggers,omitempty" validate:"dive"`
	StartImmediately bool                    `json:"start_immediately,omitempty"`
}

// ReactionConfig is the admission configuration of a reaction observer.
type ReactionConfig struct {
	ReactionID       string                  `json:"reaction_id" validate:"required"`
	Handler          handlers.Config         `json:"handler" validate:"required"`
	Loggers          []outputlog.Config      `json:"loggers,omitempty" validate:"dive"`
	StopTriggers     []observe.TriggerConfig `json:"stop_triggers,omitempty" validate:"dive"`
	StartImmediately bool                    `json:"start_immediately,omitempty"`
}

// TargetConfig is the admission configuration of a managed target server.
type TargetConfig struct {
	TargetID string `json:"target_id" validate:"required"`
	targets.Config
}

// StateSnapshot is the unified answer of GetState.
type StateSnapshot struct {
	ID       string         `json:"id"`
	Kind     ComponentKind  `json:"kind"`
	Source   *sources.State `json:"source,omitempty"`
	Observer *observe.State `json:"observer,omitempty"`
	Target   *targets.State `json:"target,omitempty"`
}

// Host owns the four component registries.
type Host struct {
	log      *zap.Logger
	store    *storage.Store
	validate *validator.Validate
	targets  *targets.Supervisor

	mu        sync.RWMutex
	sources   map[string]*sources.Player
	queries   map[string]*observe.Observer
	reactions map[string]*observe.Observer
	targetIDs map[string]ids.TestRunTargetID
	fatal     bool
}

// New creates an empty host over the given storage root.
func New(store *storage.Store, log *zap.Logger) *Host {
	if log == nil {
		log = zap.NewNop()
	}
	return &Host{
		log:       log.Named("host"),
		store:     store,
		validate:  validator.New(),
		targets:   targets.NewSupervisor(log),
		sources:   map[string]*sources.Player{},
		queries:   map[string]*observe.Observer{},
		reactions: map[string]*observe.Observer{},
		targetIDs: map[string]ids.TestRunTargetID{},
	}
}

// Targets exposes the target supervisor (endpoint resolution, callbacks).
func (h *Host) Targets() *targets.Supervisor { return h.targets }

// MarkFatal puts the host into its terminal error state; every admission
// operation rejects until restart.
func (h *Host) MarkFatal(err error) {
	h.log.Error("host entering fatal state", zap.Error(err))
	h.mu.Lock()
	h.fatal = true
	h.mu.Unlock()
}

func (h *Host) admissionCheck() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.fatal {
		return ErrHostFatal
	}
	return nil
}

// checkNewID rejects an id that is already registered, before any component
// resources are built.
func (h *Host) checkNewID(id string) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.idTaken(id) {
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	return nil
}

func (h *Host) idTaken(id string) bool {
	if _, ok := h.sources[id]; ok {
		return true
	}
	if _, ok := h.queries[id]; ok {
		return true
	}
	if _, ok := h.reactions[id]; ok {
		return true
	}
	_, ok := h.targetIDs[id]
	return ok
}

// AddSource validates the configuration, creates the player and optionally
// starts it.
func (h *Host) AddSource(ctx context.Context, runID ids.TestRunID, cfg sources.Config) (ids.TestRunSourceID, error) {
	if err := h.admissionCheck(); err != nil {
		return ids.TestRunSourceID{}, err
	}
	if err := h.validate.Struct(cfg); err != nil {
		return ids.TestRunSourceID{}, invalidConfig(err)
	}

	id := ids.NewTestRunSourceID(runID, cfg.SourceID)
	if err := id.Validate(); err != nil {
		return ids.TestRunSourceID{}, invalidConfig(err)
	}
	if err := h.checkNewID(id.String()); err != nil {
		return ids.TestRunSourceID{}, err
	}
	if _, err := h.store.GetSourceStorage(id); err != nil {
		return ids.TestRunSourceID{}, err
	}

	player, err := sources.NewPlayer(id, cfg, h.targets, h.log)
	if err != nil {
		return ids.TestRunSourceID{}, invalidConfig(err)
	}

	h.mu.Lock()
	if h.idTaken(id.String()) {
		h.mu.Unlock()
		return ids.TestRunSourceID{}, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	h.sources[id.String()] = player
	h.mu.Unlock()

	h.log.Info("source added", zap.String("id", id.String()))
	if cfg.StartImmediately {
		if err := player.Start(ctx); err != nil {
			return id, err
		}
	}
	return id, nil
}

// AddQuery validates the configuration, creates the observer and optionally
// starts it.
func (h *Host) AddQuery(ctx context.Context, runID ids.TestRunID, cfg QueryConfig) (ids.TestRunQueryID, error) {
	if err := h.admissionCheck(); err != nil {
		return ids.TestRunQueryID{}, err
	}
	if err := h.validate.Struct(cfg); err != nil {
		return ids.TestRunQueryID{}, invalidConfig(err)
	}

	id := ids.NewTestRunQueryID(runID, cfg.QueryID)
	if err := id.Validate(); err != nil {
		return ids.TestRunQueryID{}, invalidConfig(err)
	}
	if err := h.checkNewID(id.String()); err != nil {
		return ids.TestRunQueryID{}, err
	}
	qs, err := h.store.GetQueryStorage(id)
	if err != nil {
		return ids.TestRunQueryID{}, err
	}

	observer, err := h.buildObserver(id.String(), records.HandlerTypeResultStream, cfg.Handler, cfg.Loggers, cfg.StopTriggers, qs.Path)
	if err != nil {
		return ids.TestRunQueryID{}, invalidConfig(err)
	}

	h.mu.Lock()
	if h.idTaken(id.String()) {
		h.mu.Unlock()
		return ids.TestRunQueryID{}, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	h.queries[id.String()] = observer
	h.mu.Unlock()

	h.log.Info("query added", zap.String("id", id.String()))
	if cfg.StartImmediately {
		if err := observer.Start(ctx); err != nil {
			return id, err
		}
	}
	return id, nil
}

// AddReaction validates the configuration, creates the observer and
// optionally starts it. The reaction's output_log directory always exists,
// even when no logger writes into it.
func (h *Host) AddReaction(ctx context.Context, runID ids.TestRunID, cfg ReactionConfig) (ids.TestRunReactionID, error) {
	if err := h.admissionCheck(); err != nil {
		return ids.TestRunReactionID{}, err
	}
	if err := h.validate.Struct(cfg); err != nil {
		return ids.TestRunReactionID{}, invalidConfig(err)
	}

	id := ids.NewTestRunReactionID(runID, cfg.ReactionID)
	if err := id.Validate(); err != nil {
		return ids.TestRunReactionID{}, invalidConfig(err)
	}
	if err := h.checkNewID(id.String()); err != nil {
		return ids.TestRunReactionID{}, err
	}
	rs, err := h.store.GetReactionStorage(id)
	if err != nil {
		return ids.TestRunReactionID{}, err
	}

	observer, err := h.buildObserver(id.String(), records.HandlerTypeReaction, cfg.Handler, cfg.Loggers, cfg.StopTriggers, rs.OutputPath)
	if err != nil {
		return ids.TestRunReactionID{}, invalidConfig(err)
	}

	h.mu.Lock()
	if h.idTaken(id.String()) {
		h.mu.Unlock()
		return ids.TestRunReactionID{}, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	h.reactions[id.String()] = observer
	h.mu.Unlock()

	h.log.Info("reaction added", zap.String("id", id.String()))
	if cfg.StartImmediately {
		if err := observer.Start(ctx); err != nil {
			return id, err
		}
	}
	return id, nil
}

func (h *Host) buildObserver(componentID string, handlerType records.HandlerType, handlerCfg handlers.Config, loggerCfgs []outputlog.Config, triggerCfgs []observe.TriggerConfig, outputDir string) (*observe.Observer, error) {
	triggers, err := observe.NewTriggers(triggerCfgs, handlerType)
	if err != nil {
		return nil, err
	}
	return observe.New(observe.Config{
		ID:          componentID,
		HandlerType: handlerType,
		Handler: func() (observe.OutputHandler, error) {
			return handlers.New(handlerCfg, componentID, h.targets, h.log)
		},
		Loggers: func() ([]outputlog.Logger, error) {
			return outputlog.NewAll(loggerCfgs, outputDir, h.log)
		},
		Triggers: triggers,
		Log:      h.log,
	})
}

// AddTarget validates the configuration, registers the managed target and
// optionally starts it.
func (h *Host) AddTarget(ctx context.Context, runID ids.TestRunID, cfg TargetConfig) (ids.TestRunTargetID, error) {
	if err := h.admissionCheck(); err != nil {
		return ids.TestRunTargetID{}, err
	}
	if err := h.validate.Struct(cfg); err != nil {
		return ids.TestRunTargetID{}, invalidConfig(err)
	}

	id := ids.NewTestRunTargetID(runID, cfg.TargetID)
	if err := id.Validate(); err != nil {
		return ids.TestRunTargetID{}, invalidConfig(err)
	}
	if err := h.checkNewID(id.String()); err != nil {
		return ids.TestRunTargetID{}, err
	}
	if _, err := h.store.GetTargetStorage(id); err != nil {
		return ids.TestRunTargetID{}, err
	}

	h.mu.Lock()
	if h.idTaken(id.String()) {
		h.mu.Unlock()
		return ids.TestRunTargetID{}, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	if err := h.targets.Add(id, cfg.Config); err != nil {
		h.mu.Unlock()
		return ids.TestRunTargetID{}, invalidConfig(err)
	}
	h.targetIDs[id.String()] = id
	h.mu.Unlock()

	h.log.Info("target added", zap.String("id", id.String()))
	if cfg.StartImmediately {
		if err := h.targets.Start(ctx, cfg.TargetID); err != nil {
			return id, err
		}
	}
	return id, nil
}

// lookup resolves a registry id.
func (h *Host) lookup(id string) (ComponentKind, any, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if p, ok := h.sources[id]; ok {
		return KindSource, p, nil
	}
	if o, ok := h.queries[id]; ok {
		return KindQuery, o, nil
	}
	if o, ok := h.reactions[id]; ok {
		return KindReaction, o, nil
	}
	if tid, ok := h.targetIDs[id]; ok {
		return KindTarget, tid, nil
	}
	return "", nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// GetState returns a snapshot of status and counters for any component.
func (h *Host) GetState(id string) (StateSnapshot, error) {
	kind, component, err := h.lookup(id)
	if err != nil {
		return StateSnapshot{}, err
	}
	snap := StateSnapshot{ID: id, Kind: kind}
	switch kind {
	case KindSource:
		state := component.(*sources.Player).State()
		snap.Source = &state
	case KindQuery, KindReaction:
		state := component.(*observe.Observer).State()
		snap.Observer = &state
	case KindTarget:
		tid := component.(ids.TestRunTargetID)
		state, err := h.targets.State(tid.TargetID)
		if err != nil {
			return StateSnapshot{}, err
		}
		snap.Target = &state
	}
	return snap, nil
}

// Start dispatches a start to the component.
func (h *Host) Start(ctx context.Context, id string) error {
	kind, component, err := h.lookup(id)
	if err != nil {
		return err
	}
	switch kind {
	case KindSource:
		return component.(*sources.Player).Start(ctx)
	case KindQuery, KindReaction:
		return component.(*observe.Observer).Start(ctx)
	case KindTarget:
		return h.targets.Start(ctx, component.(ids.TestRunTargetID).TargetID)
	}
	return nil
}

// Pause dispatches a pause to the component.
func (h *Host) Pause(ctx context.Context, id string) error {
	kind, component, err := h.lookup(id)
	if err != nil {
		return err
	}
	switch kind {
	case KindSource:
		return component.(*sources.Player).Pause(ctx)
	case KindQuery, KindReaction:
		return component.(*observe.Observer).Pause(ctx)
	case KindTarget:
		return &lifecycle.IllegalTransitionError{From: "Target", Event: lifecycle.EventPause}
	}
	return nil
}

// Stop dispatches a stop to the component.
func (h *Host) Stop(ctx context.Context, id string) error {
	kind, component, err := h.lookup(id)
	if err != nil {
		return err
	}
	switch kind {
	case KindSource:
		return component.(*sources.Player).Stop(ctx)
	case KindQuery, KindReaction:
		return component.(*observe.Observer).Stop(ctx)
	case KindTarget:
		return h.targets.Stop(ctx, component.(ids.TestRunTargetID).TargetID)
	}
	return nil
}

// Reset dispatches a reset to the component; legal only from Stopped.
func (h *Host) Reset(ctx context.Context, id string) error {
	kind, component, err := h.lookup(id)
	if err != nil {
		return err
	}
	switch kind {
	case KindSource:
		return component.(*sources.Player).Reset(ctx)
	case KindQuery, KindReaction:
		return component.(*observe.Observer).Reset(ctx)
	case KindTarget:
		return &lifecycle.IllegalTransitionError{From: "Target", Event: lifecycle.EventReset}
	}
	return nil
}

// Remove deletes a component from its registry. Only legal from a terminal
// status; releases the component's channels and disk handles.
func (h *Host) Remove(id string) error {
	kind, component, err := h.lookup(id)
	if err != nil {
		return err
	}
	switch kind {
	case KindSource:
		if !component.(*sources.Player).State().Status.IsTerminal() {
			return fmt.Errorf("%w: %s", ErrNotTerminal, id)
		}
		h.mu.Lock()
		delete(h.sources, id)
		h.mu.Unlock()
	case KindQuery, KindReaction:
		observer := component.(*observe.Observer)
		if !observer.State().Status.IsTerminal() {
			return fmt.Errorf("%w: %s", ErrNotTerminal, id)
		}
		observer.MarkDeleted()
		h.mu.Lock()
		delete(h.queries, id)
		delete(h.reactions, id)
		h.mu.Unlock()
	case KindTarget:
		tid := component.(ids.TestRunTargetID)
		if err := h.targets.Remove(tid.TargetID); err != nil {
			return err
		}
		h.mu.Lock()
		delete(h.targetIDs, id)
		h.mu.Unlock()
	}
	h.log.Info("component removed", zap.String("id", id))
	return nil
}

// Shutdown stops everything in reverse dependency order — sources, queries,
// reactions, targets — with a bounded per-component wait.
func (h *Host) Shutdown(ctx context.Context) error {
	h.mu.RLock()
	sourceIDs := keys(h.sources)
	queryIDs := keys(h.queries)
	reactionIDs := keys(h.reactions)
	h.mu.RUnlock()

	var errs error
	stop := func(id string) {
		stopCtx, cancel := context.WithTimeout(ctx, ShutdownComponentTimeout)
		defer cancel()
		if err := h.Stop(stopCtx, id); err != nil {
			if _, illegal := err.(*lifecycle.IllegalTransitionError); !illegal {
				errs = multierr.Append(errs, fmt.Errorf("stopping %s: %w", id, err))
			}
		}
	}

	for _, id := range sourceIDs {
		stop(id)
	}
	for _, id := range queryIDs {
		stop(id)
	}
	for _, id := range reactionIDs {
		stop(id)
	}
	h.targets.StopAll(ctx, ShutdownComponentTimeout)

	h.log.Info("host shut down",
		zap.Int("sources", len(sourceIDs)),
		zap.Int("queries", len(queryIDs)),
		zap.Int("reactions", len(reactionIDs)))
	return errs
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
