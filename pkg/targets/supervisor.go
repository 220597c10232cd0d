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

// Package targets supervises the managed peer servers a test run exercises:
// in-process stub servers and external processes. The supervisor publishes
// endpoints by target id; an endpoint is absent while a peer warms up and
// callers tolerate that with bounded retry.
package targets

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/drasi-project/test-run-host/pkg/ids"
	"github.com/drasi-project/test-run-host/pkg/lifecycle"
	"github.com/drasi-project/test-run-host/pkg/logging"
	"github.com/drasi-project/test-run-host/pkg/records"
)

const (
	endpointCacheTTL     = 5 * time.Second
	endpointCacheCleanup = time.Minute
)

// Target kinds.
const (
	KindInProcess = "InProcess"
	KindProcess   = "Process"
)

// Config is a target server's admission-time configuration.
type Config struct {
	Kind string `json:"kind" validate:"required,oneof=InProcess Process"`

	// InProcess
	Host string `json:"host,omitempty"`
	Port uint16 `json:"port,omitempty"`

	// Process
	Command  []string `json:"command,omitempty" validate:"required_if=Kind Process"`
	Endpoint string   `json:"endpoint,omitempty" validate:"required_if=Kind Process"`
	WorkDir  string   `json:"work_dir,omitempty"`

	StartImmediately bool `json:"start_immediately,omitempty"`
}

// Server is a managed peer instance.
type Server interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// Endpoint returns the published base URL, or false while not ready.
	Endpoint() (string, bool)
}

// State is a point-in-time snapshot of a managed target.
type State struct {
	Status   lifecycle.PlayerStatus `json:"status"`
	Endpoint string                 `json:"endpoint,omitempty"`
}

type managed struct {
	id     ids.TestRunTargetID
	cfg    Config
	server Server
	status lifecycle.PlayerStatus
}

// Supervisor owns the registry of managed targets.
type Supervisor struct {
	log *zap.Logger

	mu        sync.RWMutex
	targets   map[string]*managed
	endpoints *cache.Cache
}

func NewSupervisor(log *zap.Logger) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{
		log:       log.Named("targets"),
		targets:   map[string]*managed{},
		endpoints: cache.New(endpointCacheTTL, endpointCacheCleanup),
	}
}

// Add registers a new target. Duplicate ids fail.
func (s *Supervisor) Add(id ids.TestRunTargetID, cfg Config) error {
	server, err := s.buildServer(cfg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.targets[id.TargetID]; exists {
		return fmt.Errorf("target %q already exists", id.TargetID)
	}
	s.targets[id.TargetID] = &managed{
		id:     id,
		cfg:    cfg,
		server: server,
		status: lifecycle.PlayerUninitialized,
	}
	return nil
}

func (s *Supervisor) buildServer(cfg Config) (Server, error) {
	switch cfg.Kind {
	case KindInProcess:
		return NewInProcessServer(cfg.Host, cfg.Port, s.log), nil
	case KindProcess:
		return NewProcessServer(cfg.Command, cfg.Endpoint, cfg.WorkDir, s.log)
	default:
		return nil, fmt.Errorf("unknown target kind %q", cfg.Kind)
	}
}

func (s *Supervisor) get(targetID string) (*managed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.targets[targetID]
	if !ok {
		return nil, fmt.Errorf("target %q not found", targetID)
	}
	return m, nil
}

// Start launches a target.
func (s *Supervisor) Start(ctx context.Context, targetID string) error {
	m, err := s.get(targetID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	next, err := lifecycle.PlayerTransition(m.status, lifecycle.EventStart)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	m.status = next
	s.mu.Unlock()

	if err := m.server.Start(ctx); err != nil {
		s.mu.Lock()
		m.status = lifecycle.PlayerError
		s.mu.Unlock()
		return err
	}
	s.log.Info("target started", zap.String(logging.TargetID, targetID))
	return nil
}

// Stop halts a target.
func (s *Supervisor) Stop(ctx context.Context, targetID string) error {
	m, err := s.get(targetID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	next, err := lifecycle.PlayerTransition(m.status, lifecycle.EventStop)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	m.status = next
	s.mu.Unlock()
	s.endpoints.Delete(targetID)

	return m.server.Stop(ctx)
}

// Remove deletes a target; it must be in a terminal status.
func (s *Supervisor) Remove(targetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.targets[targetID]
	if !ok {
		return fmt.Errorf("target %q not found", targetID)
	}
	if !m.status.IsTerminal() {
		return fmt.Errorf("target %q is %s, stop it before removing", targetID, m.status)
	}
	delete(s.targets, targetID)
	s.endpoints.Delete(targetID)
	return nil
}

// State returns a snapshot of a target.
func (s *Supervisor) State(targetID string) (State, error) {
	m, err := s.get(targetID)
	if err != nil {
		return State{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	endpoint, _ := m.server.Endpoint()
	return State{Status: m.status, Endpoint: endpoint}, nil
}

// IDs returns the registered target ids.
func (s *Supervisor) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.targets))
	for id := range s.targets {
		out = append(out, id)
	}
	return out
}

// TargetEndpoint resolves a target's published endpoint. An empty string
// with a nil error means the target exists but is not ready yet; resolution
// results are cached briefly.
func (s *Supervisor) TargetEndpoint(_ context.Context, targetID string) (string, error) {
	if cached, ok := s.endpoints.Get(targetID); ok {
		return cached.(string), nil
	}

	m, err := s.get(targetID)
	if err != nil {
		return "", err
	}
	endpoint, ready := m.server.Endpoint()
	if !ready {
		return "", nil
	}
	s.endpoints.Set(targetID, endpoint, cache.DefaultExpiration)
	return endpoint, nil
}

// RegisterCallback binds a reaction callback on an in-process target.
func (s *Supervisor) RegisterCallback(targetID, reactionID string, fn func(records.ReactionInvocationPayload)) (func(), error) {
	m, err := s.get(targetID)
	if err != nil {
		return nil, err
	}
	inproc, ok := m.server.(*InProcessServer)
	if !ok {
		return nil, fmt.Errorf("target %q does not support callbacks", targetID)
	}
	return inproc.RegisterCallback(reactionID, fn), nil
}

// OpenChannel opens a result channel on an in-process target.
func (s *Supervisor) OpenChannel(_ context.Context, targetID, queryID string) (<-chan json.RawMessage, func(), error) {
	m, err := s.get(targetID)
	if err != nil {
		return nil, nil, err
	}
	inproc, ok := m.server.(*InProcessServer)
	if !ok {
		return nil, nil, fmt.Errorf("target %q does not support channels", targetID)
	}
	ch, closer := inproc.OpenChannel(queryID)
	return ch, closer, nil
}

// InvokeCallback drives a registered callback on an in-process target.
func (s *Supervisor) InvokeCallback(targetID, reactionID string, inv records.ReactionInvocationPayload) error {
	m, err := s.get(targetID)
	if err != nil {
		return err
	}
	inproc, ok := m.server.(*InProcessServer)
	if !ok {
		return fmt.Errorf("target %q does not support callbacks", targetID)
	}
	return inproc.InvokeCallback(reactionID, inv)
}

// PublishResult publishes a query result on an in-process target.
func (s *Supervisor) PublishResult(targetID, queryID string, doc json.RawMessage) error {
	m, err := s.get(targetID)
	if err != nil {
		return err
	}
	inproc, ok := m.server.(*InProcessServer)
	if !ok {
		return fmt.Errorf("target %q does not support channels", targetID)
	}
	inproc.PublishResult(queryID, doc)
	return nil
}

// StopAll stops every target with a per-target bounded wait.
func (s *Supervisor) StopAll(ctx context.Context, perTargetTimeout time.Duration) {
	for _, targetID := range s.IDs() {
		stopCtx, cancel := context.WithTimeout(ctx, perTargetTimeout)
		if err := s.Stop(stopCtx, targetID); err != nil {
			if _, illegal := err.(*lifecycle.IllegalTransitionError); !illegal {
				s.log.Warn("stopping target", zap.String(logging.TargetID, targetID), zap.Error(err))
			}
		}
		cancel()
	}
}
