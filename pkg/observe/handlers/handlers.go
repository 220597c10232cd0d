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

// Package handlers implements the transport-specific output handlers an
// observer can consume: a Redis result-stream reader for queries, an HTTP
// callback listener for reactions, and callback/channel adapters bound to
// managed target servers. All of them speak the same capability set and emit
// the same message envelope.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/drasi-project/test-run-host/pkg/lifecycle"
	"github.com/drasi-project/test-run-host/pkg/observe"
	"github.com/drasi-project/test-run-host/pkg/records"
)

// Handler kinds.
const (
	KindRedisResultStream = "RedisResultStream"
	KindHTTPReaction      = "Http"
	KindTargetCallback    = "TargetCallback"
	KindTargetChannel     = "TargetChannel"
)

// Config selects and tunes one output handler.
type Config struct {
	Kind string `json:"kind" validate:"required,oneof=RedisResultStream Http TargetCallback TargetChannel"`

	// RedisResultStream
	RedisURL  string `json:"redis_url,omitempty" validate:"required_if=Kind RedisResultStream"`
	StreamKey string `json:"stream_key,omitempty" validate:"required_if=Kind RedisResultStream"`

	// Http
	Host string `json:"host,omitempty"`
	Port uint16 `json:"port,omitempty"`
	Path string `json:"path,omitempty"`

	// TargetCallback / TargetChannel
	TargetID     string `json:"target_id,omitempty" validate:"required_if=Kind TargetCallback,required_if=Kind TargetChannel"`
	CallbackType string `json:"callback_type,omitempty"`

	// QueryID names the query the handler observes (reaction handlers).
	QueryID string `json:"query_id,omitempty"`
}

// CallbackRegistrar registers reaction callbacks with a managed target
// server. The returned function unregisters the callback.
type CallbackRegistrar interface {
	RegisterCallback(targetID, reactionID string, fn func(inv records.ReactionInvocationPayload)) (func(), error)
}

// ChannelProvider opens a result channel to a managed target server. The
// returned function closes the subscription.
type ChannelProvider interface {
	OpenChannel(ctx context.Context, targetID, queryID string) (<-chan json.RawMessage, func(), error)
}

// Targets is the slice of the target supervisor the handlers need.
type Targets interface {
	CallbackRegistrar
	ChannelProvider
}

// New builds a handler from its configuration. componentID is the observer's
// identifier; targets may be nil when no target-bound handler is configured.
func New(cfg Config, componentID string, targets Targets, log *zap.Logger) (observe.OutputHandler, error) {
	switch cfg.Kind {
	case KindRedisResultStream:
		return NewRedisResultStream(cfg, componentID, log), nil
	case KindHTTPReaction:
		return NewHTTPReaction(cfg, componentID, log), nil
	case KindTargetCallback:
		if targets == nil {
			return nil, fmt.Errorf("target callback handler requires a target supervisor")
		}
		return NewTargetCallback(cfg, componentID, targets, log), nil
	case KindTargetChannel:
		if targets == nil {
			return nil, fmt.Errorf("target channel handler requires a target supervisor")
		}
		return NewTargetChannel(cfg, componentID, targets, log), nil
	default:
		return nil, fmt.Errorf("unknown output handler kind %q", cfg.Kind)
	}
}

// statusHolder is the shared status cell of the handler implementations.
type statusHolder struct {
	mu     sync.RWMutex
	status lifecycle.ObserverStatus
}

func (s *statusHolder) Status() lifecycle.ObserverStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *statusHolder) set(status lifecycle.ObserverStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}
