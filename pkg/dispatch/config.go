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

package dispatch

import (
	"fmt"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Dispatcher kinds.
const (
	KindHTTP      = "Http"
	KindGRPC      = "Grpc"
	KindTargetAPI = "TargetApi"
)

// Config selects and tunes one dispatcher of a source.
type Config struct {
	Kind string `json:"kind" validate:"required,oneof=Http Grpc TargetApi"`

	// Http
	URL string `json:"url,omitempty" validate:"required_if=Kind Http,omitempty,url"`

	// Grpc
	Host string `json:"host,omitempty" validate:"required_if=Kind Grpc"`
	Port uint16 `json:"port,omitempty" validate:"required_if=Kind Grpc"`

	// TargetApi
	TargetID string `json:"target_id,omitempty" validate:"required_if=Kind TargetApi"`

	TimeoutSeconds uint64 `json:"timeout_seconds,omitempty"`
	BatchEvents    *bool  `json:"batch_events,omitempty"`
}

// New builds a dispatcher from its configuration. sourceID is the platform
// source the events belong to; resolver is only consulted by TargetApi
// dispatchers.
func New(cfg Config, sourceID string, resolver EndpointResolver, log *zap.Logger) (Dispatcher, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second

	switch cfg.Kind {
	case KindHTTP:
		return NewHTTPDispatcher(cfg.URL, timeout, log), nil
	case KindGRPC:
		return NewGRPCDispatcher(GRPCDispatcherOptions{
			Target:      fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			SourceID:    sourceID,
			Timeout:     timeout,
			BatchEvents: lo.FromPtrOr(cfg.BatchEvents, true),
		}, log), nil
	case KindTargetAPI:
		if resolver == nil {
			return nil, fmt.Errorf("target api dispatcher requires an endpoint resolver")
		}
		return NewTargetAPIDispatcher(TargetAPIDispatcherOptions{
			TargetID: cfg.TargetID,
			SourceID: sourceID,
			Timeout:  timeout,
		}, resolver, log), nil
	default:
		return nil, fmt.Errorf("unknown dispatcher kind %q", cfg.Kind)
	}
}
