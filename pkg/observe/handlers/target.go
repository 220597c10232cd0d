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

package handlers

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drasi-project/test-run-host/pkg/lifecycle"
	"github.com/drasi-project/test-run-host/pkg/observe"
	"github.com/drasi-project/test-run-host/pkg/records"
)

// TargetCallback registers a callback id with a managed target server and
// turns every invocation into a ReactionInvocation record.
type TargetCallback struct {
	statusHolder
	cfg         Config
	componentID string
	registrar   CallbackRegistrar
	log         *zap.Logger

	ch         chan observe.HandlerMessage
	stop       chan struct{}
	unregister func()
	stopOnce   sync.Once
	sendMu     sync.RWMutex
	closed     bool
}

func NewTargetCallback(cfg Config, componentID string, registrar CallbackRegistrar, log *zap.Logger) *TargetCallback {
	if cfg.CallbackType == "" {
		cfg.CallbackType = "default"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &TargetCallback{
		cfg:         cfg,
		componentID: componentID,
		registrar:   registrar,
		log:         log.Named("target-callback").With(zap.String("targetID", cfg.TargetID)),
	}
}

func (h *TargetCallback) Init(_ context.Context) (<-chan observe.HandlerMessage, error) {
	h.ch = make(chan observe.HandlerMessage, observe.EventChannelCapacity)
	h.stop = make(chan struct{})

	unregister, err := h.registrar.RegisterCallback(h.cfg.TargetID, h.componentID, func(inv records.ReactionInvocationPayload) {
		if inv.ReactionType == "" {
			inv.ReactionType = h.cfg.CallbackType
		}
		rec := &records.HandlerRecord{
			ID:            uuid.New().String(),
			CreatedTimeNS: uint64(time.Now().UnixNano()),
			Payload:       records.HandlerPayload{ReactionInvocation: &inv},
		}
		if tp, ok := inv.Headers["traceparent"]; ok {
			rec.Traceparent = tp
		}
		if ts, ok := inv.Headers["tracestate"]; ok {
			rec.Tracestate = ts
		}

		h.send(observe.HandlerMessage{Record: rec})
	})
	if err != nil {
		return nil, err
	}
	h.unregister = unregister
	h.log.Info("callback registered")
	return h.ch, nil
}

// send queues a message, honoring backpressure. A stop unblocks any pending
// send so Stop never deadlocks against a full channel.
func (h *TargetCallback) send(msg observe.HandlerMessage) bool {
	h.sendMu.RLock()
	defer h.sendMu.RUnlock()
	if h.closed {
		return false
	}
	select {
	case h.ch <- msg:
		return true
	case <-h.stop:
		return false
	}
}

func (h *TargetCallback) Start(context.Context) error {
	h.set(lifecycle.ObserverRunning)
	return nil
}

func (h *TargetCallback) Pause(context.Context) error {
	h.set(lifecycle.ObserverPaused)
	return nil
}

func (h *TargetCallback) Stop(context.Context) error {
	h.stopOnce.Do(func() {
		if h.unregister != nil {
			h.unregister()
		}
		// Release any callback blocked on a full channel before taking the
		// write lock to close it.
		if h.stop != nil {
			close(h.stop)
		}
		if h.ch != nil {
			h.sendMu.Lock()
			h.closed = true
			close(h.ch)
			h.sendMu.Unlock()
		}
	})
	h.set(lifecycle.ObserverStopped)
	return nil
}

func (h *TargetCallback) Metrics() map[string]any {
	return map[string]any{
		"handler_type":  KindTargetCallback,
		"target_id":     h.cfg.TargetID,
		"callback_type": h.cfg.CallbackType,
	}
}

// TargetChannel opens a bidirectional channel to a managed target server and
// turns every received document into a ReactionOutput record.
type TargetChannel struct {
	statusHolder
	cfg         Config
	componentID string
	provider    ChannelProvider
	log         *zap.Logger

	ch       chan observe.HandlerMessage
	closeSub func()
	cancel   context.CancelFunc
	stopOnce sync.Once
}

func NewTargetChannel(cfg Config, componentID string, provider ChannelProvider, log *zap.Logger) *TargetChannel {
	if log == nil {
		log = zap.NewNop()
	}
	return &TargetChannel{
		cfg:         cfg,
		componentID: componentID,
		provider:    provider,
		log:         log.Named("target-channel").With(zap.String("targetID", cfg.TargetID)),
	}
}

func (h *TargetChannel) Init(ctx context.Context) (<-chan observe.HandlerMessage, error) {
	sub, closeSub, err := h.provider.OpenChannel(ctx, h.cfg.TargetID, h.cfg.QueryID)
	if err != nil {
		return nil, err
	}

	h.ch = make(chan observe.HandlerMessage, observe.EventChannelCapacity)
	h.closeSub = closeSub

	runCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	go func() {
		defer close(h.ch)
		for {
			select {
			case <-runCtx.Done():
				return
			case output, ok := <-sub:
				if !ok {
					return
				}
				rec := &records.HandlerRecord{
					ID:            uuid.New().String(),
					CreatedTimeNS: uint64(time.Now().UnixNano()),
					Payload: records.HandlerPayload{ReactionOutput: &records.ReactionOutputPayload{
						ReactionOutput: output,
					}},
				}
				select {
				case h.ch <- observe.HandlerMessage{Record: rec}:
				case <-runCtx.Done():
					return
				}
			}
		}
	}()

	h.log.Info("channel opened", zap.String("queryID", h.cfg.QueryID))
	return h.ch, nil
}

func (h *TargetChannel) Start(context.Context) error {
	h.set(lifecycle.ObserverRunning)
	return nil
}

func (h *TargetChannel) Pause(context.Context) error {
	h.set(lifecycle.ObserverPaused)
	return nil
}

func (h *TargetChannel) Stop(context.Context) error {
	h.stopOnce.Do(func() {
		if h.closeSub != nil {
			h.closeSub()
		}
		if h.cancel != nil {
			h.cancel()
		}
	})
	h.set(lifecycle.ObserverStopped)
	return nil
}

func (h *TargetChannel) Metrics() map[string]any {
	return map[string]any{
		"handler_type": KindTargetChannel,
		"target_id":    h.cfg.TargetID,
		"query_id":     h.cfg.QueryID,
	}
}
