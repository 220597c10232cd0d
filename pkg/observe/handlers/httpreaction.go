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
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drasi-project/test-run-host/pkg/lifecycle"
	"github.com/drasi-project/test-run-host/pkg/observe"
	"github.com/drasi-project/test-run-host/pkg/records"
)

const defaultReactionPath = "/"

// HTTPReaction listens on host:port and turns every POST to the configured
// path into a ReactionInvocation record. The request is acknowledged with
// 2xx once the record is queued; the body must be JSON but its shape is not
// interpreted.
type HTTPReaction struct {
	statusHolder
	cfg         Config
	componentID string
	log         *zap.Logger

	ch       chan observe.HandlerMessage
	server   *http.Server
	listener net.Listener
	stopOnce sync.Once
	sendMu   sync.RWMutex
	closed   bool

	invocations uint64
	invMu       sync.Mutex
}

func NewHTTPReaction(cfg Config, componentID string, log *zap.Logger) *HTTPReaction {
	if cfg.Path == "" {
		cfg.Path = defaultReactionPath
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPReaction{
		cfg:         cfg,
		componentID: componentID,
		log:         log.Named("http-reaction"),
	}
}

func (h *HTTPReaction) Init(ctx context.Context) (<-chan observe.HandlerMessage, error) {
	addr := fmt.Sprintf("%s:%d", h.cfg.Host, h.cfg.Port)
	listener, err := new(net.ListenConfig).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("binding reaction listener on %s: %w", addr, err)
	}

	h.ch = make(chan observe.HandlerMessage, observe.EventChannelCapacity)
	h.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc(h.cfg.Path, h.handleCallback)
	h.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := h.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			h.send(context.Background(), observe.HandlerMessage{Err: &observe.HandlerError{
				HandlerType: records.HandlerTypeReaction,
				Err:         fmt.Errorf("reaction listener failed: %w", err),
				Recoverable: false,
			}})
		}
	}()

	h.log.Info("reaction listener bound", zap.String("addr", listener.Addr().String()), zap.String("path", h.cfg.Path))
	return h.ch, nil
}

// Addr returns the bound listen address (useful with port 0).
func (h *HTTPReaction) Addr() string {
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

func (h *HTTPReaction) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}
	if len(body) == 0 {
		body = []byte("null")
	}
	if !json.Valid(body) {
		// Shape errors are logged and the record dropped; they never crash
		// the observer.
		h.send(r.Context(), observe.HandlerMessage{Err: &observe.HandlerError{
			HandlerType: records.HandlerTypeReaction,
			Err:         fmt.Errorf("invocation body is not valid JSON"),
			Recoverable: true,
		}})
		http.Error(w, "body must be JSON", http.StatusBadRequest)
		return
	}

	headers := make(map[string]string, len(r.Header))
	for name := range r.Header {
		headers[strings.ToLower(name)] = r.Header.Get(name)
	}

	rec := &records.HandlerRecord{
		ID:            uuid.New().String(),
		CreatedTimeNS: uint64(time.Now().UnixNano()),
		Traceparent:   r.Header.Get("traceparent"),
		Tracestate:    r.Header.Get("tracestate"),
		Payload: records.HandlerPayload{ReactionInvocation: &records.ReactionInvocationPayload{
			ReactionType:  KindHTTPReaction,
			QueryID:       h.cfg.QueryID,
			RequestMethod: r.Method,
			RequestPath:   r.URL.Path,
			RequestBody:   json.RawMessage(body),
			Headers:       headers,
		}},
	}

	if h.send(r.Context(), observe.HandlerMessage{Record: rec}) {
		h.invMu.Lock()
		h.invocations++
		h.invMu.Unlock()
		w.WriteHeader(http.StatusOK)
		return
	}
	http.Error(w, "shutting down", http.StatusServiceUnavailable)
}

// send queues a message, honoring backpressure. It returns false when the
// handler is already stopped or the request context is canceled.
func (h *HTTPReaction) send(ctx context.Context, msg observe.HandlerMessage) bool {
	h.sendMu.RLock()
	defer h.sendMu.RUnlock()
	if h.closed {
		return false
	}
	select {
	case h.ch <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func (h *HTTPReaction) Start(context.Context) error {
	h.set(lifecycle.ObserverRunning)
	return nil
}

func (h *HTTPReaction) Pause(context.Context) error {
	// The listener stays up while paused; the observer simply stops
	// consuming and backpressure does the rest.
	h.set(lifecycle.ObserverPaused)
	return nil
}

func (h *HTTPReaction) Stop(ctx context.Context) error {
	var err error
	h.stopOnce.Do(func() {
		if h.server != nil {
			if err = h.server.Shutdown(ctx); err != nil {
				h.server.Close()
			}
		}
		if h.ch != nil {
			h.sendMu.Lock()
			h.closed = true
			close(h.ch)
			h.sendMu.Unlock()
		}
	})
	h.set(lifecycle.ObserverStopped)
	return err
}

func (h *HTTPReaction) Metrics() map[string]any {
	h.invMu.Lock()
	defer h.invMu.Unlock()
	return map[string]any{
		"handler_type": KindHTTPReaction,
		"invocations":  h.invocations,
	}
}
