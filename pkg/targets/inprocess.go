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

package targets

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

	"go.uber.org/zap"

	"github.com/drasi-project/test-run-host/pkg/records"
)

// InProcessServer is a managed peer hosted inside the test run host. It
// accepts source change events over its HTTP API and hands reaction
// callbacks and result channels to the observers bound to it.
type InProcessServer struct {
	host string
	port uint16
	log  *zap.Logger

	mu        sync.RWMutex
	server    *http.Server
	listener  net.Listener
	endpoint  string
	running   bool
	received  uint64
	callbacks map[string]func(records.ReactionInvocationPayload)
	channels  map[string][]*subscriber
}

// subscriber wraps one open result channel; close is idempotent so both the
// subscriber's closer and a target stop can release it.
type subscriber struct {
	ch   chan json.RawMessage
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

func NewInProcessServer(host string, port uint16, log *zap.Logger) *InProcessServer {
	if host == "" {
		host = "127.0.0.1"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &InProcessServer{
		host:      host,
		port:      port,
		log:       log.Named("inprocess-target"),
		callbacks: map[string]func(records.ReactionInvocationPayload){},
		channels:  map[string][]*subscriber{},
	}
}

func (s *InProcessServer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	listener, err := new(net.ListenConfig).Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("binding target listener on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/sources/", s.handleSourceEvents)
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go server.Serve(listener) //nolint:errcheck // closed by Stop

	s.server = server
	s.listener = listener
	s.endpoint = "http://" + listener.Addr().String()
	s.running = true
	s.log.Info("in-process target started", zap.String("endpoint", s.endpoint))
	return nil
}

func (s *InProcessServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	channels := s.channels
	s.server = nil
	s.listener = nil
	s.endpoint = ""
	s.running = false
	s.channels = map[string][]*subscriber{}
	s.mu.Unlock()

	for _, subs := range channels {
		for _, sub := range subs {
			sub.close()
		}
	}
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// Endpoint returns the published base URL, or false while not running.
func (s *InProcessServer) Endpoint() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoint, s.running
}

// handleSourceEvents accepts POST /sources/<source_id>/events with a JSON
// array of change events.
func (s *InProcessServer) handleSourceEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/events") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}
	var events []records.SourceChangeEvent
	if err := json.Unmarshal(body, &events); err != nil {
		http.Error(w, "body must be a JSON array of change events", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.received += uint64(len(events))
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"events_processed":%d}`, len(events))
}

// EventsReceived returns how many change events the target accepted.
func (s *InProcessServer) EventsReceived() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.received
}

// RegisterCallback binds a reaction callback. Invocations pushed through
// InvokeCallback reach fn.
func (s *InProcessServer) RegisterCallback(reactionID string, fn func(records.ReactionInvocationPayload)) func() {
	s.mu.Lock()
	s.callbacks[reactionID] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.callbacks, reactionID)
		s.mu.Unlock()
	}
}

// InvokeCallback delivers a reaction invocation to the registered callback.
func (s *InProcessServer) InvokeCallback(reactionID string, inv records.ReactionInvocationPayload) error {
	s.mu.RLock()
	fn, ok := s.callbacks[reactionID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no callback registered for reaction %q", reactionID)
	}
	fn(inv)
	return nil
}

// OpenChannel subscribes to a query's results on this target.
func (s *InProcessServer) OpenChannel(queryID string) (<-chan json.RawMessage, func()) {
	sub := &subscriber{ch: make(chan json.RawMessage, 1024)}
	s.mu.Lock()
	s.channels[queryID] = append(s.channels[queryID], sub)
	s.mu.Unlock()

	return sub.ch, func() {
		s.mu.Lock()
		subs := s.channels[queryID]
		for i, candidate := range subs {
			if candidate == sub {
				s.channels[queryID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		sub.close()
	}
}

// PublishResult pushes a result document to every open channel of a query.
func (s *InProcessServer) PublishResult(queryID string, doc json.RawMessage) {
	s.mu.RLock()
	subs := append([]*subscriber(nil), s.channels[queryID]...)
	s.mu.RUnlock()
	for _, sub := range subs {
		select {
		case sub.ch <- doc:
		default:
			s.log.Warn("dropping result for slow channel subscriber", zap.String("queryID", queryID))
		}
	}
}
