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
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/drasi-project/test-run-host/pkg/lifecycle"
	"github.com/drasi-project/test-run-host/pkg/observe"
	"github.com/drasi-project/test-run-host/pkg/records"
)

const redisReadBlock = 250 * time.Millisecond

// redisStreamEntry is the JSON document carried in the "data" field of each
// stream entry.
type redisStreamEntry struct {
	Data        records.QueryResultRecord `json:"data"`
	ID          string                    `json:"id"`
	Traceparent string                    `json:"traceparent,omitempty"`
	Tracestate  string                    `json:"tracestate,omitempty"`
}

// controlSignalKind extracts the kind of a control record's signal.
type controlSignalKind struct {
	Kind string `json:"kind"`
}

// RedisResultStream reads a query's result stream from a Redis stream key.
// Change records become ResultStream payloads; control records with
// bootstrap markers become control signals.
type RedisResultStream struct {
	statusHolder
	cfg         Config
	componentID string
	log         *zap.Logger

	client *redis.Client
	ch     chan observe.HandlerMessage
	cancel context.CancelFunc
	paused chan bool
}

func NewRedisResultStream(cfg Config, componentID string, log *zap.Logger) *RedisResultStream {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisResultStream{
		cfg:         cfg,
		componentID: componentID,
		log:         log.Named("redis-result-stream").With(zap.String("streamKey", cfg.StreamKey)),
		paused:      make(chan bool, observe.ControlChannelCapacity),
	}
}

func (h *RedisResultStream) Init(ctx context.Context) (<-chan observe.HandlerMessage, error) {
	opts, err := redis.ParseURL(h.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", h.cfg.RedisURL, err)
	}

	h.client = client
	h.ch = make(chan observe.HandlerMessage, observe.EventChannelCapacity)

	runCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go h.readLoop(runCtx)

	return h.ch, nil
}

func (h *RedisResultStream) readLoop(ctx context.Context) {
	defer close(h.ch)
	defer h.client.Close()

	lastID := "0"
	paused := false
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-h.paused:
			paused = p
			continue
		default:
		}

		if paused {
			select {
			case <-ctx.Done():
				return
			case p := <-h.paused:
				paused = p
			}
			continue
		}

		streams, err := h.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{h.cfg.StreamKey, lastID},
			Count:   100,
			Block:   redisReadBlock,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if !h.send(ctx, observe.HandlerMessage{Err: &observe.HandlerError{
				HandlerType: records.HandlerTypeResultStream,
				Err:         fmt.Errorf("reading stream %s: %w", h.cfg.StreamKey, err),
				Recoverable: true,
			}}) {
				return
			}
			time.Sleep(redisReadBlock)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				lastID = msg.ID
				if !h.emit(ctx, msg) {
					return
				}
			}
		}
	}
}

// send delivers a message honoring backpressure; it returns false once the
// run context is canceled.
func (h *RedisResultStream) send(ctx context.Context, msg observe.HandlerMessage) bool {
	select {
	case h.ch <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func (h *RedisResultStream) emit(ctx context.Context, msg redis.XMessage) bool {
	raw, ok := msg.Values["data"].(string)
	if !ok {
		return h.send(ctx, observe.HandlerMessage{Err: &observe.HandlerError{
			HandlerType: records.HandlerTypeResultStream,
			Err:         fmt.Errorf("stream entry %s has no data field", msg.ID),
			Recoverable: true,
		}})
	}

	var entry redisStreamEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return h.send(ctx, observe.HandlerMessage{Err: &observe.HandlerError{
			HandlerType: records.HandlerTypeResultStream,
			Err:         fmt.Errorf("decoding stream entry %s: %w", msg.ID, err),
			Recoverable: true,
		}})
	}

	if entry.Data.Kind == records.QueryResultKindControl {
		var signal controlSignalKind
		_ = json.Unmarshal(entry.Data.ControlSignal, &signal)
		switch signal.Kind {
		case "bootstrapStarted":
			return h.send(ctx, observe.HandlerMessage{Control: observe.ControlBootstrapStarted})
		case "bootstrapCompleted":
			return h.send(ctx, observe.HandlerMessage{Control: observe.ControlBootstrapComplete})
		}
		// Unknown control signals still surface as records.
	}

	id := entry.ID
	if id == "" {
		id = msg.ID
	}
	return h.send(ctx, observe.HandlerMessage{Record: &records.HandlerRecord{
		ID:            id,
		CreatedTimeNS: uint64(time.Now().UnixNano()),
		Traceparent:   entry.Traceparent,
		Tracestate:    entry.Tracestate,
		Payload: records.HandlerPayload{ResultStream: &records.ResultStreamPayload{
			QueryResult: entry.Data,
		}},
	}})
}

func (h *RedisResultStream) Start(context.Context) error {
	h.set(lifecycle.ObserverRunning)
	select {
	case h.paused <- false:
	default:
	}
	return nil
}

func (h *RedisResultStream) Pause(context.Context) error {
	h.set(lifecycle.ObserverPaused)
	select {
	case h.paused <- true:
	default:
	}
	return nil
}

func (h *RedisResultStream) Stop(context.Context) error {
	if h.cancel != nil {
		h.cancel()
	}
	h.set(lifecycle.ObserverStopped)
	return nil
}

func (h *RedisResultStream) Metrics() map[string]any {
	return map[string]any{
		"handler_type": KindRedisResultStream,
		"stream_key":   h.cfg.StreamKey,
	}
}
