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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/drasi-project/test-run-host/pkg/observe"
	"github.com/drasi-project/test-run-host/pkg/records"
)

func xadd(t *testing.T, client *redis.Client, key string, doc string) {
	t.Helper()
	require.NoError(t, client.XAdd(context.Background(), &redis.XAddArgs{
		Stream: key,
		Values: map[string]any{"data": doc},
	}).Err())
}

func recvMessage(t *testing.T, ch <-chan observe.HandlerMessage) observe.HandlerMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for handler message")
		return observe.HandlerMessage{}
	}
}

func TestRedisResultStreamHandler(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	const key = "query-results"
	xadd(t, client, key, `{"id":"c1","data":{"kind":"control","controlSignal":{"kind":"bootstrapStarted"}}}`)
	xadd(t, client, key, `{"id":"r1","data":{"kind":"change","queryId":"q1","sequence":1},"traceparent":"00-abc-01"}`)
	xadd(t, client, key, `{"id":"c2","data":{"kind":"control","controlSignal":{"kind":"bootstrapCompleted"}}}`)

	h := NewRedisResultStream(Config{
		Kind:      KindRedisResultStream,
		RedisURL:  fmt.Sprintf("redis://%s", mr.Addr()),
		StreamKey: key,
	}, "repo.test.run.query-1", zaptest.NewLogger(t))

	ch, err := h.Init(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { _ = h.Stop(context.Background()) })

	msg := recvMessage(t, ch)
	assert.Equal(t, observe.ControlBootstrapStarted, msg.Control)

	msg = recvMessage(t, ch)
	require.NotNil(t, msg.Record)
	assert.Equal(t, "r1", msg.Record.ID)
	assert.Equal(t, "00-abc-01", msg.Record.Traceparent)
	require.NotNil(t, msg.Record.Payload.ResultStream)
	assert.Equal(t, "q1", msg.Record.Payload.ResultStream.QueryResult.QueryID)

	msg = recvMessage(t, ch)
	assert.Equal(t, observe.ControlBootstrapComplete, msg.Control)

	require.NoError(t, h.Stop(context.Background()))
	_, open := <-ch
	assert.False(t, open, "channel closes on stop")
}

func TestRedisResultStreamMalformedEntry(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	const key = "query-results"
	xadd(t, client, key, `{not json`)
	xadd(t, client, key, `{"id":"r1","data":{"kind":"change"}}`)

	h := NewRedisResultStream(Config{
		Kind:      KindRedisResultStream,
		RedisURL:  fmt.Sprintf("redis://%s", mr.Addr()),
		StreamKey: key,
	}, "repo.test.run.query-1", zaptest.NewLogger(t))

	ch, err := h.Init(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Stop(context.Background()) })

	msg := recvMessage(t, ch)
	require.NotNil(t, msg.Err)
	assert.True(t, msg.Err.Recoverable, "shape errors are dropped, not fatal")

	msg = recvMessage(t, ch)
	require.NotNil(t, msg.Record, "the stream continues past the bad entry")
}

func TestRedisResultStreamBadURL(t *testing.T) {
	t.Parallel()

	h := NewRedisResultStream(Config{RedisURL: "::bogus::", StreamKey: "x"}, "id", zaptest.NewLogger(t))
	_, err := h.Init(context.Background())
	assert.Error(t, err)
}

func TestHTTPReactionHandler(t *testing.T) {
	t.Parallel()

	h := NewHTTPReaction(Config{
		Kind:    KindHTTPReaction,
		Host:    "127.0.0.1",
		Port:    0,
		Path:    "/callback",
		QueryID: "q1",
	}, "repo.test.run.reaction-1", zaptest.NewLogger(t))

	ch, err := h.Init(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { _ = h.Stop(context.Background()) })

	url := fmt.Sprintf("http://%s/callback", h.Addr())
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBufferString(`{"added":[1]}`))
	require.NoError(t, err)
	req.Header.Set("traceparent", "00-abc-01")
	req.Header.Set("x-corr", "42")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "acknowledged once queued")

	msg := recvMessage(t, ch)
	require.NotNil(t, msg.Record)
	inv := msg.Record.Payload.ReactionInvocation
	require.NotNil(t, inv)
	assert.Equal(t, http.MethodPost, inv.RequestMethod)
	assert.Equal(t, "/callback", inv.RequestPath)
	assert.Equal(t, "q1", inv.QueryID)
	assert.JSONEq(t, `{"added":[1]}`, string(inv.RequestBody))
	assert.Equal(t, "00-abc-01", msg.Record.Traceparent)

	// The record acts as a trace carrier over its headers.
	v, ok := msg.Record.Get("x-corr")
	assert.True(t, ok)
	assert.Equal(t, "42", v)
}

func TestHTTPReactionRejectsNonJSON(t *testing.T) {
	t.Parallel()

	h := NewHTTPReaction(Config{Kind: KindHTTPReaction, Port: 0, Path: "/callback"}, "id", zaptest.NewLogger(t))
	ch, err := h.Init(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Stop(context.Background()) })

	resp, err := http.Post(fmt.Sprintf("http://%s/callback", h.Addr()), "text/plain", bytes.NewBufferString("not json"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	msg := recvMessage(t, ch)
	require.NotNil(t, msg.Err)
	assert.True(t, msg.Err.Recoverable)
}

func TestHTTPReactionRejectsGet(t *testing.T) {
	t.Parallel()

	h := NewHTTPReaction(Config{Kind: KindHTTPReaction, Port: 0, Path: "/callback"}, "id", zaptest.NewLogger(t))
	_, err := h.Init(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Stop(context.Background()) })

	resp, err := http.Get(fmt.Sprintf("http://%s/callback", h.Addr()))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

type fakeTargets struct {
	callbacks map[string]func(records.ReactionInvocationPayload)
	channel   chan json.RawMessage
}

func (f *fakeTargets) RegisterCallback(targetID, reactionID string, fn func(records.ReactionInvocationPayload)) (func(), error) {
	if f.callbacks == nil {
		f.callbacks = map[string]func(records.ReactionInvocationPayload){}
	}
	f.callbacks[targetID+"/"+reactionID] = fn
	return func() { delete(f.callbacks, targetID+"/"+reactionID) }, nil
}

func (f *fakeTargets) OpenChannel(context.Context, string, string) (<-chan json.RawMessage, func(), error) {
	return f.channel, func() {}, nil
}

func TestTargetCallbackHandler(t *testing.T) {
	t.Parallel()

	targets := &fakeTargets{}
	h := NewTargetCallback(Config{Kind: KindTargetCallback, TargetID: "target-1"}, "repo.test.run.reaction-1", targets, zaptest.NewLogger(t))

	ch, err := h.Init(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.Start(context.Background()))
	require.Len(t, targets.callbacks, 1)

	targets.callbacks["target-1/repo.test.run.reaction-1"](records.ReactionInvocationPayload{
		QueryID:       "q1",
		RequestMethod: "POST",
		RequestPath:   "/cb",
		Headers:       map[string]string{"traceparent": "00-def-01"},
	})

	msg := recvMessage(t, ch)
	require.NotNil(t, msg.Record)
	assert.Equal(t, "default", msg.Record.Payload.ReactionInvocation.ReactionType)
	assert.Equal(t, "00-def-01", msg.Record.Traceparent)

	require.NoError(t, h.Stop(context.Background()))
	assert.Empty(t, targets.callbacks, "callback unregistered on stop")
}

func TestTargetChannelHandler(t *testing.T) {
	t.Parallel()

	targets := &fakeTargets{channel: make(chan json.RawMessage, 4)}
	h := NewTargetChannel(Config{Kind: KindTargetChannel, TargetID: "target-1", QueryID: "q1"}, "repo.test.run.reaction-1", targets, zaptest.NewLogger(t))

	ch, err := h.Init(context.Background())
	require.NoError(t, err)

	targets.channel <- json.RawMessage(`{"result":1}`)
	msg := recvMessage(t, ch)
	require.NotNil(t, msg.Record)
	require.NotNil(t, msg.Record.Payload.ReactionOutput)
	assert.JSONEq(t, `{"result":1}`, string(msg.Record.Payload.ReactionOutput.ReactionOutput))

	close(targets.channel)
	_, open := <-ch
	assert.False(t, open, "handler channel closes when the peer channel ends")

	require.NoError(t, h.Stop(context.Background()))
}

func TestHandlerFactory(t *testing.T) {
	t.Parallel()

	log := zaptest.NewLogger(t)

	h, err := New(Config{Kind: KindHTTPReaction, Port: 0}, "id", nil, log)
	require.NoError(t, err)
	assert.IsType(t, &HTTPReaction{}, h)

	_, err = New(Config{Kind: KindTargetCallback, TargetID: "t"}, "id", nil, log)
	assert.Error(t, err, "target handlers require a supervisor")

	_, err = New(Config{Kind: "Bogus"}, "id", nil, log)
	assert.Error(t, err)
}

func TestTargetCallbackStopWithFullChannel(t *testing.T) {
	t.Parallel()

	targets := &fakeTargets{}
	h := NewTargetCallback(Config{Kind: KindTargetCallback, TargetID: "target-1"}, "repo.test.run.reaction-1", targets, zaptest.NewLogger(t))

	_, err := h.Init(context.Background())
	require.NoError(t, err)

	// Fill the bounded channel with nobody consuming, then push one more
	// invocation from a goroutine so it blocks on the full channel.
	fn := targets.callbacks["target-1/repo.test.run.reaction-1"]
	for i := 0; i < observe.EventChannelCapacity; i++ {
		fn(records.ReactionInvocationPayload{QueryID: "q1"})
	}
	blocked := make(chan struct{})
	go func() {
		defer close(blocked)
		fn(records.ReactionInvocationPayload{QueryID: "q1"})
	}()

	// Stop must release the blocked sender and return promptly.
	stopped := make(chan error, 1)
	go func() { stopped <- h.Stop(context.Background()) }()
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stop deadlocked against a full channel")
	}
	select {
	case <-blocked:
	case <-time.After(2 * time.Second):
		t.Fatal("pending callback send was not released by stop")
	}
}
