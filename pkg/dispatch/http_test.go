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
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/drasi-project/test-run-host/pkg/records"
)

func TestHTTPDispatchPostsJSONArray(t *testing.T) {
	t.Parallel()

	var got []records.SourceChangeEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	d := NewHTTPDispatcher(srv.URL, time.Second, zaptest.NewLogger(t))
	require.NoError(t, d.Dispatch(context.Background(), simpleEvents(4)))
	assert.Len(t, got, 4)
	assert.Equal(t, "insert", got[0].Op)
}

func TestHTTPDispatch4xxIsNonRetryable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad shape", http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	d := NewHTTPDispatcher(srv.URL, time.Second, zaptest.NewLogger(t))
	err := d.Dispatch(context.Background(), simpleEvents(1))
	require.Error(t, err)
	assert.True(t, IsNonRetryable(err))
}

func TestHTTPDispatch5xxIsRetryable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	d := NewHTTPDispatcher(srv.URL, time.Second, zaptest.NewLogger(t))
	err := d.Dispatch(context.Background(), simpleEvents(1))
	require.Error(t, err)
	assert.False(t, IsNonRetryable(err))
}

func TestHTTPDispatchEmptyBatchIsNoop(t *testing.T) {
	t.Parallel()

	d := NewHTTPDispatcher("http://127.0.0.1:1", time.Second, zaptest.NewLogger(t))
	assert.NoError(t, d.Dispatch(context.Background(), nil))
}
