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
	"io"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/drasi-project/test-run-host/pkg/batch"
	"github.com/drasi-project/test-run-host/pkg/dispatch/streamv1"
	"github.com/drasi-project/test-run-host/pkg/records"
)

// sinkServer implements the source service, optionally rejecting the first
// rejectCalls stream attempts.
type sinkServer struct {
	mu          sync.Mutex
	rejectCalls int
	calls       int
	received    []*streamv1.SourceChange
	submitted   []*streamv1.SourceChange
}

func (s *sinkServer) SubmitEvent(_ context.Context, req *streamv1.SubmitEventRequest) (*streamv1.SubmitEventResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, req.Event)
	return &streamv1.SubmitEventResponse{Success: true, EventsProcessed: 1}, nil
}

func (s *sinkServer) StreamEvents(stream *streamv1.StreamEventsServerStream) error {
	s.mu.Lock()
	s.calls++
	reject := s.calls <= s.rejectCalls
	s.mu.Unlock()

	if reject {
		return status.Error(codes.Unavailable, "sink warming up")
	}

	var chunk []*streamv1.SourceChange
	for {
		change, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		chunk = append(chunk, change)
	}

	s.mu.Lock()
	s.received = append(s.received, chunk...)
	s.mu.Unlock()

	return stream.Send(&streamv1.StreamEventsResponse{Success: true, EventsProcessed: uint64(len(chunk))})
}

func startSink(t *testing.T, srv *sinkServer) string {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := grpc.NewServer()
	streamv1.RegisterSourceServiceServer(server, srv)
	go server.Serve(lis) //nolint:errcheck // closed by Stop below
	t.Cleanup(server.Stop)

	return lis.Addr().String()
}

func TestGRPCDispatchStreaming(t *testing.T) {
	t.Parallel()

	sink := &sinkServer{}
	addr := startSink(t, sink)

	d := NewGRPCDispatcher(GRPCDispatcherOptions{Target: addr, SourceID: "src", BatchEvents: true}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = d.Close(context.Background()) })

	require.NoError(t, d.Dispatch(context.Background(), simpleEvents(10)))
	assert.Len(t, sink.received, 10)
	assert.Equal(t, "src", sink.received[0].SourceID)
}

func TestGRPCDispatchUnary(t *testing.T) {
	t.Parallel()

	sink := &sinkServer{}
	addr := startSink(t, sink)

	d := NewGRPCDispatcher(GRPCDispatcherOptions{Target: addr, SourceID: "src", BatchEvents: false}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = d.Close(context.Background()) })

	require.NoError(t, d.Dispatch(context.Background(), simpleEvents(3)))
	assert.Len(t, sink.submitted, 3)
}

func TestGRPCDispatchRetriesThroughPump(t *testing.T) {
	t.Parallel()

	sink := &sinkServer{rejectCalls: 2}
	addr := startSink(t, sink)

	d := NewGRPCDispatcher(GRPCDispatcherOptions{Target: addr, SourceID: "src", BatchEvents: true}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = d.Close(context.Background()) })

	in := make(chan *records.SourceChangeEvent, 64)
	pump := NewPump(in, batch.Config{MinBatchSize: 50, MaxBatchSize: 50}, []Dispatcher{d}, zaptest.NewLogger(t))
	for _, e := range simpleEvents(50) {
		in <- e
	}
	close(in)
	pump.Run(context.Background())

	assert.Equal(t, 3, sink.calls, "two rejected attempts then success")
	assert.Len(t, sink.received, 50, "all events delivered, no duplicates")
	assert.Equal(t, uint64(1), pump.Metrics().BatchesDispatched)
}
