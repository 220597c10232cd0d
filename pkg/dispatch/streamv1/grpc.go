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

package streamv1

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

const (
	// CodecName is the gRPC content-subtype both ends agree on.
	CodecName = "json"

	ServiceName = "drasi.v1.SourceService"

	submitEventMethod  = "/" + ServiceName + "/SubmitEvent"
	streamEventsMethod = "/" + ServiceName + "/StreamEvents"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return CodecName }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// SourceServiceClient is the client side of the source-change stream service.
type SourceServiceClient struct {
	cc *grpc.ClientConn
}

func NewSourceServiceClient(cc *grpc.ClientConn) *SourceServiceClient {
	return &SourceServiceClient{cc: cc}
}

// SubmitEvent submits a single change and waits for its acknowledgement.
func (c *SourceServiceClient) SubmitEvent(ctx context.Context, req *SubmitEventRequest) (*SubmitEventResponse, error) {
	resp := new(SubmitEventResponse)
	if err := c.cc.Invoke(ctx, submitEventMethod, req, resp, grpc.CallContentSubtype(CodecName)); err != nil {
		return nil, err
	}
	return resp, nil
}

// StreamEventsStream is the client view of an open StreamEvents call: send
// changes, close the send side, then drain acknowledgements until io.EOF.
type StreamEventsStream struct {
	grpc.ClientStream
}

func (s *StreamEventsStream) Send(change *SourceChange) error {
	return s.SendMsg(change)
}

func (s *StreamEventsStream) Recv() (*StreamEventsResponse, error) {
	resp := new(StreamEventsResponse)
	if err := s.RecvMsg(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

var streamEventsDesc = grpc.StreamDesc{
	StreamName:    "StreamEvents",
	ClientStreams: true,
	ServerStreams: true,
}

// StreamEvents opens a change stream.
func (c *SourceServiceClient) StreamEvents(ctx context.Context) (*StreamEventsStream, error) {
	stream, err := c.cc.NewStream(ctx, &streamEventsDesc, streamEventsMethod, grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, err
	}
	return &StreamEventsStream{ClientStream: stream}, nil
}

// SourceServiceServer is implemented by sinks that accept source changes.
type SourceServiceServer interface {
	SubmitEvent(ctx context.Context, req *SubmitEventRequest) (*SubmitEventResponse, error)
	StreamEvents(stream *StreamEventsServerStream) error
}

// StreamEventsServerStream is the server view of a StreamEvents call.
type StreamEventsServerStream struct {
	grpc.ServerStream
}

// Recv returns the next change or io.EOF once the client closes its side.
func (s *StreamEventsServerStream) Recv() (*SourceChange, error) {
	change := new(SourceChange)
	if err := s.RecvMsg(change); err != nil {
		return nil, err
	}
	return change, nil
}

func (s *StreamEventsServerStream) Send(resp *StreamEventsResponse) error {
	return s.SendMsg(resp)
}

func submitEventHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(SubmitEventRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SourceServiceServer).SubmitEvent(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: submitEventMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SourceServiceServer).SubmitEvent(ctx, req.(*SubmitEventRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func streamEventsHandler(srv any, stream grpc.ServerStream) error {
	return srv.(SourceServiceServer).StreamEvents(&StreamEventsServerStream{ServerStream: stream})
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SourceServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitEvent", Handler: submitEventHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamEvents", Handler: streamEventsHandler, ClientStreams: true, ServerStreams: true},
	},
	Metadata: "streamv1",
}

// RegisterSourceServiceServer registers srv on a gRPC server.
func RegisterSourceServiceServer(s *grpc.Server, srv SourceServiceServer) {
	s.RegisterService(&serviceDesc, srv)
}

// DrainAcks reads acknowledgements until EOF, returning the total processed
// count. An ack with success=false and a non-empty error fails the drain.
func DrainAcks(stream *StreamEventsStream) (uint64, error) {
	var total uint64
	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, fmt.Errorf("receiving stream acknowledgement: %w", err)
		}
		if !resp.Success && resp.Error != "" {
			return total, fmt.Errorf("batch dispatch failed: %s", resp.Error)
		}
		total += resp.EventsProcessed
	}
}
