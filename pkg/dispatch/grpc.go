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
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/drasi-project/test-run-host/pkg/dispatch/streamv1"
	"github.com/drasi-project/test-run-host/pkg/records"
)

// GRPCDispatcher sends batches to a source-change stream service. With
// batchEvents set it opens a StreamEvents call per batch and drains the
// acknowledgements; otherwise it submits events one at a time.
type GRPCDispatcher struct {
	target      string
	sourceID    string
	timeout     time.Duration
	batchEvents bool
	log         *zap.Logger

	conn   *grpc.ClientConn
	client *streamv1.SourceServiceClient
}

type GRPCDispatcherOptions struct {
	Target      string // host:port
	SourceID    string
	Timeout     time.Duration
	BatchEvents bool
}

func NewGRPCDispatcher(opts GRPCDispatcherOptions, log *zap.Logger) *GRPCDispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &GRPCDispatcher{
		target:      opts.Target,
		sourceID:    opts.SourceID,
		timeout:     opts.Timeout,
		batchEvents: opts.BatchEvents,
		log:         log.Named("grpc-dispatcher"),
	}
}

// ensureConnected establishes the client lazily and reuses it until a send
// error recycles it.
func (d *GRPCDispatcher) ensureConnected() error {
	if d.client != nil {
		return nil
	}
	conn, err := grpc.NewClient(d.target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("connecting to source service at %s: %w", d.target, err)
	}
	d.conn = conn
	d.client = streamv1.NewSourceServiceClient(conn)
	d.log.Debug("connected to source service", zap.String("target", d.target))
	return nil
}

func (d *GRPCDispatcher) Dispatch(ctx context.Context, events []*records.SourceChangeEvent) error {
	if len(events) == 0 {
		return nil
	}
	if err := d.ensureConnected(); err != nil {
		return err
	}

	changes := make([]*streamv1.SourceChange, 0, len(events))
	for _, event := range events {
		change, err := ToSourceChange(event, d.sourceID)
		if err != nil {
			return NonRetryable(fmt.Errorf("converting event: %w", err))
		}
		changes = append(changes, change)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if d.batchEvents {
		return d.streamBatch(ctx, changes)
	}
	return d.submitEach(ctx, changes)
}

func (d *GRPCDispatcher) streamBatch(ctx context.Context, changes []*streamv1.SourceChange) error {
	stream, err := d.client.StreamEvents(ctx)
	if err != nil {
		return fmt.Errorf("opening event stream: %w", err)
	}
	for _, change := range changes {
		if err := stream.Send(change); err != nil {
			return fmt.Errorf("sending change: %w", err)
		}
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("closing send side: %w", err)
	}

	processed, err := streamv1.DrainAcks(stream)
	if err != nil {
		return err
	}
	d.log.Debug("dispatched batch via stream",
		zap.Int("events", len(changes)),
		zap.Uint64("processed", processed))
	return nil
}

func (d *GRPCDispatcher) submitEach(ctx context.Context, changes []*streamv1.SourceChange) error {
	for _, change := range changes {
		resp, err := d.client.SubmitEvent(ctx, &streamv1.SubmitEventRequest{Event: change})
		if err != nil {
			if s, ok := status.FromError(err); ok && s.Code() == codes.InvalidArgument {
				return NonRetryable(err)
			}
			return fmt.Errorf("submitting event: %w", err)
		}
		if !resp.Success && resp.Error != "" {
			return fmt.Errorf("event submission failed: %s", resp.Error)
		}
	}
	d.log.Debug("dispatched batch via unary submits", zap.Int("events", len(changes)))
	return nil
}

func (d *GRPCDispatcher) Close(_ context.Context) error {
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	d.client = nil
	return err
}
