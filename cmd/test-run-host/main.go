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

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/drasi-project/test-run-host/pkg/host"
	"github.com/drasi-project/test-run-host/pkg/host/options"
	"github.com/drasi-project/test-run-host/pkg/storage"
)

func main() {
	opts := &options.Options{}
	fs := flag.NewFlagSet("test-run-host", flag.ExitOnError)
	opts.AddFlags(fs)
	lo.Must0(opts.Parse(fs, os.Args[1:]...))

	logger := newLogger(opts.LogLevel)
	defer logger.Sync() //nolint:errcheck // stderr sync is best-effort

	logger.Info("initial options", zap.String("options", opts.String()))

	store := lo.Must(storage.New(opts.StoragePath, opts.DeleteOnStart))
	h := host.New(store, logger)

	// The external control plane maps its REST surface 1:1 onto the host's
	// operation set; it attaches here.
	logger.Info("test run host ready", zap.String("storagePath", store.Root()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 4*host.ShutdownComponentTimeout)
	defer cancel()
	if err := h.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown finished with errors", zap.Error(err))
	}
	if opts.DeleteOnStop {
		if err := store.Delete(); err != nil {
			logger.Warn("deleting storage root", zap.Error(err))
		}
	}
}

func newLogger(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lo.Must(zapcore.ParseLevel(level)))
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return lo.Must(cfg.Build())
}
