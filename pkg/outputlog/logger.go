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

// Package outputlog persists the records an observer sees: to the console,
// to rotating line-delimited JSON files, or into metric aggregations. A
// logger belongs to exactly one component and is driven from that
// component's worker, so implementations need no locking.
package outputlog

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/drasi-project/test-run-host/pkg/records"
)

// Result is the end-of-run report of one logger.
type Result struct {
	HasOutput        bool   `json:"has_output"`
	LoggerName       string `json:"logger_name"`
	OutputFolderPath string `json:"output_folder_path,omitempty"`
}

// Logger persists observed records in declaration order.
type Logger interface {
	// LogRecord persists one record. The observer counts and logs a returned
	// error and goes on; no logger error terminates the observer.
	LogRecord(rec *records.HandlerRecord) error
	// EndTestRun flushes and closes the logger and reports what it produced.
	EndTestRun() (Result, error)
}

// Logger kinds.
const (
	KindConsole            = "Console"
	KindJSONLFile          = "JsonlFile"
	KindPerformanceMetrics = "PerformanceMetrics"
)

// Config selects and tunes one output logger.
type Config struct {
	Kind string `json:"kind" validate:"required,oneof=Console JsonlFile PerformanceMetrics"`

	// Console
	DateTimeFormat string `json:"date_time_format,omitempty"`

	// JsonlFile
	MaxLinesPerFile uint64 `json:"max_lines_per_file,omitempty"`
}

// New builds a logger from its configuration. outputDir is the component's
// output folder; file-producing loggers create their own subdirectory in it.
func New(cfg Config, outputDir string, log *zap.Logger) (Logger, error) {
	switch cfg.Kind {
	case KindConsole:
		return NewConsole(cfg.DateTimeFormat), nil
	case KindJSONLFile:
		return NewJSONLFile(outputDir, cfg.MaxLinesPerFile)
	case KindPerformanceMetrics:
		return NewPerformanceMetrics(outputDir, log)
	default:
		return nil, fmt.Errorf("unknown output logger kind %q", cfg.Kind)
	}
}

// NewAll builds the configured loggers in declaration order.
func NewAll(cfgs []Config, outputDir string, log *zap.Logger) ([]Logger, error) {
	loggers := make([]Logger, 0, len(cfgs))
	for _, cfg := range cfgs {
		logger, err := New(cfg, outputDir, log)
		if err != nil {
			return nil, err
		}
		loggers = append(loggers, logger)
	}
	return loggers, nil
}
