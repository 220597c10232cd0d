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

package outputlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"

	"github.com/drasi-project/test-run-host/pkg/records"
)

const (
	metricsSubdir      = "performance_metrics"
	metricsSummaryFile = "summary.json"

	metricsNamespace = "test_run_host"
	metricsSubsystem = "observer"
)

// Latency buckets for record processing delay (created → processed), tuned
// for in-process observation latencies.
var recordLatencyBuckets = []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5}

// PerformanceMetrics aggregates record counts and processing latency into a
// private prometheus registry and writes a JSON summary at end of run.
type PerformanceMetrics struct {
	dir string
	log *zap.Logger

	registry *prometheus.Registry
	count    *prometheus.CounterVec
	latency  prometheus.Histogram

	records uint64
}

func NewPerformanceMetrics(outputDir string, log *zap.Logger) (*PerformanceMetrics, error) {
	dir := filepath.Join(outputDir, metricsSubdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating metrics output dir: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}

	registry := prometheus.NewRegistry()
	count := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "records_total",
			Help:      "The number of records observed, by payload type.",
		},
		[]string{"payload_type"},
	)
	latency := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "record_latency_seconds",
			Help:      "Delay between record creation and processing.",
			Buckets:   recordLatencyBuckets,
		},
	)
	registry.MustRegister(count, latency)

	return &PerformanceMetrics{
		dir:      dir,
		log:      log.Named("performance-metrics"),
		registry: registry,
		count:    count,
		latency:  latency,
	}, nil
}

func (m *PerformanceMetrics) LogRecord(rec *records.HandlerRecord) error {
	m.count.WithLabelValues(rec.Payload.Type()).Inc()
	if rec.ProcessedTimeNS >= rec.CreatedTimeNS {
		m.latency.Observe(float64(rec.ProcessedTimeNS-rec.CreatedTimeNS) / 1e9)
	}
	m.records++
	return nil
}

// summary is the end-of-run JSON document.
type summary struct {
	RecordCount    uint64            `json:"record_count"`
	CountsByType   map[string]uint64 `json:"counts_by_type"`
	LatencySeconds latencySummary    `json:"latency_seconds"`
}

type latencySummary struct {
	Count uint64  `json:"count"`
	Sum   float64 `json:"sum"`
	Mean  float64 `json:"mean"`
}

func (m *PerformanceMetrics) EndTestRun() (Result, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return Result{}, fmt.Errorf("gathering metrics: %w", err)
	}

	s := summary{RecordCount: m.records, CountsByType: map[string]uint64{}}
	for _, family := range families {
		switch family.GetName() {
		case metricsNamespace + "_" + metricsSubsystem + "_records_total":
			for _, metric := range family.GetMetric() {
				s.CountsByType[labelValue(metric, "payload_type")] += uint64(metric.GetCounter().GetValue())
			}
		case metricsNamespace + "_" + metricsSubsystem + "_record_latency_seconds":
			for _, metric := range family.GetMetric() {
				h := metric.GetHistogram()
				s.LatencySeconds.Count = h.GetSampleCount()
				s.LatencySeconds.Sum = h.GetSampleSum()
				if h.GetSampleCount() > 0 {
					s.LatencySeconds.Mean = h.GetSampleSum() / float64(h.GetSampleCount())
				}
			}
		}
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return Result{}, err
	}
	path := filepath.Join(m.dir, metricsSummaryFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Result{}, fmt.Errorf("writing metrics summary: %w", err)
	}
	m.log.Debug("wrote metrics summary", zap.String("path", path), zap.Uint64("records", m.records))

	return Result{
		HasOutput:        m.records > 0,
		LoggerName:       KindPerformanceMetrics,
		OutputFolderPath: m.dir,
	}, nil
}

func labelValue(metric *dto.Metric, name string) string {
	for _, label := range metric.GetLabel() {
		if label.GetName() == name {
			return label.GetValue()
		}
	}
	return ""
}
