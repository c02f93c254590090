// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	SnapshotsIngested *prometheus.CounterVec
	RecordsSkipped    prometheus.Counter
	CollectorWindows  prometheus.Counter
	AnalysisRuns      *prometheus.CounterVec

	// Histograms (seconds)
	StageDuration *prometheus.HistogramVec

	// Gauges
	ChannelsTracked     prometheus.Gauge
	GraphNodes          prometheus.Gauge
	GraphEdges          prometheus.Gauge
	CommunitiesDetected prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		SnapshotsIngested = promauto.NewCounterVec(prometheus.CounterOpts{Name: "atlas_snapshots_ingested_total", Help: "Presence snapshots persisted, by source"}, []string{"source"})
		RecordsSkipped = promauto.NewCounter(prometheus.CounterOpts{Name: "atlas_records_skipped_total", Help: "Chat records dropped during ingestion (malformed or missing a login)"})
		CollectorWindows = promauto.NewCounter(prometheus.CounterOpts{Name: "atlas_collector_windows_total", Help: "Live collection windows flushed"})
		AnalysisRuns = promauto.NewCounterVec(prometheus.CounterOpts{Name: "atlas_analysis_runs_total", Help: "Analysis runs by terminal status"}, []string{"status"})
		StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "atlas_stage_duration_seconds", Help: "Analysis pipeline stage duration in seconds", Buckets: []float64{0.01, 0.05, 0.25, 1, 5, 15, 60, 300}}, []string{"stage"})
		ChannelsTracked = promauto.NewGauge(prometheus.GaugeOpts{Name: "atlas_channels_tracked", Help: "Channels currently joined by the live collector"})
		GraphNodes = promauto.NewGauge(prometheus.GaugeOpts{Name: "atlas_graph_nodes", Help: "Nodes in the overlap graph of the most recent run"})
		GraphEdges = promauto.NewGauge(prometheus.GaugeOpts{Name: "atlas_graph_edges", Help: "Edges in the overlap graph of the most recent run"})
		CommunitiesDetected = promauto.NewGauge(prometheus.GaugeOpts{Name: "atlas_communities_detected", Help: "Communities found by the most recent run"})
	})
}

// SetGraphSize records the node and edge counts of the latest overlap graph.
func SetGraphSize(nodes, edges int) {
	if GraphNodes != nil {
		GraphNodes.Set(float64(nodes))
	}
	if GraphEdges != nil {
		GraphEdges.Set(float64(edges))
	}
}

// RecordRun counts a finished analysis run under its terminal status.
func RecordRun(status string) {
	if AnalysisRuns != nil {
		AnalysisRuns.WithLabelValues(status).Inc()
	}
}

// TimeFunc measures the duration of fn and records it in obs if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with a corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
