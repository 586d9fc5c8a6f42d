package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openfroyo/loom/pkg/engine"
)

// Metrics provides Prometheus metrics for the scheduler. It implements engine.Recorder.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Tick metrics
	ticks         prometheus.Counter
	tickFrequency prometheus.Gauge
	nodeStatus    *prometheus.GaugeVec

	// Operation metrics
	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec

	// Command metrics
	commands *prometheus.CounterVec

	// Error metrics
	errorsByCode *prometheus.CounterVec
	brokerDrops  prometheus.Counter

	connectionLatency *prometheus.HistogramVec

	registry *prometheus.Registry
}

var _ engine.Recorder = (*Metrics)(nil)

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of runs started",
			},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		ticks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ticks_total",
				Help:      "Total number of scheduler ticks",
			},
		),
		tickFrequency: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tick_frequency_hertz",
				Help:      "Measured tick frequency",
			},
		),
		nodeStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "nodes",
				Help:      "Current number of nodes by status",
			},
			[]string{"status"},
		),

		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of finished operations",
			},
			[]string{"symbol", "outcome"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of operations in seconds",
				Buckets:   buckets,
			},
			[]string{"symbol"},
		),

		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Total number of node commands handled",
			},
			[]string{"kind", "outcome"},
		),

		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
		brokerDrops: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "broker_drops_total",
				Help:      "Total number of broker sends dropped on a full channel",
			},
		),

		connectionLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connection_latency_seconds",
				Help:      "Time from arrival start to completion across a connection",
				Buckets:   buckets,
			},
			[]string{"from", "to"},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.ticks,
		m.tickFrequency,
		m.nodeStatus,
		m.operations,
		m.operationDuration,
		m.commands,
		m.errorsByCode,
		m.brokerDrops,
		m.connectionLatency,
	)

	return m, nil
}

// Registry returns the metrics registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted() {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordTick implements engine.Recorder.
func (m *Metrics) RecordTick(frequency float64) {
	if m.ticks == nil {
		return
	}
	m.ticks.Inc()
	m.tickFrequency.Set(frequency)
}

// RecordStatuses implements engine.Recorder.
func (m *Metrics) RecordStatuses(counts map[engine.EventStatus]int) {
	if m.nodeStatus == nil {
		return
	}
	m.nodeStatus.Reset()
	for status, n := range counts {
		m.nodeStatus.WithLabelValues(string(status)).Set(float64(n))
	}
}

// RecordOperation implements engine.Recorder.
func (m *Metrics) RecordOperation(symbol, outcome string, duration time.Duration) {
	if m.operations == nil {
		return
	}
	m.operations.WithLabelValues(symbol, outcome).Inc()
	m.operationDuration.WithLabelValues(symbol).Observe(duration.Seconds())
}

// RecordCommand implements engine.Recorder.
func (m *Metrics) RecordCommand(kind engine.CommandKind, outcome string) {
	if m.commands == nil {
		return
	}
	m.commands.WithLabelValues(string(kind), outcome).Inc()
}

// RecordError implements engine.Recorder. Full-channel errors also count as broker drops.
func (m *Metrics) RecordError(code string) {
	if m.errorsByCode == nil || code == "" {
		return
	}
	m.errorsByCode.WithLabelValues(code).Inc()
	if code == engine.ErrCodeChannelFull {
		m.brokerDrops.Inc()
	}
}

// RecordConnection implements engine.Recorder.
func (m *Metrics) RecordConnection(from, to engine.NodeID, duration time.Duration) {
	if m.connectionLatency == nil {
		return
	}
	m.connectionLatency.
		WithLabelValues(strconv.FormatUint(uint64(from), 10), strconv.FormatUint(uint64(to), 10)).
		Observe(duration.Seconds())
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint on addr until ctx is done. It returns nil when
// metrics are disabled or addr is empty.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	if !m.config.Enabled || addr == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
