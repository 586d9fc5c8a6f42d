package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Telemetry combines logging, tracing, metrics and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment, cfg.ResourceAttributes)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// Shutdown drains events and flushes traces, in reverse order of initialization.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}
	return t.Tracer.Shutdown(ctx)
}

// Flush forces all pending spans to be exported.
func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}

// RunScope instruments one scheduler run: a span, run metrics and run events.
type RunScope struct {
	Ctx    context.Context
	RunID  string
	Logger *Logger

	span  trace.Span
	timer *Timer
	tel   *Telemetry
}

// StartRun opens a run scope.
func (t *Telemetry) StartRun(ctx context.Context, runID, graph string) *RunScope {
	spanCtx, span := t.Tracer.StartRunSpan(ctx, runID, graph)
	logger := t.Logger.WithRunID(runID)
	if traceID := TraceID(spanCtx); traceID != "" {
		logger = logger.WithField("trace_id", traceID)
	}
	spanCtx = logger.WithContext(spanCtx)
	logger.Info("Run started")

	t.Metrics.RecordRunStarted()
	if err := t.Events.PublishRunStarted(runID, graph); err != nil {
		logger.WithError(err).Debug("Run started event not published")
	}

	return &RunScope{
		Ctx:    spanCtx,
		RunID:  runID,
		Logger: logger,
		span:   span,
		timer:  NewTimer(),
		tel:    t,
	}
}

// End closes the run scope with a status, recording the error if any.
func (r *RunScope) End(status string, err error) time.Duration {
	duration := r.timer.Duration()
	if err != nil {
		r.Logger.WithError(err).Error("Run ended with error")
		RecordError(r.span, err)
		if pubErr := r.tel.Events.PublishRunFailed(r.RunID, err.Error()); pubErr != nil {
			r.Logger.WithError(pubErr).Debug("Run failed event not published")
		}
	} else {
		RecordSuccess(r.span)
		if pubErr := r.tel.Events.PublishRunCompleted(r.RunID, status, duration); pubErr != nil {
			r.Logger.WithError(pubErr).Debug("Run completed event not published")
		}
	}
	r.span.End()
	r.tel.Metrics.RecordRunCompleted(status, duration)
	return duration
}
