// Package telemetry provides the observability stack for loom: structured logging
// (zerolog), operation tracing (OpenTelemetry), metrics (Prometheus) and an event
// publisher.
//
// # Usage
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	listener := telemetry.NewListener(tel.Logger, tel.Events, runID)
//	s := engine.NewScheduler(world, registry,
//	    engine.WithLogger(tel.Logger.Zerolog()),
//	    engine.WithRecorder(tel.Metrics),
//	    engine.WithTracer(tel.Tracer.Tracer()),
//	    engine.WithListener(listener),
//	)
//
// Metrics implements engine.Recorder, Listener implements engine.Listener and
// CommandTap implements engine.CommandJournal.
//
// # Events
//
// Events are delivered to subscribers in publish order. With EnableAsync they are
// buffered and delivered from a background goroutine; a full buffer drops the event and
// Publish returns an error.
package telemetry
