package telemetry

import (
	"context"
	"sync"

	"github.com/openfroyo/loom/pkg/engine"
)

// Listener fans scheduler notifications into logs and events. Metrics arrive through
// the Metrics recorder instead.
type Listener struct {
	engine.NopListener

	logger *Logger
	events *EventPublisher
	runID  string

	mu      sync.Mutex
	engines map[engine.NodeID]engine.EngineState
}

var _ engine.Listener = (*Listener)(nil)

// NewListener creates a listener publishing events for runID.
func NewListener(logger *Logger, events *EventPublisher, runID string) *Listener {
	if logger == nil {
		logger = NopLogger()
	}
	return &Listener{
		logger:  logger.NewComponentLogger("telemetry").WithRunID(runID),
		events:  events,
		runID:   runID,
		engines: make(map[engine.NodeID]engine.EngineState),
	}
}

// OnStatusUpdate implements engine.Listener.
func (l *Listener) OnStatusUpdate(u engine.StatusUpdate) {
	l.logger.WithNode(u.Node).
		WithField("progress", u.Progress).
		WithField("message", u.Message).
		Debug("Progress")
}

// OnCompletion implements engine.Listener. Only completions forwarded from guests are
// published; local ones are covered by OnCompletedEvent.
func (l *Listener) OnCompletion(c engine.Completion) {
	if c.Guest == "" {
		return
	}
	l.publish(Event{
		Type:    EventTypeGuestCompletion,
		Node:    uint32(c.Node),
		Message: "Guest operation completed",
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"guest":  c.Guest,
			"symbol": c.Symbol,
			"error":  c.Err,
		},
	})
}

// OnCompletedEvent implements engine.Listener.
func (l *Listener) OnCompletedEvent(id engine.NodeID) {
	l.logger.WithNode(id).Debug("Event completed")
	l.publish(Event{
		Type:    EventTypeEventCompleted,
		Node:    uint32(id),
		Message: "Event completed",
		Level:   EventLevelInfo,
	})
}

// OnErrorContext implements engine.Listener.
func (l *Listener) OnErrorContext(ec *engine.ErrorContext) {
	logger := l.logger.WithNode(ec.Stopped).WithError(ec.Err)
	if ec.StopOnError() {
		logger.Warn("Event stopped on error")
	} else {
		logger.Debug("Event failed, continuing")
	}
	l.publish(Event{
		Type:    EventTypeErrorContext,
		Node:    uint32(ec.Stopped),
		Message: ec.Message(),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"symbol":        ec.Symbol,
			"fixer":         uint32(ec.Fixer),
			"stop_on_error": ec.StopOnError(),
			"code":          engine.ErrorCode(ec.Err),
		},
	})
}

// ObserveEngines publishes an event for every engine whose state changed since the last
// call.
func (l *Listener) ObserveEngines(statuses []engine.EngineStatus) {
	l.mu.Lock()
	var changed []engine.EngineStatus
	for _, st := range statuses {
		if prev, ok := l.engines[st.Engine]; ok && prev == st.State {
			continue
		}
		l.engines[st.Engine] = st.State
		changed = append(changed, st)
	}
	l.mu.Unlock()

	for _, st := range changed {
		l.logger.WithEngine(st.Name).WithField("state", string(st.State)).Debug("Engine state")
		l.publish(Event{
			Type:    EventTypeEngineState,
			Node:    uint32(st.Engine),
			Engine:  st.Name,
			Message: "Engine " + st.Name + " is " + string(st.State),
			Level:   EventLevelInfo,
			Data:    map[string]interface{}{"state": string(st.State)},
		})
	}
}

func (l *Listener) publish(ev Event) {
	if l.events == nil {
		return
	}
	ev.Source = "scheduler"
	ev.RunID = l.runID
	if err := l.events.Publish(ev); err != nil {
		l.logger.WithError(err).WithField("type", ev.Type).Debug("Event not published")
	}
}

// CommandTap is an engine.CommandJournal that publishes denied commands and forwards
// every record to an optional next journal.
type CommandTap struct {
	next   engine.CommandJournal
	events *EventPublisher
	logger *Logger
	runID  string
}

var _ engine.CommandJournal = (*CommandTap)(nil)

// NewCommandTap creates a tap in front of next, which may be nil.
func NewCommandTap(next engine.CommandJournal, events *EventPublisher, logger *Logger, runID string) *CommandTap {
	if logger == nil {
		logger = NopLogger()
	}
	return &CommandTap{
		next:   next,
		events: events,
		logger: logger.NewComponentLogger("policy").WithRunID(runID),
		runID:  runID,
	}
}

// RecordCommand implements engine.CommandJournal.
func (t *CommandTap) RecordCommand(ctx context.Context, cmd engine.NodeCommand, outcome, reason string) error {
	if outcome == engine.OutcomeDenied && t.events != nil {
		err := t.events.Publish(Event{
			Type:    EventTypeCommandDenied,
			Source:  "policy",
			RunID:   t.runID,
			Node:    uint32(cmd.Node),
			Message: reason,
			Level:   EventLevelWarning,
			Data:    map[string]interface{}{"command": cmd.String()},
		})
		if err != nil {
			t.logger.WithNode(cmd.Node).WithError(err).Debug("Denied command event not published")
		}
	}
	if t.next == nil {
		return nil
	}
	return t.next.RecordCommand(ctx, cmd, outcome, reason)
}
