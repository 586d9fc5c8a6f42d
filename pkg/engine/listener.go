package engine

import "github.com/rs/zerolog"

// Listener observes the tick loop. Implementations must not mutate the graph; all
// mutation goes through NodeCommand.
type Listener interface {
	OnStatusUpdate(update StatusUpdate)
	OnOperation(op *Operation)
	OnCompletion(c Completion)
	OnCompletedEvent(id NodeID)
	OnErrorContext(ec *ErrorContext)
}

// NopListener ignores every notification. Embed it to implement a subset of Listener.
type NopListener struct{}

// OnStatusUpdate implements Listener.
func (NopListener) OnStatusUpdate(StatusUpdate) {}

// OnOperation implements Listener.
func (NopListener) OnOperation(*Operation) {}

// OnCompletion implements Listener.
func (NopListener) OnCompletion(Completion) {}

// OnCompletedEvent implements Listener.
func (NopListener) OnCompletedEvent(NodeID) {}

// OnErrorContext implements Listener.
func (NopListener) OnErrorContext(*ErrorContext) {}

// LoggingListener writes every notification to a zerolog logger.
type LoggingListener struct {
	logger zerolog.Logger
}

// NewLoggingListener creates a listener logging through logger.
func NewLoggingListener(logger zerolog.Logger) *LoggingListener {
	return &LoggingListener{logger: logger.With().Str("component", "listener").Logger()}
}

// OnStatusUpdate implements Listener.
func (l *LoggingListener) OnStatusUpdate(u StatusUpdate) {
	l.logger.Debug().
		Uint32("node", uint32(u.Node)).
		Float64("progress", u.Progress).
		Str("message", u.Message).
		Msg("Status update")
}

// OnOperation implements Listener.
func (l *LoggingListener) OnOperation(op *Operation) {
	l.logger.Debug().Str("operation", op.Address()).Msg("Operation received")
}

// OnCompletion implements Listener.
func (l *LoggingListener) OnCompletion(c Completion) {
	event := l.logger.Debug().
		Uint32("node", uint32(c.Node)).
		Str("symbol", c.Symbol).
		Dur("duration", c.Duration)
	if c.Guest != "" {
		event = event.Str("guest", c.Guest)
	}
	if c.Err != "" {
		event = event.Str("error", c.Err)
	}
	event.Msg("Task completed")
}

// OnCompletedEvent implements Listener.
func (l *LoggingListener) OnCompletedEvent(id NodeID) {
	l.logger.Debug().Uint32("node", uint32(id)).Msg("Event completed")
}

// OnErrorContext implements Listener.
func (l *LoggingListener) OnErrorContext(ec *ErrorContext) {
	l.logger.Error().
		Err(ec.Err).
		Uint32("node", uint32(ec.Stopped)).
		Uint32("fixer", uint32(ec.Fixer)).
		Bool("stop_on_error", ec.StopOnError()).
		Msg("Plugin failure")
}

// MultiListener fans notifications out to several listeners in order.
type MultiListener []Listener

// OnStatusUpdate implements Listener.
func (m MultiListener) OnStatusUpdate(u StatusUpdate) {
	for _, l := range m {
		l.OnStatusUpdate(u)
	}
}

// OnOperation implements Listener.
func (m MultiListener) OnOperation(op *Operation) {
	for _, l := range m {
		l.OnOperation(op)
	}
}

// OnCompletion implements Listener.
func (m MultiListener) OnCompletion(c Completion) {
	for _, l := range m {
		l.OnCompletion(c)
	}
}

// OnCompletedEvent implements Listener.
func (m MultiListener) OnCompletedEvent(id NodeID) {
	for _, l := range m {
		l.OnCompletedEvent(id)
	}
}

// OnErrorContext implements Listener.
func (m MultiListener) OnErrorContext(ec *ErrorContext) {
	for _, l := range m {
		l.OnErrorContext(ec)
	}
}
