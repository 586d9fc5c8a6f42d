package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultBrokerCapacity is the buffer size of each broker channel.
const DefaultBrokerCapacity = 256

// StatusUpdate is a progress report from plugin work.
type StatusUpdate struct {
	Node     NodeID    `json:"node"`
	Progress float64   `json:"progress"`
	Message  string    `json:"message,omitempty"`
	At       time.Time `json:"at"`
}

// Completion reports that a task finished.
type Completion struct {
	// Node is the node the task ran for.
	Node NodeID `json:"node"`

	// Symbol is the plugin symbol.
	Symbol string `json:"symbol,omitempty"`

	// Guest is the guest identity when the completion crossed a guest boundary.
	Guest string `json:"guest,omitempty"`

	// Returns is the resulting state.
	Returns *AttributeGraph `json:"returns,omitempty"`

	// Err is the failure message, if any.
	Err string `json:"error,omitempty"`

	// Duration is how long the task ran.
	Duration time.Duration `json:"duration"`

	At time.Time `json:"at"`
}

// CommandEnvelope pairs a node command with an optional yielding target.
type CommandEnvelope struct {
	Command  NodeCommand
	Yielding *Yielding
}

// Broker owns the sending half of the channels that carry asynchronous results back to
// the tick loop. It is safe for concurrent use; every send is non-blocking.
type Broker struct {
	mu     sync.RWMutex
	closed bool
	logger zerolog.Logger

	status      chan StatusUpdate
	completions chan Completion
	operations  chan *Operation
	commands    chan CommandEnvelope
	guests      chan *Guest
}

// PluginListener owns the receiving half of the broker channels. Exactly one consumer
// per world drains it.
type PluginListener struct {
	status      <-chan StatusUpdate
	completions <-chan Completion
	operations  <-chan *Operation
	commands    <-chan CommandEnvelope
	guests      <-chan *Guest
}

// NewBroker creates a broker and its listener with the given per-channel capacity.
func NewBroker(capacity int, logger zerolog.Logger) (*Broker, *PluginListener) {
	if capacity <= 0 {
		capacity = DefaultBrokerCapacity
	}

	b := &Broker{
		logger:      logger.With().Str("component", "broker").Logger(),
		status:      make(chan StatusUpdate, capacity),
		completions: make(chan Completion, capacity),
		operations:  make(chan *Operation, capacity),
		commands:    make(chan CommandEnvelope, capacity),
		guests:      make(chan *Guest, capacity),
	}
	l := &PluginListener{
		status:      b.status,
		completions: b.completions,
		operations:  b.operations,
		commands:    b.commands,
		guests:      b.guests,
	}
	return b, l
}

func channelFull(channel string) *EngineError {
	return NewTransientError("broker channel full", nil).
		WithCode(ErrCodeChannelFull).
		WithDetail("channel", channel)
}

func channelClosed(channel string) *EngineError {
	return NewTransientError("broker channel closed", nil).
		WithCode(ErrCodeChannelClosed).
		WithDetail("channel", channel)
}

// trySend performs a non-blocking send under the read lock so Close cannot race it.
func trySend[T any](b *Broker, ch chan T, v T, channel string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return channelClosed(channel)
	}
	select {
	case ch <- v:
		return nil
	default:
		return channelFull(channel)
	}
}

// TrySendStatus sends a status update.
func (b *Broker) TrySendStatus(u StatusUpdate) error {
	if u.At.IsZero() {
		u.At = time.Now()
	}
	return trySend(b, b.status, u, "status")
}

// TrySendCompletion sends a completion.
func (b *Broker) TrySendCompletion(c Completion) error {
	if c.At.IsZero() {
		c.At = time.Now()
	}
	return trySend(b, b.completions, c, "completions")
}

// TrySendOperation hands an operation to the tick loop. A started operation is tracked
// until it finishes; an unstarted one requests the adhoc operation of the same name.
func (b *Broker) TrySendOperation(op *Operation) error {
	return trySend(b, b.operations, op, "operations")
}

// TrySendCommand sends a node command with an optional yielding target.
func (b *Broker) TrySendCommand(cmd NodeCommand, y *Yielding) error {
	return trySend(b, b.commands, CommandEnvelope{Command: cmd, Yielding: y}, "commands")
}

// TrySendNodeCommand is the fire-and-forget form of TrySendCommand: failures are logged.
func (b *Broker) TrySendNodeCommand(cmd NodeCommand, y *Yielding) {
	if err := b.TrySendCommand(cmd, y); err != nil {
		b.logger.Warn().
			Err(err).
			Str("command", cmd.String()).
			Msg("Dropped node command")
	}
}

// TrySendGuest registers a guest with the tick loop.
func (b *Broker) TrySendGuest(g *Guest) error {
	return trySend(b, b.guests, g, "guests")
}

// Close closes every channel. Later sends fail with ErrChannelClosed.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	close(b.status)
	close(b.completions)
	close(b.operations)
	close(b.commands)
	close(b.guests)
}

// Closed reports whether Close was called.
func (b *Broker) Closed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

func tryNext[T any](ch <-chan T) (T, bool) {
	select {
	case v, ok := <-ch:
		return v, ok
	default:
		var zero T
		return zero, false
	}
}

func next[T any](ctx context.Context, ch <-chan T, channel string) (T, error) {
	var zero T
	select {
	case v, ok := <-ch:
		if !ok {
			return zero, channelClosed(channel)
		}
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// TryNextStatus receives a status update without blocking.
func (l *PluginListener) TryNextStatus() (StatusUpdate, bool) { return tryNext(l.status) }

// TryNextCompletion receives a completion without blocking.
func (l *PluginListener) TryNextCompletion() (Completion, bool) { return tryNext(l.completions) }

// TryNextOperation receives an operation without blocking.
func (l *PluginListener) TryNextOperation() (*Operation, bool) { return tryNext(l.operations) }

// TryNextCommand receives a node command without blocking.
func (l *PluginListener) TryNextCommand() (CommandEnvelope, bool) { return tryNext(l.commands) }

// TryNextGuest receives a guest registration without blocking.
func (l *PluginListener) TryNextGuest() (*Guest, bool) { return tryNext(l.guests) }

// NextStatus blocks for a status update.
func (l *PluginListener) NextStatus(ctx context.Context) (StatusUpdate, error) {
	return next(ctx, l.status, "status")
}

// NextCompletion blocks for a completion.
func (l *PluginListener) NextCompletion(ctx context.Context) (Completion, error) {
	return next(ctx, l.completions, "completions")
}

// NextOperation blocks for an operation.
func (l *PluginListener) NextOperation(ctx context.Context) (*Operation, error) {
	return next(ctx, l.operations, "operations")
}

// NextCommand blocks for a node command.
func (l *PluginListener) NextCommand(ctx context.Context) (CommandEnvelope, error) {
	return next(ctx, l.commands, "commands")
}

// NextGuest blocks for a guest registration.
func (l *PluginListener) NextGuest(ctx context.Context) (*Guest, error) {
	return next(ctx, l.guests, "guests")
}
