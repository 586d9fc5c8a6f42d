package engine

import (
	"fmt"
	"time"
)

// ErrorContext records a plugin failure: the failing node's state, the node that
// stopped, an optional fixer node designated to attempt recovery, and whether the
// owning sequence halts.
type ErrorContext struct {
	// Graph is a snapshot of the failing node's state.
	Graph *AttributeGraph `json:"graph"`

	// Stopped is the node that failed.
	Stopped NodeID `json:"stopped"`

	// Fixer is the recovery node, or zero.
	Fixer NodeID `json:"fixer,omitempty"`

	// Symbol is the plugin symbol that failed.
	Symbol string `json:"symbol,omitempty"`

	// Err is the underlying failure.
	Err error `json:"-"`

	// At is when the failure was recorded.
	At time.Time `json:"at"`

	stopOnError bool
}

// NewErrorContext creates an error context for a failed node.
func NewErrorContext(stopped NodeID, graph *AttributeGraph, err error) *ErrorContext {
	return &ErrorContext{
		Graph:   graph.Clone(),
		Stopped: stopped,
		Err:     err,
		At:      time.Now(),
	}
}

// WithFixer designates a fixer node.
func (e *ErrorContext) WithFixer(fixer NodeID) *ErrorContext {
	e.Fixer = fixer
	return e
}

// WithStopOnError sets whether the owning sequence halts.
func (e *ErrorContext) WithStopOnError(stop bool) *ErrorContext {
	e.stopOnError = stop
	return e
}

// WithSymbol records the failing plugin symbol.
func (e *ErrorContext) WithSymbol(symbol string) *ErrorContext {
	e.Symbol = symbol
	return e
}

// StopOnError reports whether the owning sequence halts until a command releases it.
func (e *ErrorContext) StopOnError() bool {
	return e.stopOnError
}

// HasFixer reports whether a fixer node was designated.
func (e *ErrorContext) HasFixer() bool {
	return e.Fixer != 0
}

// Message returns the failure message.
func (e *ErrorContext) Message() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// Error implements the error interface.
func (e *ErrorContext) Error() string {
	return fmt.Sprintf("node %d stopped: %s", e.Stopped, e.Message())
}

// Unwrap returns the underlying failure.
func (e *ErrorContext) Unwrap() error {
	return e.Err
}

// ThunkContext returns a context carrying the error graph, used as the previous state
// of a fixer node.
func (e *ErrorContext) ThunkContext() *ThunkContext {
	g := e.Graph.Clone()
	g.Set("error", e.Message())
	g.Set("stopped", int64(e.Stopped))
	tc := NewThunkContext(e.Stopped, g)
	return tc
}
