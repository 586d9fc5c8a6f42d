package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a local failure that is recovered with a log line.
	// Examples: broker channel full, broker channel closed.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassLookup indicates a lookup miss against the world.
	// Examples: unknown node identity, unknown engine or operation name.
	ErrorClassLookup ErrorClass = "lookup"

	// ErrorClassPlugin indicates a failure raised by plugin work.
	// These are captured as an ErrorContext and surfaced to listeners.
	ErrorClassPlugin ErrorClass = "plugin"

	// ErrorClassValidation indicates invalid input such as a malformed graph or command.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: cancelling an operation twice, a denied command.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Node is the node identity that caused the error, if applicable.
	Node NodeID `json:"node,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Node != 0 && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (node=%d, operation=%s): %s",
			e.Class, e.Message, e.Node, e.Operation, e.unwrapMessage())
	}
	if e.Node != 0 {
		return fmt.Sprintf("[%s] %s (node=%d): %s",
			e.Class, e.Message, e.Node, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error comparison for errors.Is.
// Two engine errors match when their class and code match.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewLookupError creates a new lookup error.
func NewLookupError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassLookup,
		Message: message,
		Err:     err,
	}
}

// NewPluginError creates a new plugin failure error.
func NewPluginError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPlugin,
		Message: message,
		Code:    ErrCodePluginFailure,
		Err:     err,
	}
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassValidation,
		Message: message,
		Code:    ErrCodeValidation,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithNode adds a node identity to the error.
func (e *EngineError) WithNode(id NodeID) *EngineError {
	e.Node = id
	return e
}

// WithOperation adds operation context to the error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail key-value pair.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Common error codes.
const (
	// ErrCodeUnknownNode indicates a node identity is not present in the world.
	ErrCodeUnknownNode = "UNKNOWN_NODE"

	// ErrCodeAlreadySignalled indicates a cancellation channel was already used.
	ErrCodeAlreadySignalled = "ALREADY_SIGNALLED"

	// ErrCodeChannelClosed indicates a broker channel has been closed.
	ErrCodeChannelClosed = "CHANNEL_CLOSED"

	// ErrCodeChannelFull indicates a broker channel is at capacity.
	ErrCodeChannelFull = "CHANNEL_FULL"

	// ErrCodePluginFailure indicates plugin work returned an error.
	ErrCodePluginFailure = "PLUGIN_FAILURE"

	// ErrCodePluginNotFound indicates no plugin is registered for a symbol.
	ErrCodePluginNotFound = "PLUGIN_NOT_FOUND"

	// ErrCodeValidation indicates input validation failed.
	ErrCodeValidation = "VALIDATION_FAILED"

	// ErrCodeInvalidCommand indicates a node command cannot be applied.
	ErrCodeInvalidCommand = "INVALID_COMMAND"

	// ErrCodeNotFound indicates a named engine, operation or handler was not found.
	ErrCodeNotFound = "NOT_FOUND"

	// ErrCodeDenied indicates a node command was rejected by admission.
	ErrCodeDenied = "DENIED"
)

// Sentinel errors usable with errors.Is.
var (
	ErrUnknownNode      = &EngineError{Class: ErrorClassLookup, Code: ErrCodeUnknownNode, Message: "unknown node"}
	ErrAlreadySignalled = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeAlreadySignalled, Message: "already signalled"}
	ErrChannelClosed    = &EngineError{Class: ErrorClassTransient, Code: ErrCodeChannelClosed, Message: "channel closed"}
	ErrChannelFull      = &EngineError{Class: ErrorClassTransient, Code: ErrCodeChannelFull, Message: "channel full"}
)

func unknownNode(id NodeID) *EngineError {
	return NewLookupError("node not found", nil).WithCode(ErrCodeUnknownNode).WithNode(id)
}

func hasCode(err error, code string) bool {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr.Code == code
	}
	return false
}

// IsUnknownNode checks if an error is an unknown node lookup miss.
func IsUnknownNode(err error) bool {
	return hasCode(err, ErrCodeUnknownNode)
}

// IsAlreadySignalled checks if an error reports a repeated cancellation.
func IsAlreadySignalled(err error) bool {
	return hasCode(err, ErrCodeAlreadySignalled)
}

// IsChannelFull checks if an error reports a full broker channel.
func IsChannelFull(err error) bool {
	return hasCode(err, ErrCodeChannelFull)
}

// IsChannelClosed checks if an error reports a closed broker channel.
func IsChannelClosed(err error) bool {
	return hasCode(err, ErrCodeChannelClosed)
}

// IsPluginFailure checks if an error originated in plugin work.
func IsPluginFailure(err error) bool {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr.Class == ErrorClassPlugin
	}
	return false
}

// IsTransient checks if an error is recovered locally.
func IsTransient(err error) bool {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr.Class == ErrorClassTransient
	}
	return false
}

// ErrorCode returns the code of an engine error, or "UNKNOWN" for other errors.
func ErrorCode(err error) string {
	var engineErr *EngineError
	if errors.As(err, &engineErr) && engineErr.Code != "" {
		return engineErr.Code
	}
	return "UNKNOWN"
}
