package engine

import (
	"encoding/json"
	"fmt"
)

// EventStatus is the derived status of a single node.
type EventStatus string

const (
	// StatusScheduled indicates the node holds an operation placeholder that has not started.
	StatusScheduled EventStatus = "scheduled"

	// StatusNew indicates the node was activated but no operation exists yet.
	StatusNew EventStatus = "new"

	// StatusInProgress indicates the node's operation is running.
	StatusInProgress EventStatus = "in_progress"

	// StatusPaused indicates the node is in the paused set.
	StatusPaused EventStatus = "paused"

	// StatusReady indicates the operation finished and its result awaits the next cursor step.
	StatusReady EventStatus = "ready"

	// StatusCompleted indicates the result was consumed and the cursor advanced.
	StatusCompleted EventStatus = "completed"

	// StatusCancelled indicates the operation's cancellation was signalled.
	StatusCancelled EventStatus = "cancelled"

	// StatusInactive indicates the node has never been activated or was deactivated.
	StatusInactive EventStatus = "inactive"

	// StatusDisposed indicates a spawned node was removed by cleanup. Terminal.
	StatusDisposed EventStatus = "disposed"
)

// AllEventStatuses lists every status in a stable order.
var AllEventStatuses = []EventStatus{
	StatusScheduled, StatusNew, StatusInProgress, StatusPaused, StatusReady,
	StatusCompleted, StatusCancelled, StatusInactive, StatusDisposed,
}

// IsTerminal returns true for statuses that need no further tick work.
func (s EventStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusDisposed
}

// NeedsProgress returns true if the tick must start or advance the node.
func (s EventStatus) NeedsProgress() bool {
	return s == StatusNew || s == StatusScheduled || s == StatusReady
}

// IsActive returns true while the node holds live or pending work.
func (s EventStatus) IsActive() bool {
	return s == StatusNew || s == StatusScheduled || s == StatusInProgress ||
		s == StatusReady || s == StatusPaused
}

// Validate checks if the event status is valid.
func (s EventStatus) Validate() error {
	for _, known := range AllEventStatuses {
		if s == known {
			return nil
		}
	}
	return fmt.Errorf("invalid event status: %s", s)
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s EventStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *EventStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = EventStatus(str)
	return s.Validate()
}

// EngineState is the aggregate state of an engine.
type EngineState string

const (
	// EngineInactive indicates every node in the engine's sequence is inactive.
	EngineInactive EngineState = "inactive"

	// EngineActive indicates at least one node in the engine's sequence is not inactive.
	EngineActive EngineState = "active"

	// EngineDisposed indicates the engine's root node was disposed.
	EngineDisposed EngineState = "disposed"
)

// Validate checks if the engine state is valid.
func (s EngineState) Validate() error {
	switch s {
	case EngineInactive, EngineActive, EngineDisposed:
		return nil
	default:
		return fmt.Errorf("invalid engine state: %s", s)
	}
}

// RunStatus represents the overall status of a scheduler run.
type RunStatus string

const (
	// RunStatusRunning indicates the scheduler loop is executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates the root engine exited.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates the loop stopped with an error.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the loop was stopped by an external request.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}
