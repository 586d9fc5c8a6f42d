package engine

import (
	"context"
	"time"
)

// Recorder receives scheduler measurements. pkg/telemetry provides a Prometheus
// implementation.
type Recorder interface {
	// RecordTick records one tick and the measured frequency.
	RecordTick(frequency float64)

	// RecordStatuses records how many nodes hold each status.
	RecordStatuses(counts map[EventStatus]int)

	// RecordOperation records a finished operation with outcome completed, failed or cancelled.
	RecordOperation(symbol, outcome string, duration time.Duration)

	// RecordCommand records a node command with outcome applied, denied or failed.
	RecordCommand(kind CommandKind, outcome string)

	// RecordError records a failure by error code.
	RecordError(code string)

	// RecordConnection records the latency of one arrival across a connection.
	RecordConnection(from, to NodeID, duration time.Duration)
}

// Admission is the outcome of an admission check.
type Admission struct {
	Allowed bool     `json:"allowed"`
	Reasons []string `json:"reasons,omitempty"`
}

// Admitter decides whether a node command may be applied. pkg/policy provides an
// OPA-backed implementation.
type Admitter interface {
	Admit(ctx context.Context, cmd NodeCommand, target *NodeSnapshot) (*Admission, error)
}

// CommandJournal records every node command the scheduler handles. pkg/stores provides a
// SQLite implementation.
type CommandJournal interface {
	RecordCommand(ctx context.Context, cmd NodeCommand, outcome, reason string) error
}

// Command outcomes.
const (
	OutcomeApplied = "applied"
	OutcomeDenied  = "denied"
	OutcomeFailed  = "failed"
)

// Operation outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
)

// NodeSnapshot is a read-only view of a node for admission, journaling and inspection.
type NodeSnapshot struct {
	ID         NodeID          `json:"id"`
	Name       string          `json:"name"`
	Kind       NodeKind        `json:"kind"`
	Symbol     string          `json:"symbol,omitempty"`
	Status     EventStatus     `json:"status"`
	Engine     string          `json:"engine,omitempty"`
	Transition TransitionKind  `json:"transition"`
	Runs       int             `json:"runs"`
	Attributes *AttributeGraph `json:"attributes,omitempty"`
}

// EngineStatus is the derived state of one engine.
type EngineStatus struct {
	Engine NodeID      `json:"engine"`
	Name   string      `json:"name"`
	State  EngineState `json:"state"`
}

type nopRecorder struct{}

func (nopRecorder) RecordTick(float64) {}
func (nopRecorder) RecordStatuses(map[EventStatus]int) {}
func (nopRecorder) RecordOperation(string, string, time.Duration) {}
func (nopRecorder) RecordCommand(CommandKind, string) {}
func (nopRecorder) RecordError(string) {}
func (nopRecorder) RecordConnection(NodeID, NodeID, time.Duration) {}
