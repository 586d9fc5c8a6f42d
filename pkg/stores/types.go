package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/openfroyo/loom/pkg/engine"
)

// RunStatus represents the status of a scheduler run
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the status ends a run.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// Run represents one scheduler run over a loaded graph
type Run struct {
	ID          string     `json:"id"`
	GraphPath   string     `json:"graph_path"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
	Metadata    string     `json:"metadata"` // JSON blob
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// CommandRecord is one journaled node command
type CommandRecord struct {
	ID         int64              `json:"id"`
	RunID      string             `json:"run_id"`
	CommandID  *string            `json:"command_id,omitempty"`
	Kind       engine.CommandKind `json:"kind"`
	Node       engine.NodeID      `json:"node"`
	Name       *string            `json:"name,omitempty"`
	From       engine.NodeID      `json:"from,omitempty"`
	To         engine.NodeID      `json:"to,omitempty"`
	Graph      *string            `json:"graph,omitempty"` // JSON blob
	Outcome    string             `json:"outcome"`
	Reason     *string            `json:"reason,omitempty"`
	RecordedAt time.Time          `json:"recorded_at"`
}

// ErrorContextRecord is one journaled error context
type ErrorContextRecord struct {
	ID          int64         `json:"id"`
	RunID       string        `json:"run_id"`
	Node        engine.NodeID `json:"node"`
	Fixer       engine.NodeID `json:"fixer,omitempty"`
	Symbol      *string       `json:"symbol,omitempty"`
	Code        string        `json:"code"`
	Message     string        `json:"message"`
	StopOnError bool          `json:"stop_on_error"`
	Graph       *string       `json:"graph,omitempty"` // JSON blob
	RecordedAt  time.Time     `json:"recorded_at"`
}

// NodeSnapshotRecord is the last persisted view of a node within a run
type NodeSnapshotRecord struct {
	RunID      string        `json:"run_id"`
	Node       engine.NodeID `json:"node"`
	Name       string        `json:"name"`
	Kind       string        `json:"kind"`
	Symbol     *string       `json:"symbol,omitempty"`
	Status     string        `json:"status"`
	Engine     *string       `json:"engine,omitempty"`
	Transition *string       `json:"transition,omitempty"`
	Runs       int           `json:"runs"`
	Attributes *string       `json:"attributes,omitempty"` // JSON blob
	UpdatedAt  time.Time     `json:"updated_at"`
}

// Store defines the interface for the run journal
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRunStatus(ctx context.Context, id string, status RunStatus, err *string) error
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Command operations
	AppendCommand(ctx context.Context, rec *CommandRecord) error
	ListCommands(ctx context.Context, runID string, outcome *string, limit, offset int) ([]*CommandRecord, error)

	// Error context operations
	AppendErrorContext(ctx context.Context, rec *ErrorContextRecord) error
	ListErrorContexts(ctx context.Context, runID string) ([]*ErrorContextRecord, error)

	// Snapshot operations
	SaveSnapshots(ctx context.Context, runID string, snapshots []*engine.NodeSnapshot) error
	MarkNodeStatus(ctx context.Context, runID string, node engine.NodeID, status engine.EventStatus) error
	ListSnapshots(ctx context.Context, runID string) ([]*NodeSnapshotRecord, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
