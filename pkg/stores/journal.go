package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/loom/pkg/engine"
)

const listenerWriteTimeout = 5 * time.Second

// RunJournal binds a Store to one run. It records every command the scheduler handles
// and, as a listener, every error context and completed event.
type RunJournal struct {
	engine.NopListener

	store  Store
	runID  string
	logger zerolog.Logger
}

var (
	_ engine.CommandJournal = (*RunJournal)(nil)
	_ engine.Listener       = (*RunJournal)(nil)
)

// NewRunJournal creates a journal writing rows for runID.
func NewRunJournal(store Store, runID string, logger zerolog.Logger) *RunJournal {
	return &RunJournal{
		store:  store,
		runID:  runID,
		logger: logger.With().Str("component", "journal").Str("run_id", runID).Logger(),
	}
}

// RunID returns the run the journal writes to.
func (j *RunJournal) RunID() string {
	return j.runID
}

// Start creates the run row in the running state.
func (j *RunJournal) Start(ctx context.Context, graphPath string, metadata map[string]any) error {
	meta := "{}"
	if len(metadata) > 0 {
		data, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("failed to encode run metadata: %w", err)
		}
		meta = string(data)
	}
	return j.store.CreateRun(ctx, &Run{
		ID:        j.runID,
		GraphPath: graphPath,
		Status:    RunStatusRunning,
		Metadata:  meta,
	})
}

// Finish closes the run with status, storing the error message if any.
func (j *RunJournal) Finish(ctx context.Context, status RunStatus, runErr error) error {
	var msg *string
	if runErr != nil {
		m := runErr.Error()
		msg = &m
	}
	return j.store.UpdateRunStatus(ctx, j.runID, status, msg)
}

// Checkpoint persists the current view of every node.
func (j *RunJournal) Checkpoint(ctx context.Context, snapshots []*engine.NodeSnapshot) error {
	return j.store.SaveSnapshots(ctx, j.runID, snapshots)
}

// RecordCommand implements engine.CommandJournal.
func (j *RunJournal) RecordCommand(ctx context.Context, cmd engine.NodeCommand, outcome, reason string) error {
	graph, err := marshalGraph(cmd.Graph)
	if err != nil {
		return fmt.Errorf("failed to encode command graph: %w", err)
	}
	return j.store.AppendCommand(ctx, &CommandRecord{
		RunID:     j.runID,
		CommandID: nullString(cmd.ID),
		Kind:      cmd.Kind,
		Node:      cmd.Node,
		Name:      nullString(cmd.Name),
		From:      cmd.From,
		To:        cmd.To,
		Graph:     graph,
		Outcome:   outcome,
		Reason:    nullString(reason),
	})
}

// OnErrorContext implements engine.Listener.
func (j *RunJournal) OnErrorContext(ec *engine.ErrorContext) {
	graph, err := marshalGraph(ec.Graph)
	if err != nil {
		j.logger.Warn().Err(err).Uint32("node", uint32(ec.Stopped)).Msg("Error context graph not encodable")
	}

	ctx, cancel := context.WithTimeout(context.Background(), listenerWriteTimeout)
	defer cancel()

	err = j.store.AppendErrorContext(ctx, &ErrorContextRecord{
		RunID:       j.runID,
		Node:        ec.Stopped,
		Fixer:       ec.Fixer,
		Symbol:      nullString(ec.Symbol),
		Code:        engine.ErrorCode(ec.Err),
		Message:     ec.Message(),
		StopOnError: ec.StopOnError(),
		Graph:       graph,
		RecordedAt:  ec.At,
	})
	if err != nil {
		j.logger.Warn().Err(err).Uint32("node", uint32(ec.Stopped)).Msg("Failed to journal error context")
	}
}

// OnCompletedEvent implements engine.Listener.
func (j *RunJournal) OnCompletedEvent(id engine.NodeID) {
	ctx, cancel := context.WithTimeout(context.Background(), listenerWriteTimeout)
	defer cancel()

	if err := j.store.MarkNodeStatus(ctx, j.runID, id, engine.StatusCompleted); err != nil {
		j.logger.Warn().Err(err).Uint32("node", uint32(id)).Msg("Failed to journal completed event")
	}
}
