package stores

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/loom/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: MemoryPath,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createTestRun(t *testing.T, store *SQLiteStore, id string, startedAt time.Time) {
	t.Helper()
	run := &Run{
		ID:        id,
		GraphPath: "graphs/" + id + ".cue",
		Status:    RunStatusRunning,
		StartedAt: startedAt,
	}
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("failed to create run %s: %v", id, err)
	}
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: MemoryPath})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"runs", "commands", "error_contexts", "node_snapshots"}
	for _, table := range tables {
		var count int
		err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Running migrations again is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second migration failed: %v", err)
	}
}

func TestRunCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := &Run{
		ID:        "run-001",
		GraphPath: "graphs/pipeline.cue",
		Status:    RunStatusPending,
		Metadata:  `{"env":"test"}`,
	}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	if run.StartedAt.IsZero() || run.CreatedAt.IsZero() {
		t.Error("expected timestamps to be defaulted")
	}

	retrieved, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if retrieved.GraphPath != run.GraphPath {
		t.Errorf("expected GraphPath %s, got %s", run.GraphPath, retrieved.GraphPath)
	}
	if retrieved.Status != RunStatusPending {
		t.Errorf("expected Status %s, got %s", RunStatusPending, retrieved.Status)
	}
	if retrieved.CompletedAt != nil {
		t.Error("expected CompletedAt to be unset")
	}

	errMsg := "engine build stopped"
	if err := store.UpdateRunStatus(ctx, run.ID, RunStatusFailed, &errMsg); err != nil {
		t.Fatalf("failed to update run status: %v", err)
	}

	updated, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get updated run: %v", err)
	}
	if updated.Status != RunStatusFailed {
		t.Errorf("expected Status %s, got %s", RunStatusFailed, updated.Status)
	}
	if updated.Error == nil || *updated.Error != errMsg {
		t.Errorf("expected Error %s, got %v", errMsg, updated.Error)
	}
	if updated.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}

	if err := store.UpdateRunStatus(ctx, "missing", RunStatusCompleted, nil); err == nil {
		t.Error("expected error updating a missing run")
	}

	if err := store.DeleteRun(ctx, run.ID); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}
	if _, err := store.GetRun(ctx, run.ID); err == nil {
		t.Error("expected error getting deleted run")
	}
	if err := store.DeleteRun(ctx, run.ID); err == nil {
		t.Error("expected error deleting a missing run")
	}
}

func TestListRuns_NewestFirst(t *testing.T) {
	store := setupTestStore(t)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	createTestRun(t, store, "run-a", base)
	createTestRun(t, store, "run-b", base.Add(time.Minute))
	createTestRun(t, store, "run-c", base.Add(2*time.Minute))

	runs, err := store.ListRuns(context.Background(), 2, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != "run-c" || runs[1].ID != "run-b" {
		t.Errorf("expected [run-c run-b], got [%s %s]", runs[0].ID, runs[1].ID)
	}

	rest, err := store.ListRuns(context.Background(), 10, 2)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(rest) != 1 || rest[0].ID != "run-a" {
		t.Errorf("expected [run-a] on second page, got %d runs", len(rest))
	}
}

func TestCommands_AppendAndFilter(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestRun(t, store, "run-1", time.Now())

	name := "retry"
	reason := "swap to self"
	records := []*CommandRecord{
		{RunID: "run-1", Kind: engine.CommandActivate, Node: 1, Outcome: engine.OutcomeApplied},
		{RunID: "run-1", Kind: engine.CommandCustom, Node: 4, Name: &name, Outcome: engine.OutcomeApplied},
		{RunID: "run-1", Kind: engine.CommandSwap, Node: 2, From: 3, To: 3, Outcome: engine.OutcomeDenied, Reason: &reason},
	}
	for _, rec := range records {
		if err := store.AppendCommand(ctx, rec); err != nil {
			t.Fatalf("failed to append command: %v", err)
		}
		if rec.ID == 0 {
			t.Error("expected command ID to be assigned")
		}
	}

	all, err := store.ListCommands(ctx, "run-1", nil, 100, 0)
	if err != nil {
		t.Fatalf("failed to list commands: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 commands, got %d", len(all))
	}
	if all[0].Kind != engine.CommandActivate || all[2].Kind != engine.CommandSwap {
		t.Errorf("expected commands in handling order, got %s..%s", all[0].Kind, all[2].Kind)
	}
	if all[1].Name == nil || *all[1].Name != "retry" {
		t.Errorf("expected custom name retry, got %v", all[1].Name)
	}
	if all[2].From != 3 || all[2].To != 3 {
		t.Errorf("expected swap 3->3, got %d->%d", all[2].From, all[2].To)
	}

	denied := engine.OutcomeDenied
	onlyDenied, err := store.ListCommands(ctx, "run-1", &denied, 100, 0)
	if err != nil {
		t.Fatalf("failed to list denied commands: %v", err)
	}
	if len(onlyDenied) != 1 || onlyDenied[0].Reason == nil || *onlyDenied[0].Reason != reason {
		t.Errorf("expected one denied command with reason, got %d", len(onlyDenied))
	}
}

func TestCommands_RequireRun(t *testing.T) {
	store := setupTestStore(t)
	err := store.AppendCommand(context.Background(), &CommandRecord{
		RunID:   "nope",
		Kind:    engine.CommandPause,
		Node:    1,
		Outcome: engine.OutcomeApplied,
	})
	if err == nil {
		t.Error("expected foreign key violation for unknown run")
	}
}

func TestDeleteRun_Cascades(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestRun(t, store, "run-1", time.Now())

	if err := store.AppendCommand(ctx, &CommandRecord{RunID: "run-1", Kind: engine.CommandReset, Node: 2, Outcome: engine.OutcomeApplied}); err != nil {
		t.Fatalf("failed to append command: %v", err)
	}
	if err := store.MarkNodeStatus(ctx, "run-1", 2, engine.StatusCompleted); err != nil {
		t.Fatalf("failed to mark node: %v", err)
	}
	if err := store.DeleteRun(ctx, "run-1"); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}

	cmds, err := store.ListCommands(ctx, "run-1", nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list commands: %v", err)
	}
	snaps, err := store.ListSnapshots(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to list snapshots: %v", err)
	}
	if len(cmds) != 0 || len(snaps) != 0 {
		t.Errorf("expected cascade delete, got %d commands and %d snapshots", len(cmds), len(snaps))
	}
}

func TestSnapshots_UpsertAndMark(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestRun(t, store, "run-1", time.Now())

	attrs := engine.NewAttributeGraph().Set("target", "prod")
	snaps := []*engine.NodeSnapshot{
		{ID: 1, Name: "build", Kind: engine.KindEngine, Status: engine.StatusInProgress, Engine: "build"},
		{ID: 2, Name: "compile", Kind: engine.KindEvent, Symbol: "println", Status: engine.StatusNew, Runs: 1, Attributes: attrs},
	}
	if err := store.SaveSnapshots(ctx, "run-1", snaps); err != nil {
		t.Fatalf("failed to save snapshots: %v", err)
	}

	snaps[1].Status = engine.StatusReady
	snaps[1].Runs = 2
	if err := store.SaveSnapshots(ctx, "run-1", snaps[1:]); err != nil {
		t.Fatalf("failed to save snapshots again: %v", err)
	}
	if err := store.MarkNodeStatus(ctx, "run-1", 9, engine.StatusCompleted); err != nil {
		t.Fatalf("failed to mark node: %v", err)
	}

	got, err := store.ListSnapshots(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to list snapshots: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 snapshots, got %d", len(got))
	}
	if got[1].Status != string(engine.StatusReady) || got[1].Runs != 2 {
		t.Errorf("expected compile ready with 2 runs, got %s/%d", got[1].Status, got[1].Runs)
	}
	if got[1].Symbol == nil || *got[1].Symbol != "println" {
		t.Errorf("expected symbol println, got %v", got[1].Symbol)
	}
	if got[0].Symbol != nil {
		t.Errorf("expected no symbol on engine node, got %v", *got[0].Symbol)
	}
	if got[1].Attributes == nil {
		t.Fatal("expected attributes to be stored")
	}
	decoded := engine.NewAttributeGraph()
	if err := json.Unmarshal([]byte(*got[1].Attributes), decoded); err != nil {
		t.Fatalf("failed to decode attributes: %v", err)
	}
	if v, _ := decoded.FindString("target"); v != "prod" {
		t.Errorf("expected target prod, got %q", v)
	}
	if got[2].Node != 9 || got[2].Status != string(engine.StatusCompleted) {
		t.Errorf("expected bare completed snapshot for node 9, got %+v", got[2])
	}
}

func TestRunJournal(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	j := NewRunJournal(store, "run-7", zerolog.Nop())
	if err := j.Start(ctx, "graphs/pipeline.cue", map[string]any{"ticks": 60}); err != nil {
		t.Fatalf("failed to start run: %v", err)
	}

	update := engine.Update(3, engine.NewAttributeGraph().Set("k", "v"))
	update.ID = "cmd-1"
	if err := j.RecordCommand(ctx, update, engine.OutcomeApplied, ""); err != nil {
		t.Fatalf("failed to record command: %v", err)
	}
	if err := j.RecordCommand(ctx, engine.Custom("", 3), engine.OutcomeDenied, "custom command requires a name"); err != nil {
		t.Fatalf("failed to record command: %v", err)
	}

	j.OnErrorContext(engine.NewErrorContext(4, nil, errors.New("boom")).WithFixer(5).WithSymbol("fail").WithStopOnError(true))
	j.OnCompletedEvent(2)

	if err := j.Finish(ctx, RunStatusCompleted, nil); err != nil {
		t.Fatalf("failed to finish run: %v", err)
	}

	run, err := store.GetRun(ctx, "run-7")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if run.Status != RunStatusCompleted || run.Metadata != `{"ticks":60}` {
		t.Errorf("unexpected run: %s %s", run.Status, run.Metadata)
	}

	cmds, err := store.ListCommands(ctx, "run-7", nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list commands: %v", err)
	}
	if len(cmds) != 2 {
		t.Fatalf("expected 2 commands, got %d", len(cmds))
	}
	if cmds[0].CommandID == nil || *cmds[0].CommandID != "cmd-1" || cmds[0].Graph == nil {
		t.Errorf("expected update with id and graph, got %+v", cmds[0])
	}
	if cmds[1].Name != nil {
		t.Errorf("expected empty custom name stored as NULL, got %q", *cmds[1].Name)
	}

	ecs, err := store.ListErrorContexts(ctx, "run-7")
	if err != nil {
		t.Fatalf("failed to list error contexts: %v", err)
	}
	if len(ecs) != 1 {
		t.Fatalf("expected 1 error context, got %d", len(ecs))
	}
	ec := ecs[0]
	if ec.Node != 4 || ec.Fixer != 5 || !ec.StopOnError || ec.Message != "boom" || ec.Code != "UNKNOWN" {
		t.Errorf("unexpected error context: %+v", ec)
	}

	snaps, err := store.ListSnapshots(ctx, "run-7")
	if err != nil {
		t.Fatalf("failed to list snapshots: %v", err)
	}
	if len(snaps) != 1 || snaps[0].Node != 2 {
		t.Errorf("expected completed snapshot for node 2, got %d snapshots", len(snaps))
	}
}

func TestFileStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()

	open := func() *SQLiteStore {
		store, err := NewSQLiteStore(Config{Path: path})
		if err != nil {
			t.Fatalf("failed to create store: %v", err)
		}
		if err := store.Init(ctx); err != nil {
			t.Fatalf("failed to initialize store: %v", err)
		}
		if err := store.Migrate(ctx); err != nil {
			t.Fatalf("failed to migrate store: %v", err)
		}
		return store
	}

	first := open()
	createTestRun(t, first, "run-1", time.Now())
	if err := first.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	second := open()
	defer second.Close()
	if _, err := second.GetRun(ctx, "run-1"); err != nil {
		t.Errorf("expected run to survive reopen: %v", err)
	}
}
