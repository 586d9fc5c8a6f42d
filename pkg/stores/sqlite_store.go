package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/openfroyo/loom/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory journal.
const MemoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// An in-memory database lives and dies with its connection.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
		return &SQLiteStore{cfg: cfg}, nil
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)
	if s.cfg.Path != MemoryPath {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// CommitTx commits a transaction
func (s *SQLiteStore) CommitTx(tx *sql.Tx) error {
	return tx.Commit()
}

// RollbackTx rolls back a transaction
func (s *SQLiteStore) RollbackTx(tx *sql.Tx) error {
	return tx.Rollback()
}

// CreateRun creates a new run record
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO runs (id, graph_path, status, started_at, completed_at, error, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now()
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = now
	}
	if run.Metadata == "" {
		run.Metadata = "{}"
	}

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.GraphPath,
		run.Status,
		run.StartedAt,
		run.CompletedAt,
		run.Error,
		run.Metadata,
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `
		SELECT id, graph_path, status, started_at, completed_at, error, metadata, created_at, updated_at
		FROM runs
		WHERE id = ?
	`

	run := &Run{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID,
		&run.GraphPath,
		&run.Status,
		&run.StartedAt,
		&run.CompletedAt,
		&run.Error,
		&run.Metadata,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// UpdateRunStatus updates the status of a run
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, id string, status RunStatus, errMsg *string) error {
	query := `
		UPDATE runs
		SET status = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`

	now := time.Now()
	var completedAt *time.Time
	if status.IsTerminal() {
		completedAt = &now
	}

	result, err := s.db.ExecContext(ctx, query, status, errMsg, completedAt, now, id)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run not found: %s", id)
	}

	return nil
}

// ListRuns lists runs with pagination, newest first
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	query := `
		SELECT id, graph_path, status, started_at, completed_at, error, metadata, created_at, updated_at
		FROM runs
		ORDER BY started_at DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run := &Run{}
		err := rows.Scan(
			&run.ID,
			&run.GraphPath,
			&run.Status,
			&run.StartedAt,
			&run.CompletedAt,
			&run.Error,
			&run.Metadata,
			&run.CreatedAt,
			&run.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// DeleteRun deletes a run and, through cascading keys, everything journaled for it
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run not found: %s", id)
	}

	return nil
}

// AppendCommand appends a node command to the journal
func (s *SQLiteStore) AppendCommand(ctx context.Context, rec *CommandRecord) error {
	query := `
		INSERT INTO commands (run_id, command_id, kind, node, name, from_node, to_node, graph, outcome, reason, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}

	result, err := s.db.ExecContext(ctx, query,
		rec.RunID,
		rec.CommandID,
		rec.Kind,
		rec.Node,
		rec.Name,
		rec.From,
		rec.To,
		rec.Graph,
		rec.Outcome,
		rec.Reason,
		rec.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append command: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get command ID: %w", err)
	}

	rec.ID = id
	return nil
}

// ListCommands lists the commands of a run in the order they were handled, optionally
// filtered by outcome
func (s *SQLiteStore) ListCommands(ctx context.Context, runID string, outcome *string, limit, offset int) ([]*CommandRecord, error) {
	query := `
		SELECT id, run_id, command_id, kind, node, name, from_node, to_node, graph, outcome, reason, recorded_at
		FROM commands
		WHERE run_id = ?
		  AND (? IS NULL OR outcome = ?)
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, runID, outcome, outcome, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list commands: %w", err)
	}
	defer rows.Close()

	records := []*CommandRecord{}
	for rows.Next() {
		rec := &CommandRecord{}
		err := rows.Scan(
			&rec.ID,
			&rec.RunID,
			&rec.CommandID,
			&rec.Kind,
			&rec.Node,
			&rec.Name,
			&rec.From,
			&rec.To,
			&rec.Graph,
			&rec.Outcome,
			&rec.Reason,
			&rec.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan command: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating commands: %w", err)
	}

	return records, nil
}

// AppendErrorContext appends an error context to the journal
func (s *SQLiteStore) AppendErrorContext(ctx context.Context, rec *ErrorContextRecord) error {
	query := `
		INSERT INTO error_contexts (run_id, node, fixer, symbol, code, message, stop_on_error, graph, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}

	result, err := s.db.ExecContext(ctx, query,
		rec.RunID,
		rec.Node,
		rec.Fixer,
		rec.Symbol,
		rec.Code,
		rec.Message,
		rec.StopOnError,
		rec.Graph,
		rec.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append error context: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get error context ID: %w", err)
	}

	rec.ID = id
	return nil
}

// ListErrorContexts lists the error contexts of a run, oldest first
func (s *SQLiteStore) ListErrorContexts(ctx context.Context, runID string) ([]*ErrorContextRecord, error) {
	query := `
		SELECT id, run_id, node, fixer, symbol, code, message, stop_on_error, graph, recorded_at
		FROM error_contexts
		WHERE run_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list error contexts: %w", err)
	}
	defer rows.Close()

	records := []*ErrorContextRecord{}
	for rows.Next() {
		rec := &ErrorContextRecord{}
		err := rows.Scan(
			&rec.ID,
			&rec.RunID,
			&rec.Node,
			&rec.Fixer,
			&rec.Symbol,
			&rec.Code,
			&rec.Message,
			&rec.StopOnError,
			&rec.Graph,
			&rec.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan error context: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating error contexts: %w", err)
	}

	return records, nil
}

// SaveSnapshots upserts node snapshots for a run in one transaction
func (s *SQLiteStore) SaveSnapshots(ctx context.Context, runID string, snapshots []*engine.NodeSnapshot) error {
	query := `
		INSERT INTO node_snapshots (run_id, node, name, kind, symbol, status, engine, transition, runs, attributes, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, node) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			symbol = excluded.symbol,
			status = excluded.status,
			engine = excluded.engine,
			transition = excluded.transition,
			runs = excluded.runs,
			attributes = excluded.attributes,
			updated_at = excluded.updated_at
	`

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		_ = s.RollbackTx(tx)
		return fmt.Errorf("failed to prepare snapshot upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, snap := range snapshots {
		attrs, err := marshalGraph(snap.Attributes)
		if err != nil {
			_ = s.RollbackTx(tx)
			return fmt.Errorf("failed to encode attributes of node %d: %w", snap.ID, err)
		}
		_, err = stmt.ExecContext(ctx,
			runID,
			snap.ID,
			snap.Name,
			string(snap.Kind),
			nullString(snap.Symbol),
			string(snap.Status),
			nullString(snap.Engine),
			nullString(string(snap.Transition)),
			snap.Runs,
			attrs,
			now,
		)
		if err != nil {
			_ = s.RollbackTx(tx)
			return fmt.Errorf("failed to save snapshot of node %d: %w", snap.ID, err)
		}
	}

	return s.CommitTx(tx)
}

// MarkNodeStatus records a status change for one node, creating a bare snapshot when
// none was saved yet
func (s *SQLiteStore) MarkNodeStatus(ctx context.Context, runID string, node engine.NodeID, status engine.EventStatus) error {
	query := `
		INSERT INTO node_snapshots (run_id, node, name, kind, status, updated_at)
		VALUES (?, ?, '', '', ?, ?)
		ON CONFLICT (run_id, node) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at
	`

	if _, err := s.db.ExecContext(ctx, query, runID, node, string(status), time.Now()); err != nil {
		return fmt.Errorf("failed to mark node %d: %w", node, err)
	}
	return nil
}

// ListSnapshots lists the persisted node snapshots of a run by node id
func (s *SQLiteStore) ListSnapshots(ctx context.Context, runID string) ([]*NodeSnapshotRecord, error) {
	query := `
		SELECT run_id, node, name, kind, symbol, status, engine, transition, runs, attributes, updated_at
		FROM node_snapshots
		WHERE run_id = ?
		ORDER BY node ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	records := []*NodeSnapshotRecord{}
	for rows.Next() {
		rec := &NodeSnapshotRecord{}
		err := rows.Scan(
			&rec.RunID,
			&rec.Node,
			&rec.Name,
			&rec.Kind,
			&rec.Symbol,
			&rec.Status,
			&rec.Engine,
			&rec.Transition,
			&rec.Runs,
			&rec.Attributes,
			&rec.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}

	return records, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func marshalGraph(g *engine.AttributeGraph) (*string, error) {
	if g == nil || g.IsEmpty() {
		return nil, nil
	}
	data, err := json.Marshal(g)
	if err != nil {
		return nil, err
	}
	out := string(data)
	return &out, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
