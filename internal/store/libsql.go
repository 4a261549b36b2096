package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/flowlinehq/flowline/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Definitions ---

func (s *LibSQLStore) PutDefinition(ctx context.Context, def *schema.WorkflowDefinition) error {
	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_definitions (id, version, name, definition) VALUES (?, ?, ?, ?)`,
		def.ID, def.Version, nullStr(def.Name), string(raw),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"definition %s version %d already exists; definitions are immutable", def.ID, def.Version)
	}
	return err
}

func (s *LibSQLStore) GetDefinition(ctx context.Context, id string, version int) (*schema.WorkflowDefinition, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT definition FROM workflow_definitions WHERE id = ? AND version = ?`, id, version,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("definition", fmt.Sprintf("%s@%d", id, version))
	}
	if err != nil {
		return nil, err
	}
	def := &schema.WorkflowDefinition{}
	if err := json.Unmarshal([]byte(raw), def); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return def, nil
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context) ([]*schema.WorkflowDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT definition FROM workflow_definitions ORDER BY id, version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*schema.WorkflowDefinition
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		def := &schema.WorkflowDefinition{}
		if err := json.Unmarshal([]byte(raw), def); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *WorkflowRun) error {
	triggerInput, err := marshalMapOrDefault(run.TriggerInput)
	if err != nil {
		return fmt.Errorf("marshal trigger_input: %w", err)
	}
	variables, err := marshalMapOrDefault(run.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	frontier, err := json.Marshal(run.Frontier)
	if err != nil {
		return fmt.Errorf("marshal frontier: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_runs (run_id, definition_id, definition_version, status, trigger_input, variables, frontier, error, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.DefinitionID, run.DefinitionVersion, string(run.Status),
		string(triggerInput), string(variables), string(frontier), nullRaw(run.Error),
		timeOrNow(run.CreatedAt), nullTime(run.StartedAt), nullTime(run.CompletedAt), timeOrNow(run.UpdatedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s already exists", run.RunID)
	}
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, runID string) (*WorkflowRun, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT run_id, definition_id, definition_version, status, trigger_input, variables, frontier, error, created_at, started_at, completed_at, updated_at
		 FROM workflow_runs WHERE run_id = ?`, runID))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", runID)
	}
	return run, err
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scan code.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*WorkflowRun, error) {
	run := &WorkflowRun{}
	var (
		status                             string
		triggerJSON, varsJSON, frontierStr sql.NullString
		errJSON                            sql.NullString
		startedAt, completedAt             sql.NullTime
	)
	err := row.Scan(&run.RunID, &run.DefinitionID, &run.DefinitionVersion, &status,
		&triggerJSON, &varsJSON, &frontierStr, &errJSON,
		&run.CreatedAt, &startedAt, &completedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	if triggerJSON.Valid && triggerJSON.String != "" {
		_ = json.Unmarshal([]byte(triggerJSON.String), &run.TriggerInput)
	}
	if varsJSON.Valid && varsJSON.String != "" {
		_ = json.Unmarshal([]byte(varsJSON.String), &run.Variables)
	}
	if frontierStr.Valid && frontierStr.String != "" {
		_ = json.Unmarshal([]byte(frontierStr.String), &run.Frontier)
	}
	run.Error = rawOrNil(errJSON)
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, runID string, update RunUpdate) error {
	query, args, err := buildRunUpdate(runID, update)
	if err != nil {
		return err
	}
	if query == "" {
		return nil
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", runID)
}

func buildRunUpdate(runID string, update RunUpdate) (string, []any, error) {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Variables != nil {
		vars, err := json.Marshal(update.Variables)
		if err != nil {
			return "", nil, fmt.Errorf("marshal variables: %w", err)
		}
		sets = append(sets, "variables = ?")
		args = append(args, string(vars))
	}
	if update.Frontier != nil {
		frontier, err := json.Marshal(*update.Frontier)
		if err != nil {
			return "", nil, fmt.Errorf("marshal frontier: %w", err)
		}
		sets = append(sets, "frontier = ?")
		args = append(args, string(frontier))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return "", nil, nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, runID)

	return fmt.Sprintf("UPDATE workflow_runs SET %s WHERE run_id = ?", strings.Join(sets, ", ")), args, nil
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*WorkflowRun, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.DefinitionID != "" {
		where = append(where, "definition_id = ?")
		args = append(args, filter.DefinitionID)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT run_id, definition_id, definition_version, status, trigger_input, variables, frontier, error, created_at, started_at, completed_at, updated_at FROM workflow_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- Steps ---

func (s *LibSQLStore) AppendStep(ctx context.Context, step *StepExecution) error {
	res, err := s.db.ExecContext(ctx, insertStepSQL, insertStepArgs(step)...)
	if err != nil {
		return err
	}
	step.ID, _ = res.LastInsertId()
	return nil
}

const insertStepSQL = `INSERT INTO step_executions (run_id, node_id, attempt, status, input_snapshot, output, error, started_at, ended_at, duration_ms)
	 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func insertStepArgs(step *StepExecution) []any {
	return []any{
		step.RunID, step.NodeID, step.Attempt, string(step.Status),
		nullRaw(step.InputSnapshot), nullRaw(step.Output), nullRaw(step.Error),
		timeOrNow(step.StartedAt), nullTime(step.EndedAt), step.DurationMs,
	}
}

// CommitStep appends a step record and applies the run update in one
// transaction, so the trace and the frontier can never disagree after a crash.
func (s *LibSQLStore) CommitStep(ctx context.Context, step *StepExecution, update RunUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, insertStepSQL, insertStepArgs(step)...)
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	step.ID, _ = res.LastInsertId()

	query, args, err := buildRunUpdate(step.RunID, update)
	if err != nil {
		return err
	}
	if query != "" {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update run: %w", err)
		}
		if err := checkRowsAffected(res, "run", step.RunID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *LibSQLStore) ListSteps(ctx context.Context, runID string) ([]*StepExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, node_id, attempt, status, input_snapshot, output, error, started_at, ended_at, duration_ms
		 FROM step_executions WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*StepExecution
	for rows.Next() {
		step := &StepExecution{}
		var status string
		var input, output, errJSON sql.NullString
		var endedAt sql.NullTime
		if err := rows.Scan(&step.ID, &step.RunID, &step.NodeID, &step.Attempt, &status,
			&input, &output, &errJSON, &step.StartedAt, &endedAt, &step.DurationMs); err != nil {
			return nil, err
		}
		step.Status = schema.StepStatus(status)
		step.InputSnapshot = rawOrNil(input)
		step.Output = rawOrNil(output)
		step.Error = rawOrNil(errJSON)
		if endedAt.Valid {
			step.EndedAt = &endedAt.Time
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// --- Approvals ---

func (s *LibSQLStore) CreateApproval(ctx context.Context, ap *PendingApproval) error {
	payload, err := json.Marshal(ap.Payload)
	if err != nil {
		return fmt.Errorf("marshal approval payload: %w", err)
	}
	status := ap.Status
	if status == "" {
		status = ApprovalStatusPending
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pending_approvals (id, run_id, node_id, payload, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ap.ID, ap.RunID, ap.NodeID, string(payload), status, timeOrNow(ap.CreatedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return schema.NewErrorf(schema.ErrCodeConflict, "approval %s already exists", ap.ID)
	}
	return err
}

func (s *LibSQLStore) GetApproval(ctx context.Context, runID, nodeID string) (*PendingApproval, error) {
	ap, err := scanApproval(s.db.QueryRowContext(ctx,
		`SELECT id, run_id, node_id, payload, status, decision, edited_values, comment, resolved_by, created_at, resolved_at
		 FROM pending_approvals WHERE run_id = ? AND node_id = ?`, runID, nodeID))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("approval", runID+"/"+nodeID)
	}
	return ap, err
}

func scanApproval(row rowScanner) (*PendingApproval, error) {
	ap := &PendingApproval{}
	var payload string
	var decision, editedJSON, comment, resolvedBy sql.NullString
	var resolvedAt sql.NullTime
	err := row.Scan(&ap.ID, &ap.RunID, &ap.NodeID, &payload, &ap.Status,
		&decision, &editedJSON, &comment, &resolvedBy, &ap.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &ap.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal approval payload: %w", err)
	}
	ap.Decision = schema.ReviewDecision(decision.String)
	if editedJSON.Valid && editedJSON.String != "" {
		_ = json.Unmarshal([]byte(editedJSON.String), &ap.EditedValues)
	}
	ap.Comment = comment.String
	ap.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		ap.ResolvedAt = &resolvedAt.Time
	}
	return ap, nil
}

func (s *LibSQLStore) ResolveApproval(ctx context.Context, id string, res *schema.Resolution) error {
	edited, err := marshalMapOrDefault(res.EditedValues)
	if err != nil {
		return fmt.Errorf("marshal edited_values: %w", err)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE pending_approvals SET status = ?, decision = ?, edited_values = ?, comment = ?, resolved_by = ?, resolved_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = ?`,
		ApprovalStatusResolved, string(res.Decision), string(edited),
		nullStr(res.Comment), nullStr(res.ResolvedBy), id, ApprovalStatusPending,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either missing or already settled; distinguish for the caller.
		var status string
		err := s.db.QueryRowContext(ctx,
			`SELECT status FROM pending_approvals WHERE id = ?`, id).Scan(&status)
		if err == sql.ErrNoRows {
			return storeNotFound("approval", id)
		}
		if err != nil {
			return err
		}
		return schema.NewErrorf(schema.ErrCodeConflict, "approval %s is already %s", id, status)
	}
	return nil
}

func (s *LibSQLStore) CancelApproval(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE pending_approvals SET status = ?, resolved_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = ?`,
		ApprovalStatusCancelled, id, ApprovalStatusPending,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM pending_approvals WHERE id = ?`, id).Scan(&exists)
		if err == sql.ErrNoRows {
			return storeNotFound("approval", id)
		}
		return err // already settled; cancellation is a no-op
	}
	return nil
}

func (s *LibSQLStore) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*PendingApproval, error) {
	var where []string
	var args []any

	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	query := `SELECT id, run_id, node_id, payload, status, decision, edited_values, comment, resolved_by, created_at, resolved_at FROM pending_approvals`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var approvals []*PendingApproval
	for rows.Next() {
		ap, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, ap)
	}
	return approvals, rows.Err()
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Get next sequence number for this run
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	payload := nullRaw(event.Payload)
	ts := timeOrNow(event.Timestamp)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (run_id, node_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.NodeID), event.Type, payload, ts, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	event.ID, _ = res.LastInsertId()

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, node_id, event_type, payload, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var nodeID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &nodeID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.NodeID = nodeID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

var _ Store = (*LibSQLStore)(nil)
