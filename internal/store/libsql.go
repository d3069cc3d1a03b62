package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/chatflow/pkg/schema"
)

// LibSQLStore implements Store on libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path, e.g.
// "file:/var/lib/chatflow/chatflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Definitions ---

func (s *LibSQLStore) SaveDefinition(ctx context.Context, def *schema.WorkflowDefinition) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if def.Version <= 0 {
			var highest int
			if err := tx.QueryRowContext(ctx,
				`SELECT COALESCE(MAX(version), 0) FROM definitions WHERE id = ?`, def.ID,
			).Scan(&highest); err != nil {
				return err
			}
			def.Version = highest + 1
		}
		def.CreatedAt = timeOrNow(def.CreatedAt)

		body, err := json.Marshal(def)
		if err != nil {
			return fmt.Errorf("marshal definition: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO definitions (id, version, name, active, owner, body, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			def.ID, def.Version, nullStr(def.Name), boolInt(def.Metadata.Active), nullStr(def.Metadata.Owner), string(body), def.CreatedAt,
		)
		if isUniqueViolation(err) {
			return conflict("definition %s v%d already published", def.ID, def.Version)
		}
		return err
	})
}

func (s *LibSQLStore) GetDefinition(ctx context.Context, id string, version int) (*schema.WorkflowDefinition, error) {
	var row *sql.Row
	if version <= 0 {
		row = s.db.QueryRowContext(ctx,
			`SELECT body FROM definitions WHERE id = ? ORDER BY version DESC LIMIT 1`, id)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT body FROM definitions WHERE id = ? AND version = ?`, id, version)
	}

	var body string
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("definition", id)
		}
		return nil, err
	}
	def := &schema.WorkflowDefinition{}
	if err := json.Unmarshal([]byte(body), def); err != nil {
		return nil, fmt.Errorf("unmarshal definition %s: %w", id, err)
	}
	return def, nil
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*schema.WorkflowDefinition, error) {
	query := `SELECT body FROM definitions`
	var where []string
	var args []any
	if filter.ID != "" {
		where = append(where, "id = ?")
		args = append(args, filter.ID)
	}
	if filter.ActiveOnly {
		where = append(where, "active = 1")
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id, version DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*schema.WorkflowDefinition
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		def := &schema.WorkflowDefinition{}
		if err := json.Unmarshal([]byte(body), def); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// --- Templates ---

func (s *LibSQLStore) SaveTemplate(ctx context.Context, tpl *schema.WorkflowTemplate) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if tpl.Version <= 0 {
			var highest int
			if err := tx.QueryRowContext(ctx,
				`SELECT COALESCE(MAX(version), 0) FROM templates WHERE id = ?`, tpl.ID,
			).Scan(&highest); err != nil {
				return err
			}
			tpl.Version = highest + 1
		}
		tpl.CreatedAt = timeOrNow(tpl.CreatedAt)

		_, err := tx.ExecContext(ctx,
			`INSERT INTO templates (id, version, description, parameters, body, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			tpl.ID, tpl.Version, nullStr(tpl.Description), nullRaw(tpl.Parameters), tpl.Body, tpl.CreatedAt,
		)
		if isUniqueViolation(err) {
			return conflict("template %s v%d already exists", tpl.ID, tpl.Version)
		}
		return err
	})
}

func (s *LibSQLStore) GetTemplate(ctx context.Context, id string, version int) (*schema.WorkflowTemplate, error) {
	const cols = `SELECT id, version, description, parameters, body, created_at FROM templates`
	var row *sql.Row
	if version <= 0 {
		row = s.db.QueryRowContext(ctx, cols+` WHERE id = ? ORDER BY version DESC LIMIT 1`, id)
	} else {
		row = s.db.QueryRowContext(ctx, cols+` WHERE id = ? AND version = ?`, id, version)
	}

	t := &schema.WorkflowTemplate{}
	var desc, params sql.NullString
	if err := row.Scan(&t.ID, &t.Version, &desc, &params, &t.Body, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("template", id)
		}
		return nil, err
	}
	t.Description = desc.String
	if params.Valid && params.String != "" {
		t.Parameters = json.RawMessage(params.String)
	}
	return t, nil
}

// --- Executions ---

const selectExecution = `SELECT execution_id, definition_id, definition_version, conversation_ref,
	current_node_id, status, variables, step_count, trace_length, pending_actions, error,
	created_at, updated_at FROM executions`

func scanExecution(scan func(dest ...any) error) (*schema.ExecutionContext, error) {
	var r executionRow
	if err := scan(&r.ExecutionID, &r.DefinitionID, &r.DefinitionVersion, &r.ConversationRef,
		&r.CurrentNodeID, &r.Status, &r.Variables, &r.StepCount, &r.TraceLength,
		&r.PendingActions, &r.Error, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	return r.toContext()
}

func (s *LibSQLStore) LoadContext(ctx context.Context, executionID string) (*schema.ExecutionContext, error) {
	ec, err := scanExecution(s.db.QueryRowContext(ctx, selectExecution+` WHERE execution_id = ?`, executionID).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("execution", executionID)
	}
	return ec, err
}

func (s *LibSQLStore) SaveContext(ctx context.Context, ec *schema.ExecutionContext) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return upsertExecution(ctx, tx, ec)
	})
}

func (s *LibSQLStore) AppendStep(ctx context.Context, step *schema.ExecutionStep) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertStep(ctx, tx, step)
	})
}

func (s *LibSQLStore) Commit(ctx context.Context, ec *schema.ExecutionContext, steps ...*schema.ExecutionStep) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := upsertExecution(ctx, tx, ec); err != nil {
			return err
		}
		for _, step := range steps {
			if err := insertStep(ctx, tx, step); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertExecution(ctx context.Context, tx *sql.Tx, ec *schema.ExecutionContext) error {
	r, err := toExecutionRow(ec)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO executions (execution_id, definition_id, definition_version, conversation_ref,
			current_node_id, status, variables, step_count, trace_length, pending_actions, error,
			created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id) DO UPDATE SET
			current_node_id=excluded.current_node_id, status=excluded.status,
			variables=excluded.variables, step_count=excluded.step_count,
			trace_length=excluded.trace_length, pending_actions=excluded.pending_actions,
			error=excluded.error, updated_at=excluded.updated_at`,
		r.ExecutionID, r.DefinitionID, r.DefinitionVersion, r.ConversationRef,
		r.CurrentNodeID, r.Status, r.Variables, r.StepCount, r.TraceLength, r.PendingActions, r.Error,
		r.CreatedAt, r.UpdatedAt,
	)
	return err
}

func insertStep(ctx context.Context, tx *sql.Tx, step *schema.ExecutionStep) error {
	r, err := toStepRow(step)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO execution_steps (execution_id, step_index, node_id, node_type, phase, input, output, started_at, duration_ms, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ExecutionID, r.StepIndex, r.NodeID, r.NodeType, r.Phase, r.Input, r.Output, r.StartedAt, r.DurationMs, r.Error,
	)
	if isUniqueViolation(err) {
		return conflict("step %d of execution %s already recorded", step.StepIndex, step.ExecutionID)
	}
	return err
}

func (s *LibSQLStore) ListSteps(ctx context.Context, executionID string) ([]*schema.ExecutionStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, step_index, node_id, node_type, phase, input, output, started_at, duration_ms, error
		 FROM execution_steps WHERE execution_id = ? ORDER BY step_index`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	steps := []*schema.ExecutionStep{}
	for rows.Next() {
		var r stepRow
		if err := rows.Scan(&r.ExecutionID, &r.StepIndex, &r.NodeID, &r.NodeType, &r.Phase,
			&r.Input, &r.Output, &r.StartedAt, &r.DurationMs, &r.Error); err != nil {
			return nil, err
		}
		step, err := r.toStep()
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func (s *LibSQLStore) FindActive(ctx context.Context, definitionID, conversationRef string) (*schema.ExecutionContext, error) {
	ec, err := scanExecution(s.db.QueryRowContext(ctx,
		selectExecution+` WHERE definition_id = ? AND conversation_ref = ? AND status IN (?, ?)
		 ORDER BY updated_at DESC LIMIT 1`,
		definitionID, conversationRef, string(schema.StatusRunning), string(schema.StatusWaitingForInput),
	).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("active execution for conversation", conversationRef)
	}
	return ec, err
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.ExecutionContext, error) {
	query := selectExecution
	var where []string
	var args []any
	if filter.DefinitionID != "" {
		where = append(where, "definition_id = ?")
		args = append(args, filter.DefinitionID)
	}
	if filter.ConversationRef != "" {
		where = append(where, "conversation_ref = ?")
		args = append(args, filter.ConversationRef)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, execution_id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	} else if filter.Offset > 0 {
		query += fmt.Sprintf(" LIMIT -1 OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.ExecutionContext
	for rows.Next() {
		ec, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, ec)
	}
	return out, rows.Err()
}

// --- Helpers ---

func (s *LibSQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}
