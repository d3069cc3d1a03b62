package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rendis/chatflow/pkg/schema"
)

// PgxPool is the subset of *pgxpool.Pool the Postgres store uses, so tests
// can substitute pgxmock.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

var executionColumns = []string{
	"execution_id", "definition_id", "definition_version", "conversation_ref",
	"current_node_id", "status", "variables", "step_count", "trace_length",
	"pending_actions", "error", "created_at", "updated_at",
}

var stepColumns = []string{
	"execution_id", "step_index", "node_id", "node_type", "phase",
	"input", "output", "started_at", "duration_ms", "error",
}

// PostgresStore implements Store on PostgreSQL through pgx.
type PostgresStore struct {
	db PgxPool
}

// NewPostgresStore connects to dsn and verifies the connection.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &PostgresStore{db: pool}, nil
}

// NewPostgresStoreFromPool wraps an existing pool.
func NewPostgresStoreFromPool(db PgxPool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

// Migrate applies pending migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return runPostgresMigrations(ctx, s.db)
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(pgx.Tx) error) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		err = tx.Commit(ctx)
	}()
	return fn(tx)
}

// --- Definitions ---

func (s *PostgresStore) SaveDefinition(ctx context.Context, def *schema.WorkflowDefinition) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if def.Version <= 0 {
			var highest int
			if err := tx.QueryRow(ctx,
				`SELECT COALESCE(MAX(version), 0) FROM definitions WHERE id = $1`, def.ID,
			).Scan(&highest); err != nil {
				return fmt.Errorf("next definition version: %w", err)
			}
			def.Version = highest + 1
		}
		def.CreatedAt = timeOrNow(def.CreatedAt)

		body, err := json.Marshal(def)
		if err != nil {
			return fmt.Errorf("marshal definition: %w", err)
		}
		query, args, err := psql.Insert("definitions").
			Columns("id", "version", "name", "active", "owner", "body", "created_at").
			Values(def.ID, def.Version, def.Name, def.Metadata.Active, def.Metadata.Owner, string(body), def.CreatedAt).
			ToSql()
		if err != nil {
			return fmt.Errorf("build query: %w", err)
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			if isPgUniqueViolation(err) {
				return conflict("definition %s v%d already published", def.ID, def.Version)
			}
			return fmt.Errorf("insert definition: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) GetDefinition(ctx context.Context, id string, version int) (*schema.WorkflowDefinition, error) {
	sb := psql.Select("body").From("definitions").Where(squirrel.Eq{"id": id})
	if version > 0 {
		sb = sb.Where(squirrel.Eq{"version": version})
	} else {
		sb = sb.OrderBy("version DESC").Limit(1)
	}
	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var body string
	if err := s.db.QueryRow(ctx, query, args...).Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("definition", id)
		}
		return nil, fmt.Errorf("get definition: %w", err)
	}
	def := &schema.WorkflowDefinition{}
	if err := json.Unmarshal([]byte(body), def); err != nil {
		return nil, fmt.Errorf("unmarshal definition %s: %w", id, err)
	}
	return def, nil
}

func (s *PostgresStore) ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*schema.WorkflowDefinition, error) {
	sb := psql.Select("body").From("definitions").OrderBy("id", "version DESC")
	if filter.ID != "" {
		sb = sb.Where(squirrel.Eq{"id": filter.ID})
	}
	if filter.ActiveOnly {
		sb = sb.Where(squirrel.Eq{"active": true})
	}
	if filter.Limit > 0 {
		sb = sb.Limit(uint64(filter.Limit))
	}
	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
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

func (s *PostgresStore) SaveTemplate(ctx context.Context, tpl *schema.WorkflowTemplate) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if tpl.Version <= 0 {
			var highest int
			if err := tx.QueryRow(ctx,
				`SELECT COALESCE(MAX(version), 0) FROM templates WHERE id = $1`, tpl.ID,
			).Scan(&highest); err != nil {
				return fmt.Errorf("next template version: %w", err)
			}
			tpl.Version = highest + 1
		}
		tpl.CreatedAt = timeOrNow(tpl.CreatedAt)

		query, args, err := psql.Insert("templates").
			Columns("id", "version", "description", "parameters", "body", "created_at").
			Values(tpl.ID, tpl.Version, tpl.Description, string(tpl.Parameters), tpl.Body, tpl.CreatedAt).
			ToSql()
		if err != nil {
			return fmt.Errorf("build query: %w", err)
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			if isPgUniqueViolation(err) {
				return conflict("template %s v%d already exists", tpl.ID, tpl.Version)
			}
			return fmt.Errorf("insert template: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) GetTemplate(ctx context.Context, id string, version int) (*schema.WorkflowTemplate, error) {
	sb := psql.Select("id", "version", "description", "parameters", "body", "created_at").
		From("templates").
		Where(squirrel.Eq{"id": id})
	if version > 0 {
		sb = sb.Where(squirrel.Eq{"version": version})
	} else {
		sb = sb.OrderBy("version DESC").Limit(1)
	}
	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	t := &schema.WorkflowTemplate{}
	var params string
	if err := s.db.QueryRow(ctx, query, args...).Scan(&t.ID, &t.Version, &t.Description, &params, &t.Body, &t.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("template", id)
		}
		return nil, fmt.Errorf("get template: %w", err)
	}
	t.Parameters = rawOrNil(params)
	return t, nil
}

// --- Executions ---

func scanExecutionRow(row pgx.Row) (*schema.ExecutionContext, error) {
	var r executionRow
	if err := row.Scan(&r.ExecutionID, &r.DefinitionID, &r.DefinitionVersion, &r.ConversationRef,
		&r.CurrentNodeID, &r.Status, &r.Variables, &r.StepCount, &r.TraceLength,
		&r.PendingActions, &r.Error, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	return r.toContext()
}

func (s *PostgresStore) LoadContext(ctx context.Context, executionID string) (*schema.ExecutionContext, error) {
	query, args, err := psql.Select(executionColumns...).
		From("executions").
		Where(squirrel.Eq{"execution_id": executionID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	ec, err := scanExecutionRow(s.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("execution", executionID)
	}
	return ec, err
}

func (s *PostgresStore) SaveContext(ctx context.Context, ec *schema.ExecutionContext) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		return pgUpsertExecution(ctx, tx, ec)
	})
}

func (s *PostgresStore) AppendStep(ctx context.Context, step *schema.ExecutionStep) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		return pgInsertStep(ctx, tx, step)
	})
}

func (s *PostgresStore) Commit(ctx context.Context, ec *schema.ExecutionContext, steps ...*schema.ExecutionStep) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if err := pgUpsertExecution(ctx, tx, ec); err != nil {
			return err
		}
		for _, step := range steps {
			if err := pgInsertStep(ctx, tx, step); err != nil {
				return err
			}
		}
		return nil
	})
}

const upsertExecutionSQL = `INSERT INTO executions (execution_id, definition_id, definition_version,
	conversation_ref, current_node_id, status, variables, step_count, trace_length,
	pending_actions, error, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (execution_id) DO UPDATE SET
	current_node_id = EXCLUDED.current_node_id, status = EXCLUDED.status,
	variables = EXCLUDED.variables, step_count = EXCLUDED.step_count,
	trace_length = EXCLUDED.trace_length, pending_actions = EXCLUDED.pending_actions,
	error = EXCLUDED.error, updated_at = EXCLUDED.updated_at`

func pgUpsertExecution(ctx context.Context, tx pgx.Tx, ec *schema.ExecutionContext) error {
	r, err := toExecutionRow(ec)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, upsertExecutionSQL,
		r.ExecutionID, r.DefinitionID, r.DefinitionVersion, r.ConversationRef,
		r.CurrentNodeID, r.Status, r.Variables, r.StepCount, r.TraceLength,
		r.PendingActions, r.Error, r.CreatedAt, r.UpdatedAt,
	); err != nil {
		return fmt.Errorf("upsert execution %s: %w", ec.ExecutionID, err)
	}
	return nil
}

func pgInsertStep(ctx context.Context, tx pgx.Tx, step *schema.ExecutionStep) error {
	r, err := toStepRow(step)
	if err != nil {
		return err
	}
	query, args, err := psql.Insert("execution_steps").
		Columns(stepColumns...).
		Values(r.ExecutionID, r.StepIndex, r.NodeID, r.NodeType, r.Phase,
			r.Input, r.Output, r.StartedAt, r.DurationMs, r.Error).
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		if isPgUniqueViolation(err) {
			return conflict("step %d of execution %s already recorded", step.StepIndex, step.ExecutionID)
		}
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSteps(ctx context.Context, executionID string) ([]*schema.ExecutionStep, error) {
	query, args, err := psql.Select(stepColumns...).
		From("execution_steps").
		Where(squirrel.Eq{"execution_id": executionID}).
		OrderBy("step_index").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
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

func (s *PostgresStore) FindActive(ctx context.Context, definitionID, conversationRef string) (*schema.ExecutionContext, error) {
	query, args, err := psql.Select(executionColumns...).
		From("executions").
		Where(squirrel.Eq{
			"definition_id":    definitionID,
			"conversation_ref": conversationRef,
			"status":           []string{string(schema.StatusRunning), string(schema.StatusWaitingForInput)},
		}).
		OrderBy("updated_at DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	ec, err := scanExecutionRow(s.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("active execution for conversation", conversationRef)
	}
	return ec, err
}

func (s *PostgresStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.ExecutionContext, error) {
	sb := psql.Select(executionColumns...).From("executions").OrderBy("updated_at DESC", "execution_id")
	if filter.DefinitionID != "" {
		sb = sb.Where(squirrel.Eq{"definition_id": filter.DefinitionID})
	}
	if filter.ConversationRef != "" {
		sb = sb.Where(squirrel.Eq{"conversation_ref": filter.ConversationRef})
	}
	if filter.Status != nil {
		sb = sb.Where(squirrel.Eq{"status": string(*filter.Status)})
	}
	if filter.Limit > 0 {
		sb = sb.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		sb = sb.Offset(uint64(filter.Offset))
	}
	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*schema.ExecutionContext
	for rows.Next() {
		ec, err := scanExecutionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ec)
	}
	return out, rows.Err()
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
