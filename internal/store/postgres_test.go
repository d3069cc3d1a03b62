package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chatflow/pkg/schema"
)

func newMockPostgres(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresStoreFromPool(mock), mock
}

func executionRows(mock pgxmock.PgxPoolIface, now time.Time) *pgxmock.Rows {
	return mock.NewRows(executionColumns).
		AddRow("exec-1", "greet", 1, "conv-1", "ask", "waiting_for_input",
			`{"name":"Ada"}`, 2, 3, `[]`, "", now, now)
}

func TestPostgres_LoadContext(t *testing.T) {
	s, mock := newMockPostgres(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT (.+) FROM executions WHERE execution_id = \$1`).
		WithArgs("exec-1").
		WillReturnRows(executionRows(mock, now))

	ec, err := s.LoadContext(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "exec-1", ec.ExecutionID)
	assert.Equal(t, schema.StatusWaitingForInput, ec.Status)
	assert.Equal(t, map[string]any{"name": "Ada"}, ec.Variables)
	assert.Equal(t, 2, ec.StepCount)
	assert.Equal(t, 3, ec.TraceLength)
	assert.Nil(t, ec.Error)
	assert.Nil(t, ec.PendingActions)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_LoadContextNotFound(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectQuery(`SELECT (.+) FROM executions WHERE execution_id = \$1`).
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.LoadContext(context.Background(), "nope")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Commit(t *testing.T) {
	s, mock := newMockPostgres(t)
	ec := testExecution("greet", "conv-1", schema.StatusRunning)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO executions`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO execution_steps`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO execution_steps`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := s.Commit(context.Background(), ec, testStep(ec.ExecutionID, 0), testStep(ec.ExecutionID, 1))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CommitConflictRollsBack(t *testing.T) {
	s, mock := newMockPostgres(t)
	ec := testExecution("greet", "conv-1", schema.StatusRunning)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO executions`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO execution_steps`).WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	err := s.Commit(context.Background(), ec, testStep(ec.ExecutionID, 0))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_FindActive(t *testing.T) {
	s, mock := newMockPostgres(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT (.+) FROM executions WHERE (.+) ORDER BY updated_at DESC LIMIT 1`).
		WithArgs("conv-1", "greet", "running", "waiting_for_input").
		WillReturnRows(executionRows(mock, now))

	ec, err := s.FindActive(context.Background(), "greet", "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "exec-1", ec.ExecutionID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ListExecutions(t *testing.T) {
	s, mock := newMockPostgres(t)
	now := time.Now().UTC()
	status := schema.StatusWaitingForInput

	mock.ExpectQuery(`SELECT (.+) FROM executions WHERE definition_id = \$1 AND status = \$2 ORDER BY updated_at DESC, execution_id LIMIT 10`).
		WithArgs("greet", "waiting_for_input").
		WillReturnRows(executionRows(mock, now))

	out, err := s.ListExecutions(context.Background(), ExecutionFilter{DefinitionID: "greet", Status: &status, Limit: 10})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "conv-1", out[0].ConversationRef)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ListSteps(t *testing.T) {
	s, mock := newMockPostgres(t)
	now := time.Now().UTC()

	rows := mock.NewRows(stepColumns).
		AddRow("exec-1", 0, "start", "start", "evaluate", "", `{}`, now, int64(1), "").
		AddRow("exec-1", 1, "call", "integration", "dispatch", "", "", now, int64(30),
			`{"code":"INTEGRATION_TIMEOUT","message":"slow"}`)
	mock.ExpectQuery(`SELECT (.+) FROM execution_steps WHERE execution_id = \$1 ORDER BY step_index`).
		WithArgs("exec-1").
		WillReturnRows(rows)

	steps, err := s.ListSteps(context.Background(), "exec-1")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Nil(t, steps[0].Input)
	assert.Equal(t, json.RawMessage(`{}`), steps[0].Output)
	assert.Equal(t, schema.PhaseDispatch, steps[1].Phase)
	require.NotNil(t, steps[1].Error)
	assert.Equal(t, schema.ErrCodeIntegrationTimeout, steps[1].Error.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SaveDefinitionAssignsVersion(t *testing.T) {
	s, mock := newMockPostgres(t)
	def := testDefinition("greet")

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\) FROM definitions WHERE id = \$1`).
		WithArgs("greet").
		WillReturnRows(mock.NewRows([]string{"coalesce"}).AddRow(2))
	mock.ExpectExec(`INSERT INTO definitions`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, s.SaveDefinition(context.Background(), def))
	assert.Equal(t, 3, def.Version)
	assert.False(t, def.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetDefinitionLatest(t *testing.T) {
	s, mock := newMockPostgres(t)
	def := testDefinition("greet")
	def.Version = 4
	body, err := json.Marshal(def)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT body FROM definitions WHERE id = \$1 ORDER BY version DESC LIMIT 1`).
		WithArgs("greet").
		WillReturnRows(mock.NewRows([]string{"body"}).AddRow(string(body)))

	got, err := s.GetDefinition(context.Background(), "greet", 0)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Version)
	assert.Len(t, got.Nodes, 3)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_MigrateSkipsApplied(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_version`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\) FROM schema_version`).
		WillReturnRows(mock.NewRows([]string{"coalesce"}).AddRow(len(postgresMigrations)))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
