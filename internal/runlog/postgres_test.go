package runlog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPostgres(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })
	return NewPostgresWithPool(mock), mock
}

func TestPostgres_Migrate(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS monitor_runs`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Start(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectQuery(`INSERT INTO monitor_runs`).
		WithArgs("stocks", "2024-01-02").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("0b7c1d2e-0000-4000-8000-000000000001"))

	id, err := s.Start(context.Background(), "stocks", "2024-01-02")
	require.NoError(t, err)
	assert.Equal(t, "0b7c1d2e-0000-4000-8000-000000000001", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_StartError(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectQuery(`INSERT INTO monitor_runs`).
		WithArgs("stocks", "2024-01-02").
		WillReturnError(errors.New("connection refused"))

	_, err := s.Start(context.Background(), "stocks", "2024-01-02")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start run for stocks")
}

func TestPostgres_Complete(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectExec(`UPDATE monitor_runs\s+SET status = 'complete'`).
		WithArgs(3, 3, 0, 57, "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.Complete(context.Background(), "run-1", Result{Pages: 3, Succeeded: 3, Rows: 57}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CompleteNotFound(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectExec(`UPDATE monitor_runs`).
		WithArgs(0, 0, 0, 0, "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.Complete(context.Background(), "missing", Result{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run not found")
}

func TestPostgres_Fail(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectExec(`UPDATE monitor_runs SET status = 'failed'`).
		WithArgs("timeout", "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.Fail(context.Background(), "run-1", "timeout"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_List(t *testing.T) {
	s, mock := newMockPostgres(t)
	started := time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)
	completed := started.Add(2 * time.Minute)
	msg := "page 2 failed"

	cols := []string{"id", "api", "run_date", "status", "started_at", "completed_at",
		"pages", "succeeded", "failed", "rows_written", "error"}
	mock.ExpectQuery(`SELECT id::text, api, run_date`).
		WithArgs("stocks", 10, 0).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow("run-1", "stocks", "2024-01-02", StatusComplete, started, &completed, 3, 2, 1, 40, &msg))

	entries, err := s.List(context.Background(), Filter{API: "stocks", Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "run-1", e.ID)
	assert.Equal(t, 1, e.Failed)
	assert.Equal(t, 40, e.Rows)
	assert.Equal(t, "page 2 failed", e.Error)
	require.NotNil(t, e.CompletedAt)
	assert.True(t, completed.Equal(*e.CompletedAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_LastSuccess(t *testing.T) {
	s, mock := newMockPostgres(t)
	ts := time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT started_at FROM monitor_runs`).
		WithArgs("stocks").
		WillReturnRows(pgxmock.NewRows([]string{"started_at"}).AddRow(ts))
	mock.ExpectQuery(`SELECT started_at FROM monitor_runs`).
		WithArgs("never").
		WillReturnError(pgx.ErrNoRows)

	got, err := s.LastSuccess(context.Background(), "stocks")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, ts.Equal(*got))

	got, err = s.LastSuccess(context.Background(), "never")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}
