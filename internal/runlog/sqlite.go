package runlog

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at dsn and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS monitor_runs (
	id           TEXT PRIMARY KEY,
	api          TEXT NOT NULL,
	run_date     TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	started_at   DATETIME NOT NULL,
	completed_at DATETIME,
	pages        INTEGER NOT NULL DEFAULT 0,
	succeeded    INTEGER NOT NULL DEFAULT 0,
	failed       INTEGER NOT NULL DEFAULT 0,
	rows_written INTEGER NOT NULL DEFAULT 0,
	error        TEXT
);

CREATE INDEX IF NOT EXISTS idx_monitor_runs_api ON monitor_runs(api, started_at);
CREATE INDEX IF NOT EXISTS idx_monitor_runs_status ON monitor_runs(status);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Start(ctx context.Context, api, date string) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO monitor_runs (id, api, run_date, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, api, date, StatusRunning, s.now(),
	)
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: start run for %s", api)
	}
	return id, nil
}

func (s *SQLiteStore) Complete(ctx context.Context, id string, r Result) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE monitor_runs
		 SET status = ?, completed_at = ?, pages = ?, succeeded = ?, failed = ?, rows_written = ?
		 WHERE id = ?`,
		StatusComplete, s.now(), r.Pages, r.Succeeded, r.Failed, r.Rows, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", id)
	}
	return checkRowsAffected(res, id)
}

func (s *SQLiteStore) Fail(ctx context.Context, id string, msg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE monitor_runs SET status = ?, completed_at = ?, error = ? WHERE id = ?`,
		StatusFailed, s.now(), msg, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail run %s", id)
	}
	return checkRowsAffected(res, id)
}

func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]Entry, error) {
	query := `SELECT id, api, run_date, status, started_at, completed_at, pages, succeeded, failed, rows_written, error
		FROM monitor_runs`
	var args []any
	if f.API != "" {
		query += ` WHERE api = ?`
		args = append(args, f.API)
	}
	query += ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, f.limit(), f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var entries []Entry
	for rows.Next() {
		var e Entry
		var completed sql.NullTime
		var errStr sql.NullString
		if err := rows.Scan(&e.ID, &e.API, &e.Date, &e.Status, &e.StartedAt, &completed,
			&e.Pages, &e.Succeeded, &e.Failed, &e.Rows, &errStr); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		if completed.Valid {
			t := completed.Time
			e.CompletedAt = &t
		}
		e.Error = errStr.String
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: iterate runs")
}

func (s *SQLiteStore) LastSuccess(ctx context.Context, api string) (*time.Time, error) {
	var t time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT started_at FROM monitor_runs
		 WHERE api = ? AND status = ?
		 ORDER BY started_at DESC LIMIT 1`,
		api, StatusComplete,
	).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: last success for %s", api)
	}
	return &t, nil
}

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("run not found: %s", id)
	}
	return nil
}
