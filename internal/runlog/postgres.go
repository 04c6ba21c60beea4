package runlog

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
)

// Pool is the subset of *pgxpool.Pool the run log needs. pgxmock satisfies
// it in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool Pool
}

// NewPostgres connects to connString and pings the server.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	cfg.MaxConns = 4
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresWithPool wraps an existing pool.
func NewPostgresWithPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS monitor_runs (
	id           UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	api          TEXT NOT NULL,
	run_date     TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ,
	pages        INTEGER NOT NULL DEFAULT 0,
	succeeded    INTEGER NOT NULL DEFAULT 0,
	failed       INTEGER NOT NULL DEFAULT 0,
	rows_written INTEGER NOT NULL DEFAULT 0,
	error        TEXT
);

CREATE INDEX IF NOT EXISTS idx_monitor_runs_api ON monitor_runs(api, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_monitor_runs_status ON monitor_runs(status);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Start(ctx context.Context, api, date string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO monitor_runs (api, run_date, status, started_at)
		 VALUES ($1, $2, 'running', now()) RETURNING id::text`,
		api, date,
	).Scan(&id)
	if err != nil {
		return "", eris.Wrapf(err, "postgres: start run for %s", api)
	}
	return id, nil
}

func (s *PostgresStore) Complete(ctx context.Context, id string, r Result) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE monitor_runs
		 SET status = 'complete', completed_at = now(), pages = $1, succeeded = $2, failed = $3, rows_written = $4
		 WHERE id = $5`,
		r.Pages, r.Succeeded, r.Failed, r.Rows, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) Fail(ctx context.Context, id string, msg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE monitor_runs SET status = 'failed', completed_at = now(), error = $1 WHERE id = $2`,
		msg, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail run %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::text, api, run_date, status, started_at, completed_at, pages, succeeded, failed, rows_written, error
		 FROM monitor_runs
		 WHERE ($1 = '' OR api = $1)
		 ORDER BY started_at DESC LIMIT $2 OFFSET $3`,
		f.API, f.limit(), f.Offset,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var errStr *string
		if err := rows.Scan(&e.ID, &e.API, &e.Date, &e.Status, &e.StartedAt, &e.CompletedAt,
			&e.Pages, &e.Succeeded, &e.Failed, &e.Rows, &errStr); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		if errStr != nil {
			e.Error = *errStr
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: iterate runs")
}

func (s *PostgresStore) LastSuccess(ctx context.Context, api string) (*time.Time, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT started_at FROM monitor_runs
		 WHERE api = $1 AND status = 'complete'
		 ORDER BY started_at DESC LIMIT 1`,
		api,
	).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: last success for %s", api)
	}
	return &t, nil
}
