// Package runlog records monitoring cycles so operators can see when each API
// last ran and how many pages and rows it produced.
package runlog

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Status values for a cycle entry.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Entry is one recorded monitoring cycle.
type Entry struct {
	ID          string     `json:"id"`
	API         string     `json:"apiName"`
	Date        string     `json:"date"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Pages       int        `json:"pages"`
	Succeeded   int        `json:"succeeded"`
	Failed      int        `json:"failed"`
	Rows        int        `json:"rows"`
	Error       string     `json:"error,omitempty"`
}

// Result is passed to Complete.
type Result struct {
	Pages     int
	Succeeded int
	Failed    int
	Rows      int
}

// Filter narrows List.
type Filter struct {
	API    string
	Limit  int
	Offset int
}

func (f Filter) limit() int {
	if f.Limit <= 0 {
		return 50
	}
	return f.Limit
}

// Store persists cycle entries.
type Store interface {
	Migrate(ctx context.Context) error
	Start(ctx context.Context, api, date string) (string, error)
	Complete(ctx context.Context, id string, res Result) error
	Fail(ctx context.Context, id string, msg string) error
	List(ctx context.Context, f Filter) ([]Entry, error)
	// LastSuccess returns the start time of the newest complete cycle for
	// api, or nil when there is none.
	LastSuccess(ctx context.Context, api string) (*time.Time, error)
	Close() error
}

// Open returns the Store for driver: "sqlite", "postgres" or "none".
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch strings.ToLower(driver) {
	case "", "none":
		return Nop{}, nil
	case "sqlite":
		return NewSQLite(dsn)
	case "postgres", "postgresql":
		return NewPostgres(ctx, dsn)
	default:
		return nil, eris.Errorf("runlog: unknown driver %q", driver)
	}
}

// Nop discards everything.
type Nop struct{}

func (Nop) Migrate(context.Context) error                         { return nil }
func (Nop) Start(context.Context, string, string) (string, error) { return "", nil }
func (Nop) Complete(context.Context, string, Result) error        { return nil }
func (Nop) Fail(context.Context, string, string) error            { return nil }
func (Nop) List(context.Context, Filter) ([]Entry, error)         { return nil, nil }
func (Nop) LastSuccess(context.Context, string) (*time.Time, error) {
	return nil, nil
}
func (Nop) Close() error { return nil }
