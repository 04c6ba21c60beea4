package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/quote-monitor/internal/config"
	"github.com/sells-group/quote-monitor/internal/csvstore"
	"github.com/sells-group/quote-monitor/internal/fetcher"
	"github.com/sells-group/quote-monitor/internal/monitor"
	"github.com/sells-group/quote-monitor/internal/runlog"
)

// pipelineEnv holds the initialized stores, registry and monitor needed by
// the serve/monitor/runs commands.
type pipelineEnv struct {
	Runs     runlog.Store
	Store    *csvstore.Store
	Registry *monitor.Registry
	Monitor  *monitor.Monitor
	Location *time.Location
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Runs != nil {
		_ = pe.Runs.Close()
	}
}

// initRunLog opens and migrates the run log configured under store.
func initRunLog(ctx context.Context, c *config.Config) (runlog.Store, error) {
	runs, err := runlog.Open(ctx, c.Store.Driver, c.Store.DatabaseURL)
	if err != nil {
		return nil, eris.Wrap(err, "open run log")
	}
	if err := runs.Migrate(ctx); err != nil {
		_ = runs.Close()
		return nil, eris.Wrap(err, "migrate run log")
	}
	return runs, nil
}

// initPipeline loads descriptors, opens the run log and builds the Monitor.
// Callers should defer env.Close().
func initPipeline(ctx context.Context, c *config.Config) (*pipelineEnv, error) {
	loc, err := c.Monitor.Location()
	if err != nil {
		return nil, err
	}

	descs, err := c.Monitor.Descriptors()
	if err != nil {
		return nil, err
	}
	reg, err := monitor.NewRegistry(descs...)
	if err != nil {
		return nil, eris.Wrap(err, "build api registry")
	}
	if reg.Len() == 0 {
		zap.L().Warn("no apis configured", zap.String("apis_file", c.Monitor.APIsFile))
	}

	runs, err := initRunLog(ctx, c)
	if err != nil {
		return nil, err
	}

	transport := fetcher.NewHTTPTransport(fetcher.HTTPOptions{UserAgent: c.Monitor.UserAgent})
	pf := fetcher.NewPageFetcher(transport, fetcher.PageOptions{
		MaxRetries:      c.Monitor.MaxRetries,
		BackoffBase:     config.Millis(c.Monitor.BackoffBaseMs),
		MinDelay:        config.Millis(c.Monitor.MinDelayMs),
		MaxDelay:        config.Millis(c.Monitor.MaxDelayMs),
		DefaultPageSize: c.Monitor.DefaultPageSize,
	})

	store := csvstore.New(c.Monitor.DataDir)
	mon := monitor.New(pf, store, runs, monitor.Options{
		Location:        loc,
		DefaultPageSize: c.Monitor.DefaultPageSize,
		CycleTimeout:    c.Monitor.CycleTimeout(),
	})

	zap.L().Info("pipeline initialized",
		zap.Strings("apis", reg.Names()),
		zap.String("data_dir", store.Root()),
		zap.String("run_log", c.Store.Driver),
		zap.String("zone", loc.String()),
	)

	return &pipelineEnv{
		Runs:     runs,
		Store:    store,
		Registry: reg,
		Monitor:  mon,
		Location: loc,
	}, nil
}
