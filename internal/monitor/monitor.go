// Package monitor runs monitoring cycles: fetch every page of an API,
// normalize each page and persist it before moving to the next.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/quote-monitor/internal/csvstore"
	"github.com/sells-group/quote-monitor/internal/model"
	"github.com/sells-group/quote-monitor/internal/normalize"
	"github.com/sells-group/quote-monitor/internal/runlog"
)

// ErrUnknownAPI is returned for descriptor names that are not registered.
var ErrUnknownAPI = eris.New("monitor: unknown api")

// PageFetcher fetches one page. Failures are reported in the result, never
// as a Go error.
type PageFetcher interface {
	FetchPage(ctx context.Context, desc model.APIDescriptor, page int) model.PageResult
}

// Options configures a Monitor.
type Options struct {
	Location        *time.Location
	DefaultPageSize int
	// CycleTimeout bounds a whole cycle; 0 means unbounded. It is checked
	// between pages, so an in-flight page always completes.
	CycleTimeout time.Duration
}

// Monitor is the pipeline context shared by every cycle: fetcher,
// normalizer, stores and clock. Build it once and pass it explicitly.
type Monitor struct {
	fetcher    PageFetcher
	normalizer *normalize.Normalizer
	store      *csvstore.Store
	runs       runlog.Store
	opts       Options
	now        func() time.Time

	// cycles holds one single-slot semaphore per api+date. A cycle owns the
	// daily file and the upstream pagination for its key until it returns.
	mu     sync.Mutex
	cycles map[string]chan struct{}
}

// New creates a Monitor. A nil runs store disables the run log.
func New(f PageFetcher, store *csvstore.Store, runs runlog.Store, opts Options) *Monitor {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.DefaultPageSize <= 0 {
		opts.DefaultPageSize = 20
	}
	if runs == nil {
		runs = runlog.Nop{}
	}
	return &Monitor{
		fetcher:    f,
		normalizer: normalize.New(),
		store:      store,
		runs:       runs,
		opts:       opts,
		now:        time.Now,
		cycles:     make(map[string]chan struct{}),
	}
}

// Store returns the CSV store the monitor writes to.
func (m *Monitor) Store() *csvstore.Store { return m.store }

// Today returns the current date (YYYY-MM-DD) in the configured zone.
func (m *Monitor) Today() string {
	return model.DailyDate(m.now().In(m.opts.Location))
}

// TotalPages returns max(1, ceil(total/pageSize)).
func TotalPages(total, pageSize int) int {
	if pageSize <= 0 || total <= 0 {
		return 1
	}
	return max(1, (total+pageSize-1)/pageSize)
}

// RunCycle runs one monitoring cycle for desc on date (YYYY-MM-DD or
// YYYYMMDD; empty means today). It returns one PageResult per attempted
// page. If page 1 fails the result has length 1 and nothing is written. An
// error is returned only for invalid input or when the daily file cannot be
// cleared.
func (m *Monitor) RunCycle(ctx context.Context, desc model.APIDescriptor, date string) ([]model.PageResult, error) {
	rep, err := m.Cycle(ctx, desc, date)
	return rep.Results, err
}

// acquireCycle blocks until no other cycle for api on date is running, or
// ctx is done.
func (m *Monitor) acquireCycle(ctx context.Context, api, date string) (func(), error) {
	key := api + "|" + date
	m.mu.Lock()
	sem, ok := m.cycles[key]
	if !ok {
		sem = make(chan struct{}, 1)
		m.cycles[key] = sem
	}
	m.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, eris.Wrapf(ctx.Err(), "monitor: waiting for running cycle of %s on %s", api, date)
	}
}

// Cycle is RunCycle returning a summarized report. Cycles for the same api
// and date run one at a time; a second caller waits for the first to finish
// and then runs its own cycle.
func (m *Monitor) Cycle(ctx context.Context, desc model.APIDescriptor, date string) (model.CycleReport, error) {
	if err := desc.Validate(); err != nil {
		return model.CycleReport{API: desc.Name}, err
	}
	day, err := m.resolveDate(date)
	if err != nil {
		return model.CycleReport{API: desc.Name}, err
	}
	dailyDate, rowDate := model.DailyDate(day), model.RowDate(day)

	release, err := m.acquireCycle(ctx, desc.Name, dailyDate)
	if err != nil {
		return model.CycleReport{API: desc.Name, Date: dailyDate, Error: err.Error()}, err
	}
	defer release()

	log := zap.L().With(
		zap.String("component", "monitor"),
		zap.String("api", desc.Name),
		zap.String("date", dailyDate),
	)
	start := m.now()

	runID, err := m.runs.Start(ctx, desc.Name, dailyDate)
	if err != nil {
		log.Warn("run log start failed", zap.Error(err))
	}

	if err := m.store.ResetDaily(desc.Name, dailyDate); err != nil {
		m.recordFailure(ctx, log, runID, err.Error())
		return model.CycleReport{API: desc.Name, Date: dailyDate, Error: err.Error()},
			eris.Wrapf(err, "monitor: reset daily snapshot for %s", desc.Name)
	}

	log.Info("cycle started")
	results := m.paginate(ctx, log, desc, dailyDate, rowDate)

	rep := model.Summarize(desc.Name, dailyDate, results)
	rep.Duration = m.now().Sub(start)

	if rep.Succeeded == 0 {
		rep.Error = results[0].Error
		m.recordFailure(ctx, log, runID, rep.Error)
		log.Error("cycle failed", zap.String("error", rep.Error))
		return rep, nil
	}

	if runID != "" {
		if err := m.runs.Complete(ctx, runID, runlog.Result{
			Pages: rep.Pages, Succeeded: rep.Succeeded, Failed: rep.Failed, Rows: rep.Rows,
		}); err != nil {
			log.Warn("run log complete failed", zap.Error(err))
		}
	}
	log.Info("cycle complete",
		zap.Int("pages", rep.Pages),
		zap.Int("failed", rep.Failed),
		zap.Int("rows", rep.Rows),
		zap.Duration("elapsed", rep.Duration),
	)
	return rep, nil
}

// paginate fetches page 1, derives the page count from its total, then
// fetches the remaining pages sequentially. Each successful page is persisted
// before the next is requested. ctx cancellation and the cycle timeout stop
// the loop between pages; in-flight requests are not interrupted.
func (m *Monitor) paginate(ctx context.Context, log *zap.Logger, desc model.APIDescriptor, dailyDate, rowDate string) []model.PageResult {
	fetchCtx := context.WithoutCancel(ctx)
	var deadline time.Time
	if m.opts.CycleTimeout > 0 {
		deadline = m.now().Add(m.opts.CycleTimeout)
	}

	first := m.fetcher.FetchPage(fetchCtx, desc, 1)
	if !first.OK() {
		return []model.PageResult{first}
	}
	m.process(log, &first, desc, dailyDate, rowDate)
	results := []model.PageResult{first}

	pageSize := desc.PageSize(m.opts.DefaultPageSize)
	total := 0
	if first.Pagination != nil {
		total = first.Pagination.Total
	}
	totalPages := TotalPages(total, pageSize)
	log.Info("pagination resolved",
		zap.Int("total", total),
		zap.Int("page_size", pageSize),
		zap.Int("pages", totalPages),
	)

	for page := 2; page <= totalPages; page++ {
		if err := ctx.Err(); err != nil {
			log.Warn("cycle cancelled between pages", zap.Int("next_page", page), zap.Error(err))
			break
		}
		if !deadline.IsZero() && !m.now().Before(deadline) {
			log.Warn("cycle timeout reached", zap.Int("next_page", page), zap.Duration("timeout", m.opts.CycleTimeout))
			break
		}

		res := m.fetcher.FetchPage(fetchCtx, desc, page)
		if res.OK() {
			m.process(log, &res, desc, dailyDate, rowDate)
		}
		results = append(results, res)
	}
	return results
}

// process normalizes and persists one successful page, recording the number
// of rows written on the result. Schema and persistence problems are logged
// and do not change the page status.
func (m *Monitor) process(log *zap.Logger, res *model.PageResult, desc model.APIDescriptor, dailyDate, rowDate string) {
	plog := log.With(zap.Int("page", res.Page))
	if res.Raw == "" {
		plog.Warn("page body is not JSON; nothing to persist")
		return
	}

	records, err := normalize.ExtractRecords(res.Raw, desc.RecordMode())
	if err != nil {
		plog.Warn("extract records failed", zap.Error(err))
		return
	}

	batch, schemaErrs := m.normalizer.Normalize(records, rowDate, desc.Keys(), desc.Names())
	if len(schemaErrs) > 0 {
		plog.Warn("records dropped", zap.Int("dropped", len(schemaErrs)), zap.Error(schemaErrs[0]))
	}

	written, persistErrs := m.store.Persist(desc.Name, dailyDate, batch)
	for _, e := range persistErrs {
		plog.Error("persist failed", zap.Error(e))
	}
	res.Rows = written
	plog.Debug("page persisted", zap.Int("records", len(records)), zap.Int("rows", written))
}

func (m *Monitor) recordFailure(ctx context.Context, log *zap.Logger, runID, msg string) {
	if runID == "" {
		return
	}
	if err := m.runs.Fail(ctx, runID, msg); err != nil {
		log.Warn("run log fail failed", zap.Error(err))
	}
}

func (m *Monitor) resolveDate(date string) (time.Time, error) {
	if date == "" {
		return m.now().In(m.opts.Location), nil
	}
	return model.ParseDate(date, m.opts.Location)
}

// RunAll runs a cycle for each descriptor, at most concurrency at a time.
// Pages within one descriptor stay sequential. Reports are returned in the
// order of descs.
func (m *Monitor) RunAll(ctx context.Context, descs []model.APIDescriptor, date string, concurrency int) []model.CycleReport {
	if concurrency <= 0 {
		concurrency = 1
	}
	reports := make([]model.CycleReport, len(descs))

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, d := range descs {
		g.Go(func() error {
			rep, err := m.Cycle(ctx, d, date)
			if err != nil {
				rep.API = d.Name
				rep.Error = err.Error()
			}
			reports[i] = rep
			return nil
		})
	}
	_ = g.Wait()
	return reports
}
