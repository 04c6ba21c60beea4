// Package schedule runs monitoring cycles on each descriptor's cron spec.
package schedule

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/quote-monitor/internal/model"
)

// Runner runs one cycle. An empty date means today.
type Runner interface {
	RunCycle(ctx context.Context, desc model.APIDescriptor, date string) ([]model.PageResult, error)
}

// Specs accept five fields, an optional leading seconds field, or a
// descriptor such as @hourly.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSpec validates a cron spec.
func ParseSpec(spec string) error {
	_, err := parser.Parse(spec)
	return eris.Wrapf(err, "schedule: invalid cron %q", spec)
}

// Entry describes a registered job.
type Entry struct {
	API  string    `json:"apiName"`
	Spec string    `json:"cron"`
	Next time.Time `json:"next"`
}

// Scheduler owns a cron instance. Each job skips a tick while its previous
// cycle is still running.
type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	log    *zap.Logger

	mu      sync.Mutex
	ctx     context.Context
	entries map[string]cron.EntryID
	specs   map[string]string
}

// New creates a Scheduler evaluating specs in loc.
func New(runner Runner, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	log := zap.L().With(zap.String("component", "schedule"))
	cl := cronLogger{log.Sugar()}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithParser(parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		runner:  runner,
		log:     log,
		ctx:     context.Background(),
		entries: make(map[string]cron.EntryID),
		specs:   make(map[string]string),
	}
}

// Add registers desc. Descriptors without a cron spec are skipped and
// reported as not added.
func (s *Scheduler) Add(desc model.APIDescriptor) (bool, error) {
	if desc.Cron == "" {
		return false, nil
	}
	if err := ParseSpec(desc.Cron); err != nil {
		return false, eris.Wrapf(err, "api %s", desc.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.entries[desc.Name]; dup {
		return false, eris.Errorf("schedule: %s already registered", desc.Name)
	}

	cl := cronLogger{s.log.Sugar()}
	job := cron.NewChain(cron.SkipIfStillRunning(cl)).Then(cron.FuncJob(func() {
		s.run(desc)
	}))
	id, err := s.cron.AddJob(desc.Cron, job)
	if err != nil {
		return false, eris.Wrapf(err, "schedule: add %s", desc.Name)
	}
	s.entries[desc.Name] = id
	s.specs[desc.Name] = desc.Cron
	s.log.Info("monitor scheduled", zap.String("api", desc.Name), zap.String("cron", desc.Cron))
	return true, nil
}

// AddAll registers every descriptor with a cron spec and returns how many
// were scheduled.
func (s *Scheduler) AddAll(descs []model.APIDescriptor) (int, error) {
	n := 0
	for _, d := range descs {
		added, err := s.Add(d)
		if err != nil {
			return n, err
		}
		if added {
			n++
		}
	}
	return n, nil
}

func (s *Scheduler) run(desc model.APIDescriptor) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	log := s.log.With(zap.String("api", desc.Name))
	log.Info("scheduled cycle starting")
	results, err := s.runner.RunCycle(ctx, desc, "")
	if err != nil {
		log.Error("scheduled cycle failed", zap.Error(err))
		return
	}
	log.Info("scheduled cycle finished", zap.Int("pages", len(results)))
}

// Start starts the scheduler. Jobs receive ctx, so cancelling it stops
// in-progress cycles between pages.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
}

// Stop stops scheduling new jobs and waits for running ones, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "schedule: stop")
	}
}

// Entries lists the registered jobs by API name.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for name, id := range s.entries {
		out = append(out, Entry{API: name, Spec: s.specs[name], Next: s.cron.Entry(id).Next})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].API < out[j].API })
	return out
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, kv ...any) {
	c.l.Debugw(msg, kv...)
}

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Errorw(msg, append(kv, "error", err)...)
}
