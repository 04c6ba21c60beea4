package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/quote-monitor/internal/runlog"
)

// APIHealth is the per-API view inside a MetricsSnapshot.
type APIHealth struct {
	API         string     `json:"apiName"`
	Cycles      int        `json:"cycles"`
	Failed      int        `json:"failed"`
	LastSuccess *time.Time `json:"lastSuccess,omitempty"`
}

// MetricsSnapshot holds a point-in-time view of cycle health.
type MetricsSnapshot struct {
	// Cycle metrics (within lookback window).
	CyclesTotal    int     `json:"cycles_total"`
	CyclesComplete int     `json:"cycles_complete"`
	CyclesFailed   int     `json:"cycles_failed"`
	CyclesRunning  int     `json:"cycles_running"`
	CycleFailRate  float64 `json:"cycle_fail_rate"`

	// Page metrics over complete cycles.
	Pages        int     `json:"pages"`
	PagesLost    int     `json:"pages_lost"`
	PageLossRate float64 `json:"page_loss_rate"`
	Rows         int     `json:"rows"`

	APIs []APIHealth `json:"apis"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers metrics from the run log.
type Collector struct {
	runs runlog.Store
	apis []string
	now  func() time.Time
}

// NewCollector creates a collector that reports on apis. Cycles recorded for
// other names still count toward the totals.
func NewCollector(runs runlog.Store, apis []string) *Collector {
	return &Collector{
		runs: runs,
		apis: apis,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	entries, err := c.runs.List(ctx, runlog.Filter{Limit: 10000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	per := make(map[string]*APIHealth, len(c.apis))
	for _, name := range c.apis {
		per[name] = &APIHealth{API: name}
	}

	for _, e := range entries {
		if e.StartedAt.Before(cutoff) {
			continue
		}
		snap.CyclesTotal++
		h := per[e.API]
		if h != nil {
			h.Cycles++
		}
		switch e.Status {
		case runlog.StatusComplete:
			snap.CyclesComplete++
			snap.Pages += e.Pages
			snap.PagesLost += e.Failed
			snap.Rows += e.Rows
		case runlog.StatusFailed:
			snap.CyclesFailed++
			if h != nil {
				h.Failed++
			}
		default:
			snap.CyclesRunning++
		}
	}

	if finished := snap.CyclesComplete + snap.CyclesFailed; finished > 0 {
		snap.CycleFailRate = float64(snap.CyclesFailed) / float64(finished)
	}
	if snap.Pages > 0 {
		snap.PageLossRate = float64(snap.PagesLost) / float64(snap.Pages)
	}

	snap.APIs = make([]APIHealth, 0, len(c.apis))
	for _, name := range c.apis {
		last, err := c.runs.LastSuccess(ctx, name)
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: last success for %s", name)
		}
		h := per[name]
		h.LastSuccess = last
		snap.APIs = append(snap.APIs, *h)
	}

	return snap, nil
}
