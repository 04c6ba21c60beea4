package csvstore

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/quote-monitor/internal/model"
)

// CollapseResult reports what CollapseHistory did to one file.
type CollapseResult struct {
	Key     string `json:"key"`
	Before  int    `json:"before"`
	After   int    `json:"after"`
	Removed int    `json:"removed"`
}

// CollapseHistory rewrites stock/{key}.csv keeping only the last row for each
// date, in first-seen date order. Files written before deduplication was
// enforced may contain repeats.
func (s *Store) CollapseHistory(ctx context.Context, key string) (CollapseResult, error) {
	res := CollapseResult{Key: key}
	path := s.HistoryPath(key)
	defer s.lock(path)()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return res, eris.Wrapf(err, "history %q", key)
		}
		return res, persistErr(path, err)
	}
	t, err := ReadTable(ctx, bytes.NewReader(data))
	if err != nil {
		return res, persistErr(path, err)
	}
	res.Before = len(t.Rows)
	dateIdx := t.Column(model.DateColumn)
	if dateIdx < 0 {
		zap.L().Warn("history file has no date column", zap.String("key", key))
		res.After = res.Before
		return res, nil
	}

	latest := make(map[string][]string, len(t.Rows))
	var order []string
	for _, r := range t.Rows {
		if len(r) <= dateIdx || r[dateIdx] == "" {
			continue
		}
		d := r[dateIdx]
		if _, seen := latest[d]; !seen {
			order = append(order, d)
		}
		latest[d] = r
	}
	res.After = len(order)
	res.Removed = res.Before - res.After
	if res.Removed == 0 {
		return res, nil
	}

	var buf bytes.Buffer
	buf.WriteString(FormatRecord(t.Header))
	for _, d := range order {
		buf.WriteString(FormatRecord(latest[d]))
	}
	if err := writeAtomic(path, buf.Bytes()); err != nil {
		return res, persistErr(path, err)
	}
	return res, nil
}

// CollapseAll runs CollapseHistory over every history file. Files that fail
// are logged and skipped; the first error is returned after the sweep.
func (s *Store) CollapseAll(ctx context.Context) ([]CollapseResult, error) {
	keys, err := s.HistoryKeys()
	if err != nil {
		return nil, err
	}
	log := zap.L().With(zap.String("component", "csvstore"))

	var results []CollapseResult
	var firstErr error
	for _, k := range keys {
		if ctx.Err() != nil {
			return results, eris.Wrap(ctx.Err(), "collapse cancelled")
		}
		r, err := s.CollapseHistory(ctx, k)
		if err != nil {
			log.Warn("collapse history failed", zap.String("key", k), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if r.Removed > 0 {
			log.Info("collapsed duplicate history rows",
				zap.String("key", k), zap.Int("removed", r.Removed))
		}
		results = append(results, r)
	}
	return results, firstErr
}
