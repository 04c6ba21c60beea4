// Package csvstore persists normalized quote rows to two CSV sinks: a daily
// snapshot per API and a per-instrument history deduplicated by date.
package csvstore

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/quote-monitor/internal/model"
	"github.com/sells-group/quote-monitor/internal/resilience"
)

const (
	dailyDir   = "daily"
	historyDir = "stock"
)

// Store writes daily snapshot and history files under a root directory.
type Store struct {
	root string

	// locks serializes read-modify-write per history key and appends per
	// daily file.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Store rooted at dir. Subdirectories are created lazily.
func New(dir string) *Store {
	return &Store{root: dir, locks: make(map[string]*sync.Mutex)}
}

// Root returns the data directory.
func (s *Store) Root() string { return s.root }

// DailyPath returns daily/{api}_{YYYY-MM-DD}.csv.
func (s *Store) DailyPath(api, date string) string {
	return filepath.Join(s.root, dailyDir, api+"_"+date+".csv")
}

// HistoryPath returns stock/{key}.csv.
func (s *Store) HistoryPath(key string) string {
	return filepath.Join(s.root, historyDir, key+".csv")
}

func (s *Store) lock(name string) func() {
	s.mu.Lock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.Mutex{}
		s.locks[name] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func persistErr(path string, err error) error {
	return &resilience.PersistenceError{Path: path, Err: err}
}

// ResetDaily removes the daily file for api and date so a new cycle starts
// from an empty snapshot. A missing file is not an error.
func (s *Store) ResetDaily(api, date string) error {
	path := s.DailyPath(api, date)
	defer s.lock(path)()
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return persistErr(path, err)
	}
	return nil
}

// AppendDaily appends rows to the daily file, writing the schema header
// first when the file is absent or empty.
func (s *Store) AppendDaily(api, date string, batch model.Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	path := s.DailyPath(api, date)
	defer s.lock(path)()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return persistErr(path, err)
	}

	var buf bytes.Buffer
	if info, err := os.Stat(path); err != nil || info.Size() == 0 {
		buf.WriteString(FormatRecord(batch.Schema.Columns))
	}
	for _, row := range batch.Rows {
		buf.WriteString(FormatRecord(row.Values))
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return persistErr(path, err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return persistErr(path, err)
	}
	if err := f.Close(); err != nil {
		return persistErr(path, err)
	}
	return nil
}

// MergeHistory writes row into stock/{key}.csv, replacing any existing row
// with the same date. Writes for the same key are serialized and the file is
// replaced atomically, so applying the same row twice yields the same bytes
// as applying it once.
func (s *Store) MergeHistory(schema model.Schema, row model.CanonicalRow) error {
	path := s.HistoryPath(row.Key)
	defer s.lock(path)()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return persistErr(path, err)
	}

	existing, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return persistErr(path, err)
	}

	var buf bytes.Buffer
	if len(bytes.TrimSpace(existing)) == 0 {
		buf.WriteString(FormatRecord(schema.Columns))
	} else {
		t, err := ReadTable(context.Background(), bytes.NewReader(existing))
		if err != nil {
			return persistErr(path, eris.Wrap(err, "parse history"))
		}
		if !slices.Equal(t.Header, schema.Columns) {
			zap.L().Warn("csvstore: history header differs from batch columns",
				zap.String("key", row.Key),
				zap.Strings("existing", t.Header),
				zap.Strings("incoming", schema.Columns),
			)
		}
		buf.WriteString(FormatRecord(t.Header))
		for _, r := range t.Rows {
			if len(r) > 0 && r[0] == row.Date {
				continue
			}
			buf.WriteString(FormatRecord(r))
		}
	}
	buf.WriteString(FormatRecord(row.Values))

	if err := writeAtomic(path, buf.Bytes()); err != nil {
		return persistErr(path, err)
	}
	return nil
}

// Persist writes a batch to both sinks: the whole batch is appended to the
// daily file, then each row is merged into its history file. It returns the
// number of history rows written; failures are collected rather than
// aborting the batch.
func (s *Store) Persist(api, date string, batch model.Batch) (int, []error) {
	if batch.Len() == 0 {
		return 0, nil
	}
	var errs []error
	if err := s.AppendDaily(api, date, batch); err != nil {
		errs = append(errs, err)
	}
	written := 0
	for _, row := range batch.Rows {
		if err := s.MergeHistory(batch.Schema, row); err != nil {
			errs = append(errs, err)
			continue
		}
		written++
	}
	return written, errs
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return eris.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return eris.Wrap(err, "write temp file")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return eris.Wrap(err, "close temp file")
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		zap.L().Debug("csvstore: chmod temp file", zap.String("path", tmpName), zap.Error(err))
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return eris.Wrap(err, "rename temp file")
	}
	return nil
}

// ReadDaily reads the daily snapshot for api and date. The returned error
// wraps fs.ErrNotExist when the file is absent.
func (s *Store) ReadDaily(ctx context.Context, api, date string) (*Table, error) {
	return readFile(ctx, s.DailyPath(api, date))
}

// ReadHistory reads the history for key. The returned error wraps
// fs.ErrNotExist when the file is absent.
func (s *Store) ReadHistory(ctx context.Context, key string) (*Table, error) {
	if !model.SafeFileComponent(key) {
		return nil, eris.Wrapf(fs.ErrNotExist, "history %q", key)
	}
	return readFile(ctx, s.HistoryPath(key))
}

func readFile(ctx context.Context, path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "open %s", path)
	}
	defer f.Close() //nolint:errcheck
	t, err := ReadTable(ctx, f)
	if err != nil {
		return nil, eris.Wrapf(err, "read %s", path)
	}
	return t, nil
}

// DailyDates lists the dates with a daily snapshot for api, newest first.
func (s *Store) DailyDates(api string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.root, dailyDir, api+"_*.csv"))
	if err != nil {
		return nil, eris.Wrap(err, "glob daily files")
	}
	prefix := api + "_"
	var dates []string
	for _, m := range matches {
		d := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), prefix), ".csv")
		if len(d) == len(model.DailyLayout) {
			dates = append(dates, d)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	return dates, nil
}

// HistoryKeys lists the instrument keys with a history file, sorted.
func (s *Store) HistoryKeys() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, historyDir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "read history dir")
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".csv") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, ".csv"))
	}
	sort.Strings(keys)
	return keys, nil
}
