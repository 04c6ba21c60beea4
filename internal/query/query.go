// Package query serves the read side: paginated, searchable views over the
// daily snapshot and instrument history files.
package query

import (
	"context"
	"errors"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/quote-monitor/internal/csvstore"
	"github.com/sells-group/quote-monitor/internal/model"
)

// ErrNotFound is returned when the requested API, snapshot or history does
// not exist.
var ErrNotFound = eris.New("query: not found")

// ErrInvalid is returned for malformed query parameters.
var ErrInvalid = eris.New("query: invalid parameter")

const (
	defaultPageSize = 20
	maxPageSize     = 1000
)

// Resolver looks up descriptors by name.
type Resolver interface {
	Get(name string) (model.APIDescriptor, error)
}

// Cycler runs a monitoring cycle. It is used to fill a missing snapshot on
// first read.
type Cycler interface {
	RunCycle(ctx context.Context, desc model.APIDescriptor, date string) ([]model.PageResult, error)
	Today() string
}

// PageOpts selects a page of results. Page is 1-based.
type PageOpts struct {
	Page     int
	PageSize int
	Search   string
}

func (o PageOpts) normalized() PageOpts {
	if o.Page < 1 {
		o.Page = 1
	}
	if o.PageSize <= 0 {
		o.PageSize = defaultPageSize
	}
	if o.PageSize > maxPageSize {
		o.PageSize = maxPageSize
	}
	o.Search = strings.ToLower(strings.TrimSpace(o.Search))
	return o
}

// Page is one page of results.
type Page[T any] struct {
	Header      []string `json:"header,omitempty"`
	Data        []T      `json:"data"`
	Total       int      `json:"total"`
	CurrentPage int      `json:"currentPage"`
	PageSize    int      `json:"pageSize"`
}

func paginate[T any](items []T, o PageOpts) Page[T] {
	p := Page[T]{Total: len(items), CurrentPage: o.Page, PageSize: o.PageSize, Data: []T{}}
	start := (o.Page - 1) * o.PageSize
	if start >= len(items) {
		return p
	}
	end := min(start+o.PageSize, len(items))
	p.Data = items[start:end]
	return p
}

// Quote is a snapshot row projected onto the common quote attributes.
// Unparseable numbers (the upstream uses "-" for suspended instruments)
// become zero.
type Quote struct {
	Code          string          `json:"code"`
	Name          string          `json:"name"`
	Price         decimal.Decimal `json:"price"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"changePercent"`
	Volume        decimal.Decimal `json:"volume"`
	Turnover      decimal.Decimal `json:"turnover"`
	Date          string          `json:"date"`
}

// Service answers read-side queries.
type Service struct {
	store  *csvstore.Store
	apis   Resolver
	cycler Cycler
	today  func() string
	log    *zap.Logger
}

// NewService creates a Service. cycler may be nil, in which case a missing
// snapshot is reported as not found without fetching.
func NewService(store *csvstore.Store, apis Resolver, cycler Cycler) *Service {
	s := &Service{
		store:  store,
		apis:   apis,
		cycler: cycler,
		today:  func() string { return model.DailyDate(time.Now().UTC()) },
		log:    zap.L().With(zap.String("component", "query")),
	}
	if cycler != nil {
		s.today = cycler.Today
	}
	return s
}

// snapshot is a daily file with the columns used for search and projection.
type snapshot struct {
	desc    model.APIDescriptor
	date    string
	table   *csvstore.Table
	keyCol  int
	nameCol int
}

// Daily returns a page of the daily snapshot for api on date (empty means
// today). Search matches the key and name columns case-insensitively.
func (s *Service) Daily(ctx context.Context, api, date string, opts PageOpts) (Page[map[string]string], error) {
	opts = opts.normalized()
	snap, err := s.load(ctx, api, date)
	if err != nil {
		return Page[map[string]string]{}, err
	}

	rows := snap.filter(opts.Search)
	records := make([]map[string]string, len(rows))
	for i, r := range rows {
		records[i] = snap.table.Record(r)
	}
	p := paginate(records, opts)
	p.Header = snap.table.Header
	return p, nil
}

// Quotes is Daily projected onto Quote using the descriptor's quote field
// names.
func (s *Service) Quotes(ctx context.Context, api, date string, opts PageOpts) (Page[Quote], error) {
	opts = opts.normalized()
	snap, err := s.load(ctx, api, date)
	if err != nil {
		return Page[Quote]{}, err
	}

	rows := snap.filter(opts.Search)
	p := paginate(rows, opts)
	out := Page[Quote]{Total: p.Total, CurrentPage: p.CurrentPage, PageSize: p.PageSize, Data: make([]Quote, 0, len(p.Data))}

	qf := snap.desc.Quote.WithDefaults()
	for _, r := range p.Data {
		rec := snap.table.Record(r)
		q := Quote{
			Price:         parseDecimal(rec[qf.Price]),
			Change:        parseDecimal(rec[qf.Change]),
			ChangePercent: parseDecimal(rec[qf.ChangePercent]),
			Volume:        parseDecimal(rec[qf.Volume]),
			Turnover:      parseDecimal(rec[qf.Turnover]),
			Date:          snap.date,
		}
		if snap.keyCol >= 0 {
			q.Code = cell(snap.table.Rows[r], snap.keyCol)
		}
		if snap.nameCol >= 0 {
			q.Name = cell(snap.table.Rows[r], snap.nameCol)
		}
		out.Data = append(out.Data, q)
	}
	return out, nil
}

// History returns a page of the history for key, newest date first. Search
// matches the date column.
func (s *Service) History(ctx context.Context, key string, opts PageOpts) (Page[map[string]string], error) {
	opts = opts.normalized()
	if strings.TrimSpace(key) == "" {
		return Page[map[string]string]{}, eris.Wrap(ErrInvalid, "code is required")
	}

	t, err := s.store.ReadHistory(ctx, key)
	if errors.Is(err, fs.ErrNotExist) {
		return Page[map[string]string]{}, eris.Wrapf(ErrNotFound, "history for %q", key)
	}
	if err != nil {
		return Page[map[string]string]{}, err
	}

	dateCol := t.Column(model.DateColumn)
	if dateCol < 0 {
		dateCol = 0
	}
	idx := make([]int, 0, len(t.Rows))
	for i, row := range t.Rows {
		if opts.Search == "" || strings.Contains(cell(row, dateCol), opts.Search) {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return cell(t.Rows[idx[a]], dateCol) > cell(t.Rows[idx[b]], dateCol)
	})

	records := make([]map[string]string, len(idx))
	for i, r := range idx {
		records[i] = t.Record(r)
	}
	p := paginate(records, opts)
	p.Header = t.Header
	return p, nil
}

// Dates lists the dates with a snapshot for api, newest first.
func (s *Service) Dates(api string) ([]string, error) {
	if _, err := s.apis.Get(api); err != nil {
		return nil, eris.Wrapf(ErrNotFound, "api %q", api)
	}
	return s.store.DailyDates(api)
}

// load reads the snapshot for api on date. When the file is missing and a
// cycler is configured, one cycle is run and the file is read again.
func (s *Service) load(ctx context.Context, api, date string) (*snapshot, error) {
	desc, err := s.apis.Get(api)
	if err != nil {
		return nil, eris.Wrapf(ErrNotFound, "api %q", api)
	}

	if date == "" {
		date = s.today()
	}
	day, err := model.ParseDate(date, nil)
	if err != nil {
		return nil, eris.Wrap(ErrInvalid, err.Error())
	}
	date = model.DailyDate(day)

	t, err := s.store.ReadDaily(ctx, desc.Name, date)
	if errors.Is(err, fs.ErrNotExist) && s.cycler != nil {
		s.log.Info("snapshot missing, running cycle", zap.String("api", desc.Name), zap.String("date", date))
		if _, cerr := s.cycler.RunCycle(ctx, desc, date); cerr != nil {
			return nil, cerr
		}
		t, err = s.store.ReadDaily(ctx, desc.Name, date)
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrapf(ErrNotFound, "no data for %s on %s", desc.Name, date)
	}
	if err != nil {
		return nil, err
	}

	return &snapshot{
		desc:    desc,
		date:    date,
		table:   t,
		keyCol:  firstColumn(t, desc.Keys()),
		nameCol: firstColumn(t, desc.Names()),
	}, nil
}

// filter returns the indexes of rows whose key or name contains q.
func (s *snapshot) filter(q string) []int {
	idx := make([]int, 0, len(s.table.Rows))
	for i, row := range s.table.Rows {
		if q == "" || s.matches(row, q) {
			idx = append(idx, i)
		}
	}
	return idx
}

func (s *snapshot) matches(row []string, q string) bool {
	for _, c := range []int{s.keyCol, s.nameCol} {
		if c >= 0 && strings.Contains(strings.ToLower(cell(row, c)), q) {
			return true
		}
	}
	return false
}

func firstColumn(t *csvstore.Table, names []string) int {
	for _, n := range names {
		if i := t.Column(n); i >= 0 {
			return i
		}
	}
	return -1
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}
