package model

import "time"

// PageStatus is the outcome of fetching one page.
type PageStatus string

const (
	PageStatusSuccess PageStatus = "success"
	PageStatusError   PageStatus = "error"
)

// Pagination carries the record total reported by the upstream and the
// page size that was requested.
type Pagination struct {
	Total    int `json:"total"`
	PageSize int `json:"pageSize"`
}

// PageResult is the outcome of fetching one page. A failed fetch is a value
// with Status error, never a Go error.
type PageResult struct {
	Status     PageStatus  `json:"status"`
	API        string      `json:"apiName"`
	Page       int         `json:"page"`
	Data       any         `json:"data,omitempty"`
	Raw        string      `json:"-"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	Error      string      `json:"error,omitempty"`
	Attempts   int         `json:"attempts"`
	Rows       int         `json:"rows"`
}

// OK reports whether the page was fetched successfully.
func (p PageResult) OK() bool { return p.Status == PageStatusSuccess }

// CycleReport summarizes one monitoring cycle for one descriptor.
type CycleReport struct {
	API       string        `json:"apiName"`
	Date      string        `json:"date"`
	Pages     int           `json:"pages"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Rows      int           `json:"rows"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
	Results   []PageResult  `json:"results,omitempty"`
}

// OK reports whether at least one page was fetched and no cycle-level error
// occurred.
func (r CycleReport) OK() bool { return r.Error == "" && r.Succeeded > 0 }

// Summarize builds a CycleReport from page results.
func Summarize(api, date string, results []PageResult) CycleReport {
	rep := CycleReport{API: api, Date: date, Pages: len(results), Results: results}
	for _, r := range results {
		if r.OK() {
			rep.Succeeded++
			rep.Rows += r.Rows
		} else {
			rep.Failed++
		}
	}
	return rep
}
