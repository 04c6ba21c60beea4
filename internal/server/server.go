// Package server exposes monitoring data and manual triggers over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/quote-monitor/internal/model"
	"github.com/sells-group/quote-monitor/internal/monitor"
	"github.com/sells-group/quote-monitor/internal/query"
	"github.com/sells-group/quote-monitor/internal/runlog"
	"github.com/sells-group/quote-monitor/internal/schedule"
)

// Cycler runs monitoring cycles on demand.
type Cycler interface {
	Cycle(ctx context.Context, desc model.APIDescriptor, date string) (model.CycleReport, error)
	RunAll(ctx context.Context, descs []model.APIDescriptor, date string, concurrency int) []model.CycleReport
}

// Registry resolves configured descriptors.
type Registry interface {
	Get(name string) (model.APIDescriptor, error)
	All() []model.APIDescriptor
	Names() []string
}

// Scheduled lists scheduled jobs.
type Scheduled interface {
	Entries() []schedule.Entry
}

// Deps wires the server to the rest of the application. Runs and Schedule
// are optional.
type Deps struct {
	Monitor  Cycler
	Registry Registry
	Query    *query.Service
	Runs     runlog.Store
	Schedule Scheduled

	// DataDir is served under /data/ (daily/ and stock/ CSV files).
	DataDir string
	// StaticDir holds the dashboard; it is served at / when it exists.
	StaticDir   string
	CORSOrigins []string
	// QuotesAPI is the descriptor behind /api/stock-data when no api
	// parameter is given.
	QuotesAPI   string
	Concurrency int
}

type handler struct {
	Deps
	log *zap.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(d Deps) http.Handler {
	if len(d.CORSOrigins) == 0 {
		d.CORSOrigins = []string{"*"}
	}
	if d.Concurrency <= 0 {
		d.Concurrency = 1
	}
	h := &handler{Deps: d, log: zap.L().With(zap.String("component", "server"))}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(h.recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: d.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", middleware.RequestIDHeader},
		MaxAge:         300,
	}))

	r.Get("/health", h.health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/config", h.config)
		r.Get("/schedule", h.schedule)
		r.Get("/runs", h.runs)
		r.Get("/stock-data", h.stockData)
		r.Get("/stock-history", h.stockHistory)
		r.Post("/trigger-monitor", h.trigger)

		r.Route("/monitor", func(r chi.Router) {
			r.Get("/config", h.config)
			r.Get("/data", h.monitorData)
			r.Get("/dates", h.monitorDates)
			r.Post("/trigger-monitor", h.trigger)
		})
	})

	if d.DataDir != "" {
		r.Handle("/data/*", http.StripPrefix("/data/", http.FileServer(http.Dir(d.DataDir))))
	}
	if d.StaticDir != "" {
		if info, err := os.Stat(d.StaticDir); err == nil && info.IsDir() {
			r.Handle("/*", http.FileServer(http.Dir(d.StaticDir)))
		}
	}

	return r
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
		"monitoredApis": h.Registry.Names(),
	})
}

func (h *handler) config(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"apis": h.Registry.All()})
}

func (h *handler) schedule(w http.ResponseWriter, _ *http.Request) {
	entries := []schedule.Entry{}
	if h.Schedule != nil {
		entries = h.Schedule.Entries()
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": entries})
}

func (h *handler) monitorData(w http.ResponseWriter, r *http.Request) {
	api := r.URL.Query().Get("api")
	if api == "" {
		writeError(w, http.StatusBadRequest, "API name is required")
		return
	}
	opts, err := pageOpts(r, "page")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := h.Query.Daily(r.Context(), api, r.URL.Query().Get("date"), opts)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handler) monitorDates(w http.ResponseWriter, r *http.Request) {
	api := r.URL.Query().Get("api")
	if api == "" {
		writeError(w, http.StatusBadRequest, "API name is required")
		return
	}
	dates, err := h.Query.Dates(api)
	if err != nil {
		h.fail(w, err)
		return
	}
	if dates == nil {
		dates = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"apiName": api, "dates": dates})
}

func (h *handler) stockData(w http.ResponseWriter, r *http.Request) {
	api := r.URL.Query().Get("api")
	if api == "" {
		api = h.QuotesAPI
	}
	if api == "" {
		writeError(w, http.StatusBadRequest, "API name is required")
		return
	}
	opts, err := pageOpts(r, "page")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := h.Query.Quotes(r.Context(), api, r.URL.Query().Get("date"), opts)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handler) stockHistory(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}
	opts, err := pageOpts(r, "currentPage")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := h.Query.History(r.Context(), code, opts)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handler) runs(w http.ResponseWriter, r *http.Request) {
	if h.Runs == nil {
		writeJSON(w, http.StatusOK, map[string]any{"runs": []runlog.Entry{}})
		return
	}
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}
	entries, err := h.Runs.List(r.Context(), runlog.Filter{API: q.Get("api"), Limit: limit, Offset: offset})
	if err != nil {
		h.fail(w, err)
		return
	}
	if entries == nil {
		entries = []runlog.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": entries})
}

type triggerRequest struct {
	APIName string `json:"apiName"`
	Date    string `json:"date"`
}

type triggerResponse struct {
	Success bool                `json:"success"`
	Message string              `json:"message"`
	Results []model.CycleReport `json:"results"`
}

// trigger runs one cycle for the named API, or for all APIs when apiName is
// empty, and responds when they finish.
func (h *handler) trigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Date != "" {
		if _, err := model.ParseDate(req.Date, nil); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	h.log.Info("manual trigger", zap.String("api", req.APIName), zap.String("date", req.Date))

	var reports []model.CycleReport
	if req.APIName != "" {
		desc, err := h.Registry.Get(req.APIName)
		if err != nil {
			h.fail(w, err)
			return
		}
		rep, err := h.Monitor.Cycle(r.Context(), desc, req.Date)
		if err != nil {
			h.fail(w, err)
			return
		}
		reports = []model.CycleReport{rep}
	} else {
		reports = h.Monitor.RunAll(r.Context(), h.Registry.All(), req.Date, h.Concurrency)
	}

	resp := triggerResponse{Success: true, Results: reports}
	for i := range reports {
		reports[i].Results = nil
		if !reports[i].OK() {
			resp.Success = false
		}
	}
	if req.APIName != "" {
		resp.Message = "monitor cycle for " + req.APIName + " finished"
	} else {
		resp.Message = "monitor cycles for all APIs finished"
	}
	writeJSON(w, http.StatusOK, resp)
}

// fail maps an error onto a status code: unknown APIs and missing data are
// 404, malformed parameters 400, anything else 500.
func (h *handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, query.ErrNotFound), errors.Is(err, monitor.ErrUnknownAPI):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, query.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func pageOpts(r *http.Request, pageParam string) (query.PageOpts, error) {
	q := r.URL.Query()
	page, err := intParam(q.Get(pageParam), 1)
	if err != nil {
		return query.PageOpts{}, eris.Errorf("invalid %s", pageParam)
	}
	size, err := intParam(q.Get("pageSize"), 0)
	if err != nil {
		return query.PageOpts{}, eris.New("invalid pageSize")
	}
	return query.PageOpts{Page: page, PageSize: size, Search: q.Get("search")}, nil
}

func intParam(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("server: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
