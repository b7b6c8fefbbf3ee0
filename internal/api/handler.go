// Package api provides the HTTP surface of the cache: query resolution,
// metric snapshots, cache flushing and on-demand load tests.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/tiercache/internal/engine"
	"github.com/blueberrycongee/tiercache/internal/httputil"
	"github.com/blueberrycongee/tiercache/internal/loadtest"
	"github.com/blueberrycongee/tiercache/internal/metrics"
	tcerrors "github.com/blueberrycongee/tiercache/pkg/errors"
)

// Resolver decides where a query's answer comes from.
type Resolver interface {
	Resolve(ctx context.Context, query string, forceRefresh bool) (*engine.Decision, error)
}

// WritebackSubmitter schedules the cache update for a served decision.
type WritebackSubmitter interface {
	Submit(ctx context.Context, query string, d *engine.Decision) error
}

// CacheAdmin is the maintenance view of the cache backends.
type CacheAdmin interface {
	Flush(ctx context.Context) error
	Ping(ctx context.Context) error
}

// MetricsSource reads the shared tier counters.
type MetricsSource interface {
	Snapshot(ctx context.Context) (metrics.Snapshot, error)
}

// LoadRunner executes a synthetic load test.
type LoadRunner interface {
	Run(ctx context.Context, cfg loadtest.Config) (*loadtest.Summary, error)
}

// HandlerDeps collects the collaborators of a Handler. LoadTest may be nil,
// which disables the load test endpoint.
type HandlerDeps struct {
	Resolver  Resolver
	Writeback WritebackSubmitter
	Cache     CacheAdmin
	Metrics   MetricsSource
	LoadTest  LoadRunner
	Logger    *slog.Logger

	MaxBodyBytes int64
	LoadLimits   loadtest.Limits
}

// Handler serves the query API.
type Handler struct {
	resolver  Resolver
	writeback WritebackSubmitter
	cache     CacheAdmin
	metrics   MetricsSource
	loadtest  LoadRunner
	logger    *slog.Logger

	maxBody    int64
	loadLimits loadtest.Limits
	loadMu     sync.Mutex
}

// NewHandler creates a new API handler.
func NewHandler(deps HandlerDeps) *Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = httputil.DefaultMaxRequestBodyBytes
	}
	if deps.LoadLimits == (loadtest.Limits{}) {
		deps.LoadLimits = loadtest.DefaultLimits()
	}
	return &Handler{
		resolver:   deps.Resolver,
		writeback:  deps.Writeback,
		cache:      deps.Cache,
		metrics:    deps.Metrics,
		loadtest:   deps.LoadTest,
		logger:     deps.Logger,
		maxBody:    deps.MaxBodyBytes,
		loadLimits: deps.LoadLimits,
	}
}

// QueryRequest is the body of POST /api/query.
type QueryRequest struct {
	Query        string `json:"query"`
	ForceRefresh bool   `json:"forceRefresh"`
}

// QueryResponse is the answer plus where it came from.
type QueryResponse struct {
	Response string          `json:"response"`
	Metadata engine.Metadata `json:"metadata"`
}

// Query handles POST /api/query.
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := httputil.DecodeJSONBody(r, h.maxBody, &req); err != nil {
		h.writeError(w, r, bodyError(err))
		return
	}
	if req.Query == "" {
		h.writeError(w, r, tcerrors.NewInvalidRequestError("query must not be empty"))
		return
	}

	ctx := r.Context()
	d, err := h.resolver.Resolve(ctx, req.Query, req.ForceRefresh)
	if err != nil {
		h.writeError(w, r, classify(err, "engine"))
		return
	}

	if h.writeback != nil {
		if err := h.writeback.Submit(ctx, req.Query, d); err != nil {
			h.logger.WarnContext(ctx, "writeback not scheduled", "source", d.Source, "error", err)
		}
	}

	if err := httputil.WriteJSON(w, http.StatusOK, QueryResponse{
		Response: d.Response,
		Metadata: d.Metadata(),
	}); err != nil {
		h.logger.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

// MetricsResponse wraps the tier counters.
type MetricsResponse struct {
	Metrics metrics.Snapshot `json:"metrics"`
}

// Metrics handles GET /api/metrics.
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	snap, err := h.metrics.Snapshot(r.Context())
	if err != nil {
		h.writeError(w, r, tcerrors.NewServiceUnavailableError("cache", err.Error()))
		return
	}
	_ = httputil.WriteJSON(w, http.StatusOK, MetricsResponse{Metrics: snap})
}

// Flush handles POST /api/flush, emptying both cache tiers and the counters.
func (h *Handler) Flush(w http.ResponseWriter, r *http.Request) {
	if err := h.cache.Flush(r.Context()); err != nil {
		h.writeError(w, r, tcerrors.NewServiceUnavailableError("cache", err.Error()))
		return
	}
	h.logger.InfoContext(r.Context(), "cache flushed")
	_ = httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "flushed"})
}

// LoadTestRequest is the body of POST /api/loadtest. Absent fields take
// the load test defaults.
type LoadTestRequest struct {
	Users     *int     `json:"users"`
	SpawnRate *float64 `json:"spawn_rate"`
	RunTime   string   `json:"run_time"`
}

// LoadTestResponse reports a finished run.
type LoadTestResponse struct {
	RunID  string            `json:"run_id"`
	Result *loadtest.Summary `json:"result"`
}

// LoadTest handles POST /api/loadtest. The cache is flushed first so the
// correctness flow starts cold. Only one run may be in flight.
func (h *Handler) LoadTest(w http.ResponseWriter, r *http.Request) {
	var req LoadTestRequest
	body, err := httputil.ReadLimitedBody(r.Body, h.maxBody)
	if err != nil {
		h.writeError(w, r, bodyError(err))
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			h.writeError(w, r, tcerrors.NewInvalidRequestError("invalid JSON body: "+err.Error()))
			return
		}
	}

	cfg, err := req.config()
	if err == nil {
		err = cfg.Validate(h.loadLimits)
	}
	if err != nil {
		h.writeError(w, r, tcerrors.NewInvalidRequestError(err.Error()))
		return
	}

	if !h.loadMu.TryLock() {
		h.writeError(w, r, &tcerrors.ServiceError{
			StatusCode: http.StatusConflict,
			Message:    "a load test is already running",
			Type:       tcerrors.TypeInvalidRequest,
		})
		return
	}
	defer h.loadMu.Unlock()

	ctx := r.Context()
	if err := h.cache.Flush(ctx); err != nil {
		h.writeError(w, r, tcerrors.NewServiceUnavailableError("cache", err.Error()))
		return
	}

	sum, err := h.loadtest.Run(ctx, cfg)
	if err != nil {
		h.writeError(w, r, classify(err, "loadtest"))
		return
	}
	_ = httputil.WriteJSON(w, http.StatusOK, LoadTestResponse{RunID: sum.RunID, Result: sum})
}

func (req LoadTestRequest) config() (loadtest.Config, error) {
	cfg := loadtest.Config{Users: loadtest.DefaultUsers, SpawnRate: loadtest.DefaultSpawnRate}
	if req.Users != nil {
		cfg.Users = *req.Users
	}
	if req.SpawnRate != nil {
		cfg.SpawnRate = *req.SpawnRate
	}
	d, err := loadtest.ParseRunTime(req.RunTime)
	if err != nil {
		return cfg, err
	}
	cfg.RunTime = d
	return cfg, nil
}

// Live handles GET /health/live.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	_ = httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /health/ready, reporting whether the cache backends
// answer.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.cache.Ping(r.Context()); err != nil {
		h.writeError(w, r, tcerrors.NewServiceUnavailableError("cache", err.Error()))
		return
	}
	_ = httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func bodyError(err error) *tcerrors.ServiceError {
	if errors.Is(err, httputil.ErrResponseBodyTooLarge) {
		return &tcerrors.ServiceError{
			StatusCode: http.StatusRequestEntityTooLarge,
			Message:    "request body too large",
			Type:       tcerrors.TypeInvalidRequest,
		}
	}
	return tcerrors.NewInvalidRequestError(err.Error())
}
