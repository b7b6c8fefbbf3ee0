package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/tiercache/internal/engine"
	"github.com/blueberrycongee/tiercache/internal/loadtest"
	"github.com/blueberrycongee/tiercache/internal/metrics"
	"github.com/blueberrycongee/tiercache/internal/resilience"
	"github.com/blueberrycongee/tiercache/internal/risk"
	tcerrors "github.com/blueberrycongee/tiercache/pkg/errors"
)

type fakeResolver struct {
	decision *engine.Decision
	err      error
	gotQuery string
	gotForce bool
}

func (f *fakeResolver) Resolve(_ context.Context, query string, force bool) (*engine.Decision, error) {
	f.gotQuery, f.gotForce = query, force
	return f.decision, f.err
}

type fakeSubmitter struct {
	mu      sync.Mutex
	queries []string
	err     error
}

func (f *fakeSubmitter) Submit(_ context.Context, query string, _ *engine.Decision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	return f.err
}

type fakeCache struct {
	flushes  int
	flushErr error
	pingErr  error
	log      *[]string
}

func (f *fakeCache) Flush(context.Context) error {
	f.flushes++
	if f.log != nil {
		*f.log = append(*f.log, "flush")
	}
	return f.flushErr
}

func (f *fakeCache) Ping(context.Context) error { return f.pingErr }

type fakeMetrics struct {
	snap metrics.Snapshot
	err  error
}

func (f *fakeMetrics) Snapshot(context.Context) (metrics.Snapshot, error) { return f.snap, f.err }

type fakeRunner struct {
	got  loadtest.Config
	err  error
	runs int
	log  *[]string
}

func (f *fakeRunner) Run(_ context.Context, cfg loadtest.Config) (*loadtest.Summary, error) {
	f.got = cfg
	f.runs++
	if f.log != nil {
		*f.log = append(*f.log, "run")
	}
	if f.err != nil {
		return nil, f.err
	}
	return &loadtest.Summary{RunID: "0123456789abcdef0123456789abcdef", Status: loadtest.StatusFinished}, nil
}

type testAPI struct {
	handler   *Handler
	mux       *http.ServeMux
	resolver  *fakeResolver
	submitter *fakeSubmitter
	cache     *fakeCache
	metrics   *fakeMetrics
	runner    *fakeRunner
}

func newTestAPI(withLoadTest bool) *testAPI {
	t := &testAPI{
		resolver:  &fakeResolver{},
		submitter: &fakeSubmitter{},
		cache:     &fakeCache{},
		metrics:   &fakeMetrics{},
		runner:    &fakeRunner{},
	}
	deps := HandlerDeps{
		Resolver:  t.resolver,
		Writeback: t.submitter,
		Cache:     t.cache,
		Metrics:   t.metrics,
	}
	if withLoadTest {
		deps.LoadTest = t.runner
	}
	t.handler = NewHandler(deps)
	t.mux = http.NewServeMux()
	t.handler.RegisterRoutes(t.mux)
	return t
}

func (t *testAPI) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, http.NoBody)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	t.mux.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp.Error
}

func TestQuery_ReturnsDecisionAndSchedulesWriteback(t *testing.T) {
	api := newTestAPI(false)
	sim := 0.96
	api.resolver.decision = &engine.Decision{
		Response:     "Lionel Messi",
		Source:       engine.SourceL2,
		Risk:         risk.LevelLow,
		Similarity:   &sim,
		CacheID:      "abc123",
		ClosestQuery: "Who is the best soccer player?",
		LatencyMS:    12.5,
	}

	rec := api.do(http.MethodPost, "/api/query", `{"query":"Who is one of the best soccer players?","forceRefresh":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Lionel Messi", body["response"])
	md := body["metadata"].(map[string]any)
	assert.Equal(t, "cache", md["source"])
	assert.Equal(t, "l2", md["cache_type"])
	assert.Equal(t, "low", md["risk_level"])
	assert.Equal(t, "abc123", md["cache_id"])
	assert.Equal(t, 0.96, md["similarity_score"])
	assert.Equal(t, "Who is the best soccer player?", md["closest_query"])
	assert.Equal(t, 12.5, md["latency_ms"])

	assert.Equal(t, "Who is one of the best soccer players?", api.resolver.gotQuery)
	assert.True(t, api.resolver.gotForce)
	assert.Equal(t, []string{"Who is one of the best soccer players?"}, api.submitter.queries)
}

func TestQuery_GenerationMetadata(t *testing.T) {
	api := newTestAPI(false)
	api.resolver.decision = &engine.Decision{Response: "Sunny", Source: engine.SourceLLM, Risk: risk.LevelHigh}

	rec := api.do(http.MethodPost, "/api/query", `{"query":"What's the weather today?"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var body QueryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "llm", body.Metadata.Source)
	assert.Empty(t, body.Metadata.CacheType)
	assert.Equal(t, risk.LevelHigh, body.Metadata.RiskLevel)
	assert.Nil(t, body.Metadata.SimilarityScore)
	assert.False(t, api.resolver.gotForce)
}

func TestQuery_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty query", `{"query":""}`},
		{"missing query", `{"forceRefresh":true}`},
		{"invalid json", `{"query":`},
		{"no body", ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTestAPI(false)
			rec := api.do(http.MethodPost, "/api/query", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tcerrors.TypeInvalidRequest, decodeError(t, rec).Type)
			assert.Empty(t, api.resolver.gotQuery)
			assert.Empty(t, api.submitter.queries)
		})
	}
}

func TestQuery_BodyTooLarge(t *testing.T) {
	api := newTestAPI(false)
	api.handler.maxBody = 16

	rec := api.do(http.MethodPost, "/api/query", `{"query":"this body is far too long"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestQuery_ResolveErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
		wantCode   string
	}{
		{
			name:       "provider rate limit",
			err:        fmt.Errorf("generate: %w", tcerrors.FromStatus("model", "gpt-4o-mini", http.StatusTooManyRequests, "slow down")),
			wantStatus: http.StatusBadGateway,
			wantType:   tcerrors.TypeRateLimit,
			wantCode:   "model",
		},
		{
			name:       "circuit open",
			err:        tcerrors.NewServiceUnavailableError("model", resilience.ErrCircuitOpen.Error()),
			wantStatus: http.StatusServiceUnavailable,
			wantType:   tcerrors.TypeServiceUnavailable,
			wantCode:   "model",
		},
		{
			name:       "unclassified",
			err:        errors.New("l1 lookup: connection refused"),
			wantStatus: http.StatusBadGateway,
			wantType:   tcerrors.TypeUpstream,
			wantCode:   "engine",
		},
		{
			name:       "deadline",
			err:        fmt.Errorf("embed query: %w", context.DeadlineExceeded),
			wantStatus: http.StatusGatewayTimeout,
			wantType:   tcerrors.TypeTimeout,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTestAPI(false)
			api.resolver.err = tt.err

			rec := api.do(http.MethodPost, "/api/query", `{"query":"Define vector search."}`)
			assert.Equal(t, tt.wantStatus, rec.Code)
			detail := decodeError(t, rec)
			assert.Equal(t, tt.wantType, detail.Type)
			assert.Equal(t, tt.wantCode, detail.Code)
			assert.Empty(t, api.submitter.queries)
		})
	}
}

func TestQuery_SubmitFailureStillAnswers(t *testing.T) {
	api := newTestAPI(false)
	api.resolver.decision = &engine.Decision{Response: "Paris", Source: engine.SourceLLM, Risk: risk.LevelLow}
	api.submitter.err = engine.ErrQueueFull

	rec := api.do(http.MethodPost, "/api/query", `{"query":"What is the capital of France?"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetrics(t *testing.T) {
	api := newTestAPI(false)
	api.metrics.snap = metrics.Snapshot{"l1_calls_total": 3, "l1_latency_ms_sum": 4.5}

	rec := api.do(http.MethodGet, "/api/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body MetricsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 3.0, body.Metrics["l1_calls_total"])
	assert.Equal(t, 4.5, body.Metrics["l1_latency_ms_sum"])

	api.metrics.err = errors.New("read metrics:l1_calls_total: boom")
	rec = api.do(http.MethodGet, "/api/metrics", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "cache", decodeError(t, rec).Code)
}

func TestFlush(t *testing.T) {
	api := newTestAPI(false)

	rec := api.do(http.MethodPost, "/api/flush", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, api.cache.flushes)

	api.cache.flushErr = errors.New("down")
	rec = api.do(http.MethodPost, "/api/flush", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealth(t *testing.T) {
	api := newTestAPI(false)

	assert.Equal(t, http.StatusOK, api.do(http.MethodGet, "/health/live", "").Code)
	assert.Equal(t, http.StatusOK, api.do(http.MethodGet, "/health/ready", "").Code)

	api.cache.pingErr = errors.New("kv store: dial tcp: refused")
	assert.Equal(t, http.StatusOK, api.do(http.MethodGet, "/health/live", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, api.do(http.MethodGet, "/health/ready", "").Code)
}

func TestLoadTest_DefaultsFlushFirst(t *testing.T) {
	api := newTestAPI(true)
	var calls []string
	api.cache.log = &calls
	api.runner.log = &calls

	rec := api.do(http.MethodPost, "/api/loadtest", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, []string{"flush", "run"}, calls)
	assert.Equal(t, loadtest.Config{Users: 5, SpawnRate: 5, RunTime: 5 * time.Second}, api.runner.got)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "0123456789abcdef0123456789abcdef", body["run_id"])
	assert.Equal(t, "finished", body["result"].(map[string]any)["status"])
}

func TestLoadTest_ExplicitConfig(t *testing.T) {
	api := newTestAPI(true)

	rec := api.do(http.MethodPost, "/api/loadtest", `{"users":20,"spawn_rate":10,"run_time":"30s"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, loadtest.Config{Users: 20, SpawnRate: 10, RunTime: 30 * time.Second}, api.runner.got)
}

func TestLoadTest_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"zero users", `{"users":0}`, "users"},
		{"too many users", `{"users":2001}`, "users"},
		{"zero spawn rate", `{"spawn_rate":0}`, "spawn_rate"},
		{"spawn rate too high", `{"spawn_rate":501}`, "spawn_rate"},
		{"bad run time", `{"run_time":"later"}`, "run_time"},
		{"run time too long", `{"run_time":"2h"}`, "run_time"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTestAPI(true)
			rec := api.do(http.MethodPost, "/api/loadtest", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, decodeError(t, rec).Message, tt.want)
			assert.Zero(t, api.runner.runs)
			assert.Zero(t, api.cache.flushes)
		})
	}
}

func TestLoadTest_OneAtATime(t *testing.T) {
	api := newTestAPI(true)
	api.handler.loadMu.Lock()
	defer api.handler.loadMu.Unlock()

	rec := api.do(http.MethodPost, "/api/loadtest", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Zero(t, api.runner.runs)
}

func TestLoadTest_Disabled(t *testing.T) {
	api := newTestAPI(false)
	rec := api.do(http.MethodPost, "/api/loadtest", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLoadTest_FlushFailure(t *testing.T) {
	api := newTestAPI(true)
	api.cache.flushErr = errors.New("down")

	rec := api.do(http.MethodPost, "/api/loadtest", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Zero(t, api.runner.runs)
}
