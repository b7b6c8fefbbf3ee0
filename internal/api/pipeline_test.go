package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/tiercache/internal/cache"
	"github.com/blueberrycongee/tiercache/internal/cache/kv"
	"github.com/blueberrycongee/tiercache/internal/cache/vector"
	"github.com/blueberrycongee/tiercache/internal/engine"
	"github.com/blueberrycongee/tiercache/internal/loadtest"
	"github.com/blueberrycongee/tiercache/internal/metrics"
	"github.com/blueberrycongee/tiercache/internal/model"
)

var pipelineVectors = map[string][]float32{
	loadtest.PrimeQuery:      {1, 0, 0},
	loadtest.ParaphraseQuery: {0.96, 0.28, 0},
}

type staticEmbedder struct{}

func (staticEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	v, ok := pipelineVectors[text]
	if !ok {
		return nil, fmt.Errorf("no vector for %q", text)
	}
	return v, nil
}

func (staticEmbedder) Dimension() int { return 3 }

type fixedTTL time.Duration

func (f fixedTTL) ClassifyDuration(context.Context, string) (time.Duration, error) {
	return time.Duration(f), nil
}

// newPipelineServer serves the API over the real engine, writeback and
// in-memory backends.
func newPipelineServer(t *testing.T, generations *atomic.Int32) *httptest.Server {
	t.Helper()

	store := kv.NewMemoryStore(kv.MemoryConfig{})
	gw := cache.NewGateway(store, vector.NewMemoryIndex(3, nil))
	t.Cleanup(func() { _ = gw.Close() })

	recorder := metrics.NewRecorder(store, nil)
	gen := model.GeneratorFunc(func(_ context.Context, query string) (string, error) {
		generations.Add(1)
		return "answer to " + query, nil
	})

	eng := engine.New(engine.DefaultConfig(), engine.Deps{
		Cache:     gw,
		Embedder:  staticEmbedder{},
		Generator: gen,
		Recorder:  recorder,
	})
	wb := engine.NewWriteback(engine.WritebackDeps{
		Cache:      gw,
		Embedder:   staticEmbedder{},
		Classifier: fixedTTL(time.Hour),
	})
	disp := engine.NewDispatcher(wb, engine.DispatcherConfig{Workers: 1, QueueSize: 16, Timeout: 5 * time.Second}, nil)
	t.Cleanup(func() { _ = disp.Shutdown(context.Background()) })

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	h := NewHandler(HandlerDeps{
		Resolver:  eng,
		Writeback: disp,
		Cache:     gw,
		Metrics:   recorder,
		LoadTest: loadtest.NewRunner(loadtest.Options{
			BaseURL:     srv.URL,
			SettleDelay: 200 * time.Millisecond,
		}),
	})
	h.RegisterRoutes(mux)
	return srv
}

func TestPipeline_LoadTestCorrectnessFlow(t *testing.T) {
	var generations atomic.Int32
	srv := newPipelineServer(t, &generations)

	// Warm the cache first; the load test must flush it before running.
	resp, err := http.Post(srv.URL+"/api/query", "application/json",
		jsonBody(t, QueryRequest{Query: loadtest.PrimeQuery}))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	time.Sleep(200 * time.Millisecond)

	resp, err = http.Post(srv.URL+"/api/loadtest", "application/json",
		jsonBody(t, map[string]any{"users": 1, "spawn_rate": 1, "run_time": "10s"}))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out LoadTestResponse
	decodeBody(t, resp, &out)
	require.NotNil(t, out.Result)
	assert.Equal(t, out.RunID, out.Result.RunID)
	assert.Equal(t, loadtest.StatusFinished, out.Result.Status, "errors: %v", out.Result.Errors)
	assert.Equal(t, int64(4), out.Result.Requests)
	assert.Equal(t, int32(2), generations.Load())

	// Counters were reset by the flush. The last step may land on either
	// tier depending on whether the promotion has finished.
	resp, err = http.Get(srv.URL + "/api/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var m MetricsResponse
	decodeBody(t, resp, &m)
	assert.Equal(t, 1.0, m.Metrics["llm_calls_total"])
	assert.GreaterOrEqual(t, m.Metrics["l2_calls_total"], 1.0)
	assert.Equal(t, 3.0, m.Metrics["l1_calls_total"]+m.Metrics["l2_calls_total"])
	assert.Positive(t, m.Metrics["llm_latency_ms_sum"])
}

func jsonBody(t *testing.T, v any) io.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(b)
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}
