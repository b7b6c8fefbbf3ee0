// Package engine decides which tier answers a query and repopulates the
// cache tiers after the answer has been returned.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/tiercache/internal/cache"
	"github.com/blueberrycongee/tiercache/internal/metrics"
	"github.com/blueberrycongee/tiercache/internal/model"
	"github.com/blueberrycongee/tiercache/internal/model/embedding"
	"github.com/blueberrycongee/tiercache/internal/risk"
)

const tracerName = "tiercache/engine"

// Defaults for Config.
const (
	DefaultSimilarityThreshold = 0.9
	DefaultSearchK             = 5
)

// Cache is the subset of *cache.Gateway used by the engine and writeback.
type Cache interface {
	GetL1(ctx context.Context, query string) (string, bool, error)
	SetL1(ctx context.Context, query, response string, ttl time.Duration) error
	GetL2(ctx context.Context, id string) (string, bool, error)
	L2TTL(ctx context.Context, id string) (time.Duration, bool, error)
	BestMatch(ctx context.Context, vec []float32, k int) (*cache.Candidate, error)
	StoreSemantic(ctx context.Context, query, response string, vec []float32, ttl time.Duration) (string, error)
}

// RiskClassifier maps a query to its staleness risk.
type RiskClassifier interface {
	Classify(query string) risk.Level
}

// OutcomeRecorder counts resolutions per tier.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, tier string, elapsed time.Duration) float64
}

// Config tunes the semantic tier.
type Config struct {
	// SimilarityThreshold must be strictly exceeded for an L2 hit.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	// SearchK is the number of neighbours requested. Only the top one is used.
	SearchK int `yaml:"search_k"`
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold: DefaultSimilarityThreshold,
		SearchK:             DefaultSearchK,
	}
}

// Engine resolves queries through L1, L2 and generation, in that order.
type Engine struct {
	cfg       Config
	risk      RiskClassifier
	cache     Cache
	embedder  embedding.Embedder
	generator model.Generator
	recorder  OutcomeRecorder
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// Deps holds the collaborators of an Engine.
type Deps struct {
	Risk      RiskClassifier
	Cache     Cache
	Embedder  embedding.Embedder
	Generator model.Generator
	Recorder  OutcomeRecorder
	Logger    *slog.Logger
	Tracer    trace.Tracer
}

// New creates an Engine. Zero config values take the defaults.
func New(cfg Config, deps Deps) *Engine {
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if cfg.SearchK <= 0 {
		cfg.SearchK = DefaultSearchK
	}
	e := &Engine{
		cfg:       cfg,
		risk:      deps.Risk,
		cache:     deps.Cache,
		embedder:  deps.Embedder,
		generator: deps.Generator,
		recorder:  deps.Recorder,
		logger:    deps.Logger,
		tracer:    deps.Tracer,
		now:       time.Now,
	}
	if e.risk == nil {
		e.risk = risk.Default()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	return e
}

// Resolve answers query from the cheapest tier that can serve it.
// Dependency failures are returned wrapped; nothing is retried.
func (e *Engine) Resolve(ctx context.Context, query string, forceRefresh bool) (*Decision, error) {
	start := e.now()

	ctx, span := e.tracer.Start(ctx, "engine.Resolve",
		trace.WithAttributes(attribute.Bool("tiercache.force_refresh", forceRefresh)),
	)
	defer span.End()

	d, err := e.resolve(ctx, query, forceRefresh, start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.String("tiercache.source", string(d.Source)),
		attribute.String("tiercache.risk", string(d.Risk)),
	)
	if d.Similarity != nil {
		span.SetAttributes(attribute.Float64("tiercache.similarity", *d.Similarity))
	}

	e.logger.InfoContext(ctx, "query resolved",
		"source", d.Source,
		"risk", d.Risk,
		"force_refresh", forceRefresh,
		"latency_ms", d.LatencyMS,
		"similarity", d.Similarity,
		"cache_id", d.CacheID,
	)
	return d, nil
}

func (e *Engine) resolve(ctx context.Context, query string, forceRefresh bool, start time.Time) (*Decision, error) {
	level := e.risk.Classify(query)

	if forceRefresh || level == risk.LevelHigh {
		resp, err := e.generate(ctx, query)
		if err != nil {
			return nil, err
		}
		return e.decide(ctx, start, &Decision{
			Response:     resp,
			Source:       SourceLLM,
			Risk:         level,
			ForceRefresh: forceRefresh,
		}), nil
	}

	resp, ok, err := e.cache.GetL1(ctx, query)
	if err != nil {
		metrics.RecordResolutionError("l1")
		return nil, fmt.Errorf("l1 lookup: %w", err)
	}
	if ok {
		return e.decide(ctx, start, &Decision{
			Response: resp,
			Source:   SourceL1,
			Risk:     level,
		}), nil
	}

	vec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		metrics.RecordResolutionError("embed")
		return nil, fmt.Errorf("embed query: %w", err)
	}

	d := &Decision{Source: SourceLLM, Risk: level, Embedding: vec}

	cand, err := e.cache.BestMatch(ctx, vec, e.cfg.SearchK)
	if err != nil {
		metrics.RecordResolutionError("search")
		return nil, fmt.Errorf("semantic search: %w", err)
	}
	if cand != nil {
		sim := cand.Similarity
		d.Similarity = &sim
		d.ClosestQuery = cand.Query
		metrics.SimilarityScore.Observe(sim)

		cached, ok, err := e.cache.GetL2(ctx, cand.ID)
		if err != nil {
			metrics.RecordResolutionError("l2")
			return nil, fmt.Errorf("l2 lookup: %w", err)
		}
		if ok && sim > e.cfg.SimilarityThreshold {
			d.Response = cached
			d.Source = SourceL2
			d.CacheID = cand.ID
			return e.decide(ctx, start, d), nil
		}
	}

	d.Response, err = e.generate(ctx, query)
	if err != nil {
		return nil, err
	}
	return e.decide(ctx, start, d), nil
}

func (e *Engine) generate(ctx context.Context, query string) (string, error) {
	resp, err := e.generator.Generate(ctx, query)
	if err != nil {
		metrics.RecordResolutionError("generate")
		return "", fmt.Errorf("generate: %w", err)
	}
	return resp, nil
}

// decide stamps the latency on d and records the outcome.
func (e *Engine) decide(ctx context.Context, start time.Time, d *Decision) *Decision {
	elapsed := e.now().Sub(start)
	if e.recorder != nil {
		d.LatencyMS = e.recorder.RecordOutcome(ctx, string(d.Source), elapsed)
	} else {
		d.LatencyMS = float64(elapsed) / float64(time.Millisecond)
	}
	return d
}
