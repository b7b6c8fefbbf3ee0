package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/tiercache/internal/metrics"
	"github.com/blueberrycongee/tiercache/internal/model"
	"github.com/blueberrycongee/tiercache/internal/model/embedding"
	"github.com/blueberrycongee/tiercache/internal/risk"
)

// Writeback actions, used as metric labels.
const (
	actionStore   = "store"
	actionPromote = "promote"
	actionSkip    = "skip"
)

// Writeback populates the cache tiers from a Decision after the response
// has been delivered. Apply never returns an error.
type Writeback struct {
	cache      Cache
	embedder   embedding.Embedder
	classifier model.DurationClassifier
	allowed    []time.Duration
	defaultTTL time.Duration
	logger     *slog.Logger
	tracer     trace.Tracer
}

// WritebackDeps holds the collaborators of a Writeback.
type WritebackDeps struct {
	Cache      Cache
	Embedder   embedding.Embedder
	Classifier model.DurationClassifier
	// AllowedTTLs bounds classifier output. Empty uses model.AllowedTTLs.
	AllowedTTLs []time.Duration
	// DefaultTTL replaces any classifier output outside AllowedTTLs.
	DefaultTTL time.Duration
	Logger     *slog.Logger
	Tracer     trace.Tracer
}

// NewWriteback creates a Writeback.
func NewWriteback(deps WritebackDeps) *Writeback {
	w := &Writeback{
		cache:      deps.Cache,
		embedder:   deps.Embedder,
		classifier: deps.Classifier,
		allowed:    deps.AllowedTTLs,
		defaultTTL: deps.DefaultTTL,
		logger:     deps.Logger,
		tracer:     deps.Tracer,
	}
	if len(w.allowed) == 0 {
		w.allowed = model.AllowedTTLs
	}
	if w.defaultTTL <= 0 {
		w.defaultTTL = model.DefaultTTL
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.tracer == nil {
		w.tracer = otel.Tracer(tracerName)
	}
	return w
}

// Apply stores or promotes the answer in d. High-risk decisions and L1 hits
// are left alone. Failures are logged and dropped.
func (w *Writeback) Apply(ctx context.Context, query string, d *Decision) {
	if d == nil || d.Risk == risk.LevelHigh || d.Source == SourceL1 {
		metrics.RecordWriteback(actionSkip, "ok")
		return
	}

	ctx, span := w.tracer.Start(ctx, "engine.Writeback",
		trace.WithAttributes(attribute.String("tiercache.source", string(d.Source))),
	)
	defer span.End()

	var (
		action string
		err    error
	)
	switch d.Source {
	case SourceLLM:
		action = actionStore
		err = w.store(ctx, query, d)
	case SourceL2:
		action = actionPromote
		err = w.promote(ctx, query, d)
	default:
		metrics.RecordWriteback(actionSkip, "ok")
		return
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.RecordWriteback(action, "error")
		w.logger.ErrorContext(ctx, "cache writeback failed",
			"action", action,
			"source", d.Source,
			"cache_id", d.CacheID,
			"error", err,
		)
		return
	}
	metrics.RecordWriteback(action, "ok")
}

func (w *Writeback) store(ctx context.Context, query string, d *Decision) error {
	vec := d.Embedding
	if vec == nil {
		var err error
		vec, err = w.embedder.Embed(ctx, query)
		if err != nil {
			return fmt.Errorf("embed query: %w", err)
		}
	}

	ttl, err := w.classifier.ClassifyDuration(ctx, query)
	if err != nil {
		return fmt.Errorf("classify ttl: %w", err)
	}
	if !slices.Contains(w.allowed, ttl) {
		w.logger.WarnContext(ctx, "ttl outside allowed buckets, using default",
			"ttl", ttl, "default", w.defaultTTL)
		ttl = w.defaultTTL
	}
	metrics.ClassifiedTTL.WithLabelValues(strconv.Itoa(int(ttl.Seconds()))).Inc()

	if err := w.cache.SetL1(ctx, query, d.Response, ttl); err != nil {
		return err
	}
	id, err := w.cache.StoreSemantic(ctx, query, d.Response, vec, ttl)
	if err != nil {
		return err
	}

	w.logger.InfoContext(ctx, "cache writeback complete", "ttl", ttl, "cache_id", id)
	return nil
}

func (w *Writeback) promote(ctx context.Context, query string, d *Decision) error {
	if d.CacheID == "" {
		return nil
	}
	ttl, ok, err := w.cache.L2TTL(ctx, d.CacheID)
	if err != nil {
		return err
	}
	if !ok || ttl <= 0 {
		return nil
	}
	if err := w.cache.SetL1(ctx, query, d.Response, ttl); err != nil {
		return err
	}

	w.logger.InfoContext(ctx, "promoted l2 to l1", "ttl", ttl, "cache_id", d.CacheID)
	return nil
}
