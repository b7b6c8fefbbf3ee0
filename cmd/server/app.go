package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/tiercache/internal/api"
	"github.com/blueberrycongee/tiercache/internal/cache"
	"github.com/blueberrycongee/tiercache/internal/cache/kv"
	"github.com/blueberrycongee/tiercache/internal/cache/vector"
	"github.com/blueberrycongee/tiercache/internal/config"
	"github.com/blueberrycongee/tiercache/internal/engine"
	"github.com/blueberrycongee/tiercache/internal/loadtest"
	"github.com/blueberrycongee/tiercache/internal/metrics"
	"github.com/blueberrycongee/tiercache/internal/model"
	"github.com/blueberrycongee/tiercache/internal/model/embedding"
	"github.com/blueberrycongee/tiercache/internal/resilience"
	"github.com/blueberrycongee/tiercache/internal/risk"
)

// app owns every long-lived component behind the HTTP handler.
type app struct {
	gateway    *cache.Gateway
	dispatcher *engine.Dispatcher
	handler    *api.Handler

	unregisterStoreStats func()
}

func newApp(ctx context.Context, cfg *config.Config, tracer trace.Tracer, logger *slog.Logger) (*app, error) {
	if cfg == nil {
		return nil, errNilConfig
	}

	embedder, err := embedding.NewOpenAIEmbedder(embeddingConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}

	client, err := model.NewClient(model.ClientConfig{
		Name:    "model",
		APIKey:  cfg.Model.APIKey,
		BaseURL: cfg.Model.APIBase,
		Timeout: cfg.Model.Timeout,
		Headers: cfg.Model.Headers,
		Breaker: modelBreaker(cfg, logger),
	})
	if err != nil {
		return nil, fmt.Errorf("create model client: %w", err)
	}

	gw, err := cache.New(ctx, cacheConfig(cfg), logger)
	if err != nil {
		return nil, fmt.Errorf("create cache gateway: %w", err)
	}

	recorder := metrics.NewRecorder(gw.Store(), logger)
	unregister, err := metrics.RegisterStoreStats(prometheus.DefaultRegisterer, gw.Store())
	if err != nil {
		_ = gw.Close()
		return nil, fmt.Errorf("register store metrics: %w", err)
	}

	eng := engine.New(engine.Config{
		SimilarityThreshold: cfg.Engine.SimilarityThreshold,
		SearchK:             cfg.Engine.SearchK,
	}, engine.Deps{
		Risk:      risk.NewClassifier(cfg.Engine.HighRiskTerms, cfg.Engine.MediumRiskTerms),
		Cache:     gw,
		Embedder:  embedder,
		Generator: model.NewChatGenerator(client, cfg.Model.GenerationModel),
		Recorder:  recorder,
		Logger:    logger,
		Tracer:    tracer,
	})

	wb := engine.NewWriteback(engine.WritebackDeps{
		Cache:       gw,
		Embedder:    embedder,
		Classifier:  model.NewTTLClassifier(client, cfg.Model.TTLModel, cfg.Engine.AllowedTTLs, logger),
		AllowedTTLs: cfg.Engine.AllowedTTLs,
		DefaultTTL:  cfg.Engine.DefaultTTL,
		Logger:      logger,
		Tracer:      tracer,
	})

	dispatcher := engine.NewDispatcher(wb, engine.DispatcherConfig{
		Workers:   cfg.Writeback.Workers,
		QueueSize: cfg.Writeback.QueueSize,
		Timeout:   cfg.Writeback.Timeout,
	}, logger)

	deps := api.HandlerDeps{
		Resolver:     eng,
		Writeback:    dispatcher,
		Cache:        gw,
		Metrics:      recorder,
		Logger:       logger,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		LoadLimits: loadtest.Limits{
			MaxUsers:     cfg.LoadTest.MaxUsers,
			MaxSpawnRate: cfg.LoadTest.MaxSpawnRate,
			MaxRunTime:   cfg.LoadTest.MaxRunTime,
		},
	}
	if cfg.LoadTest.Enabled {
		deps.LoadTest = loadtest.NewRunner(loadtest.Options{
			BaseURL: loadTestTarget(cfg),
			Logger:  logger,
		})
	}

	return &app{
		gateway:    gw,
		dispatcher: dispatcher,
		handler:    api.NewHandler(deps),

		unregisterStoreStats: unregister,
	}, nil
}

// shutdown drains pending writebacks before closing the backends.
func (a *app) shutdown(ctx context.Context) error {
	a.unregisterStoreStats()
	return errors.Join(a.dispatcher.Shutdown(ctx), a.gateway.Close())
}

func cacheConfig(cfg *config.Config) cache.Config {
	cc := cache.DefaultConfig()
	cc.StoreBackend = cfg.Redis.Backend
	cc.VectorBackend = cfg.Vector.Backend
	cc.Dimension = cfg.Vector.Dimension
	cc.Redis = kv.RedisConfig{
		Addr:           cfg.Redis.Addr,
		Password:       cfg.Redis.Password,
		DB:             cfg.Redis.DB,
		ClusterAddrs:   cfg.Redis.ClusterAddrs,
		SentinelAddrs:  cfg.Redis.SentinelAddrs,
		SentinelMaster: cfg.Redis.SentinelMaster,
		Namespace:      cfg.Redis.Namespace,
		DialTimeout:    cfg.Redis.DialTimeout,
		ReadTimeout:    cfg.Redis.ReadTimeout,
		WriteTimeout:   cfg.Redis.WriteTimeout,
		PoolSize:       cfg.Redis.PoolSize,
		MinIdleConns:   cfg.Redis.MinIdleConns,
		MaxRetries:     cfg.Redis.MaxRetries,
	}
	cc.RedisVector = vector.RedisConfig{
		Index:          cfg.Vector.Index,
		Prefix:         cfg.Vector.Prefix,
		Dimension:      cfg.Vector.Dimension,
		DistanceMetric: cfg.Vector.DistanceMetric,
	}
	cc.Qdrant = vector.QdrantConfig{
		APIBase:    cfg.Vector.QdrantAPIBase,
		APIKey:     cfg.Vector.QdrantAPIKey,
		Collection: cfg.Vector.QdrantCollection,
		Dimension:  cfg.Vector.Dimension,
		Timeout:    cfg.Vector.QdrantTimeout,
	}
	if cfg.Writeback.VectorRetryAttempts > 0 {
		cc.Retry.MaxAttempts = cfg.Writeback.VectorRetryAttempts
	}
	if cfg.Writeback.VectorRetryDelay > 0 {
		cc.Retry.InitialDelay = cfg.Writeback.VectorRetryDelay
	}
	return cc
}

func embeddingConfig(cfg *config.Config) embedding.OpenAIConfig {
	ec := embedding.DefaultOpenAIConfig()
	ec.APIKey = firstNonEmpty(cfg.Model.EmbeddingAPIKey, cfg.Model.APIKey)
	ec.APIBase = firstNonEmpty(cfg.Model.EmbeddingAPIBase, cfg.Model.APIBase, ec.APIBase)
	ec.Model = firstNonEmpty(cfg.Model.EmbeddingModel, ec.Model)
	ec.Dimension = cfg.Vector.Dimension
	if cfg.Model.EmbeddingTimeout > 0 {
		ec.Timeout = cfg.Model.EmbeddingTimeout
	}
	return ec
}

// modelBreaker returns nil when the breaker is disabled.
func modelBreaker(cfg *config.Config, logger *slog.Logger) *resilience.CircuitBreaker {
	if !cfg.Model.BreakerEnabled {
		return nil
	}
	bc := resilience.DefaultCircuitBreakerConfig()
	if cfg.Model.BreakerThreshold > 0 {
		bc.FailureThreshold = cfg.Model.BreakerThreshold
	}
	if cfg.Model.BreakerOpenPeriod > 0 {
		bc.Timeout = cfg.Model.BreakerOpenPeriod
	}

	cb := resilience.NewCircuitBreaker("model", bc)
	metrics.SetCircuitBreakerState(cb.Name(), int(cb.State()))
	cb.OnStateChange(func(name string, from, to resilience.CircuitState) {
		metrics.SetCircuitBreakerState(name, int(to))
		logger.Warn("circuit breaker state changed",
			"dependency", name, "from", from.String(), "to", to.String())
	})
	return cb
}

func loadTestTarget(cfg *config.Config) string {
	if cfg.LoadTest.TargetURL != "" {
		return cfg.LoadTest.TargetURL
	}
	return fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
