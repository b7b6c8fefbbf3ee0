package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/blueberrycongee/tiercache/internal/metrics"
)

// ErrDispatcherClosed is returned by Submit after Shutdown.
var ErrDispatcherClosed = errors.New("writeback dispatcher is closed")

// ErrQueueFull is returned by Submit when no queue slot is free.
var ErrQueueFull = errors.New("writeback queue is full")

// Applier runs a writeback for one decision.
type Applier interface {
	Apply(ctx context.Context, query string, d *Decision)
}

// DispatcherConfig sizes the writeback worker pool.
type DispatcherConfig struct {
	Workers   int           `yaml:"workers"`
	QueueSize int           `yaml:"queue_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

// DefaultDispatcherConfig returns sensible defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:   4,
		QueueSize: 1024,
		Timeout:   30 * time.Second,
	}
}

type writebackJob struct {
	ctx   context.Context
	query string
	d     *Decision
}

// Dispatcher runs writebacks on a fixed pool of workers so the response
// path never waits for them. A full queue drops the writeback.
type Dispatcher struct {
	applier Applier
	cfg     DispatcherConfig
	logger  *slog.Logger

	queue chan writebackJob
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher creates a dispatcher and starts its workers.
func NewDispatcher(applier Applier, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		applier: applier,
		cfg:     cfg,
		logger:  logger,
		queue:   make(chan writebackJob, cfg.QueueSize),
	}
	d.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go d.worker()
	}
	return d
}

// Submit queues a writeback for decision. The context is detached from its
// cancellation so the writeback outlives the request; values such as the
// request ID and trace span are kept.
func (d *Dispatcher) Submit(ctx context.Context, query string, decision *Decision) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	job := writebackJob{ctx: context.WithoutCancel(ctx), query: query, d: decision}
	select {
	case d.queue <- job:
		metrics.WritebackQueueDepth.Inc()
		return nil
	default:
		metrics.RecordWriteback(actionFor(decision), "dropped")
		d.logger.WarnContext(ctx, "writeback queue full, dropping", "source", decision.Source)
		return ErrQueueFull
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		metrics.WritebackQueueDepth.Dec()
		d.run(job)
	}
}

func (d *Dispatcher) run(job writebackJob) {
	ctx, cancel := context.WithTimeout(job.ctx, d.cfg.Timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("writeback panicked", "panic", r)
		}
	}()
	d.applier.Apply(ctx, job.query, job.d)
}

// Shutdown stops accepting writebacks and waits for queued ones to finish
// or for ctx to end.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func actionFor(d *Decision) string {
	if d == nil {
		return actionSkip
	}
	switch d.Source {
	case SourceLLM:
		return actionStore
	case SourceL2:
		return actionPromote
	default:
		return actionSkip
	}
}
