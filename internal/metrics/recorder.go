package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/blueberrycongee/tiercache/internal/cache/kv"
)

// Tiers lists the serving tiers that have counters.
var Tiers = []string{"l1", "l2", "llm"}

const keyPrefix = "metrics:"

// CallsKey returns the store key of the call counter for tier.
func CallsKey(tier string) string {
	return keyPrefix + tier + "_calls_total"
}

// LatencyKey returns the store key of the latency sum for tier.
func LatencyKey(tier string) string {
	return keyPrefix + tier + "_latency_ms_sum"
}

// Snapshot maps counter names (e.g. "l1_calls_total") to values.
type Snapshot map[string]float64

// Recorder keeps per-tier counters in the key-value store so every
// instance of the service contributes to the same totals.
type Recorder struct {
	store  kv.Store
	logger *slog.Logger
}

// NewRecorder creates a recorder on store.
func NewRecorder(store kv.Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger}
}

// RecordOutcome adds one call and elapsed to the tier counters and returns
// elapsed in milliseconds. Store failures are logged, never returned; the
// Prometheus mirror is always updated.
func (r *Recorder) RecordOutcome(ctx context.Context, tier string, elapsed time.Duration) float64 {
	ms := float64(elapsed) / float64(time.Millisecond)

	ResolutionsTotal.WithLabelValues(tier).Inc()
	ResolutionLatency.WithLabelValues(tier).Observe(elapsed.Seconds())

	if _, err := r.store.IncrByFloat(ctx, LatencyKey(tier), ms); err != nil {
		r.logger.Warn("failed to record latency", "tier", tier, "error", err)
	}
	if _, err := r.store.IncrBy(ctx, CallsKey(tier), 1); err != nil {
		r.logger.Warn("failed to record call", "tier", tier, "error", err)
	}
	return ms
}

// Snapshot reads all six counters. Missing counters read as zero.
func (r *Recorder) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := make(Snapshot, len(Tiers)*2)
	for _, tier := range Tiers {
		for _, key := range []string{LatencyKey(tier), CallsKey(tier)} {
			val, ok, err := r.store.Get(ctx, key)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", key, err)
			}
			name := key[len(keyPrefix):]
			if !ok {
				snap[name] = 0
				continue
			}
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return nil, fmt.Errorf("parse %s: %w", key, err)
			}
			snap[name] = f
		}
	}
	return snap, nil
}
