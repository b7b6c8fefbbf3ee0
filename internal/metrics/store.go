package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/blueberrycongee/tiercache/internal/cache/kv"
)

// StatsSource is implemented by stores that count their own operations.
type StatsSource interface {
	Stats() kv.Stats
}

// StoreCollector exports the operation counters of a key-value store.
type StoreCollector struct {
	src     StatsSource
	ops     *prometheus.Desc
	hitRate *prometheus.Desc
}

// NewStoreCollector creates a collector reading src on every scrape.
func NewStoreCollector(src StatsSource) *StoreCollector {
	return &StoreCollector{
		src: src,
		ops: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "store", "operations_total"),
			"Key-value store operations by result",
			[]string{"result"}, // hit, miss, set, error
			nil,
		),
		hitRate: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "store", "hit_rate"),
			"Share of store reads that found a live key",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *StoreCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.ops
	ch <- c.hitRate
}

// Collect implements prometheus.Collector.
func (c *StoreCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()
	ch <- prometheus.MustNewConstMetric(c.ops, prometheus.CounterValue, float64(s.Hits), "hit")
	ch <- prometheus.MustNewConstMetric(c.ops, prometheus.CounterValue, float64(s.Misses), "miss")
	ch <- prometheus.MustNewConstMetric(c.ops, prometheus.CounterValue, float64(s.Sets), "set")
	ch <- prometheus.MustNewConstMetric(c.ops, prometheus.CounterValue, float64(s.Errors), "error")
	ch <- prometheus.MustNewConstMetric(c.hitRate, prometheus.GaugeValue, s.HitRate)
}

// RegisterStoreStats exports the counters of store through reg when the store
// keeps any. The returned func unregisters the collector again.
func RegisterStoreStats(reg prometheus.Registerer, store kv.Store) (func(), error) {
	src, ok := store.(StatsSource)
	if !ok {
		return func() {}, nil
	}

	c := NewStoreCollector(src)
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return func() {}, nil
		}
		return nil, err
	}
	return func() { reg.Unregister(c) }, nil
}
