package loadtest

import (
	"sync"
	"time"
)

const maxRecordedErrors = 20

// StepSummary aggregates every request issued under one step name.
type StepSummary struct {
	Requests     int64   `json:"requests"`
	Failures     int64   `json:"failures"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
	MaxLatencyMS float64 `json:"max_latency_ms"`
}

type stepStats struct {
	requests int64
	failures int64
	totalMS  float64
	maxMS    float64
}

type stats struct {
	mu     sync.Mutex
	steps  map[string]*stepStats
	errors []string
}

func newStats() *stats {
	return &stats{steps: make(map[string]*stepStats)}
}

func (s *stats) record(step string, elapsed time.Duration, failure string) {
	ms := float64(elapsed.Microseconds()) / 1000

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.steps[step]
	if !ok {
		st = &stepStats{}
		s.steps[step] = st
	}
	st.requests++
	st.totalMS += ms
	if ms > st.maxMS {
		st.maxMS = ms
	}
	if failure != "" {
		st.failures++
		if len(s.errors) < maxRecordedErrors {
			s.errors = append(s.errors, step+": "+failure)
		}
	}
}

// summarize fills the aggregate fields of sum.
func (s *stats) summarize(sum *Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum.Steps = make(map[string]StepSummary, len(s.steps))
	for name, st := range s.steps {
		step := StepSummary{
			Requests:     st.requests,
			Failures:     st.failures,
			MaxLatencyMS: st.maxMS,
		}
		if st.requests > 0 {
			step.AvgLatencyMS = st.totalMS / float64(st.requests)
		}
		sum.Steps[name] = step
		sum.Requests += st.requests
		sum.Failures += st.failures
	}
	sum.Errors = append([]string(nil), s.errors...)
}
