package engine

import "github.com/blueberrycongee/tiercache/internal/risk"

// Source identifies the tier that produced a response.
type Source string

const (
	SourceL1  Source = "l1"
	SourceL2  Source = "l2"
	SourceLLM Source = "llm"
)

// Decision is the outcome of one Resolve call. It is built once by the
// engine and consumed once by the writeback policy.
type Decision struct {
	Response string
	Source   Source
	Risk     risk.Level

	// Similarity is set for l2 hits and for generations that probed L2.
	Similarity   *float64
	CacheID      string
	ClosestQuery string

	LatencyMS    float64
	ForceRefresh bool

	// Embedding is the query vector if one was computed during resolution.
	Embedding []float32
}

// Metadata is the client-facing view of a Decision.
type Metadata struct {
	Source          string     `json:"source"`
	CacheType       string     `json:"cache_type,omitempty"`
	RiskLevel       risk.Level `json:"risk_level"`
	CacheID         string     `json:"cache_id,omitempty"`
	SimilarityScore *float64   `json:"similarity_score,omitempty"`
	ClosestQuery    *string    `json:"closest_query,omitempty"`
	ForceRefresh    bool       `json:"force_refresh,omitempty"`
	LatencyMS       float64    `json:"latency_ms"`
}

// Metadata returns the response metadata for d. Cache hits report source
// "cache" with the tier in cache_type; generations report "llm".
func (d *Decision) Metadata() Metadata {
	m := Metadata{
		RiskLevel:    d.Risk,
		ForceRefresh: d.ForceRefresh,
		LatencyMS:    d.LatencyMS,
	}
	switch d.Source {
	case SourceL1, SourceL2:
		m.Source = "cache"
		m.CacheType = string(d.Source)
	default:
		m.Source = string(SourceLLM)
	}
	if d.Source == SourceL2 {
		m.CacheID = d.CacheID
	}
	m.SimilarityScore = d.Similarity
	if d.ClosestQuery != "" {
		q := d.ClosestQuery
		m.ClosestQuery = &q
	}
	return m
}
