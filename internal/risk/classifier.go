// Package risk estimates how quickly the correct answer to a query may change.
// The estimate gates which cache tiers a query may be served from.
package risk

import (
	"strings"

	"golang.org/x/text/cases"
)

// Level is the staleness risk of a query.
type Level string

const (
	LevelHigh   Level = "high"
	LevelMedium Level = "medium"
	LevelLow    Level = "low"
)

// DefaultHighTerms mark answers that can change within minutes.
var DefaultHighTerms = []string{
	"today", "now", "current", "latest", "recent", "live",
	"at the moment", "immediate", "last", "status",
}

// DefaultMediumTerms mark answers that drift over days.
var DefaultMediumTerms = []string{
	"yesterday", "last week", "last month", "this week", "trend", "previous",
}

// Classifier maps query text to a Level by substring match.
// It holds no mutable state and is safe for concurrent use.
type Classifier struct {
	high   []string
	medium []string
}

// NewClassifier creates a classifier from two ordered term lists.
// Empty lists fall back to the defaults.
func NewClassifier(high, medium []string) *Classifier {
	if len(high) == 0 {
		high = DefaultHighTerms
	}
	if len(medium) == 0 {
		medium = DefaultMediumTerms
	}
	return &Classifier{
		high:   normalize(high),
		medium: normalize(medium),
	}
}

// Default returns a classifier using the default term lists.
func Default() *Classifier {
	return NewClassifier(nil, nil)
}

// Classify returns the risk level for query. The high list is checked before
// the medium list, and the first match wins.
func (c *Classifier) Classify(query string) Level {
	q := fold(query)
	if containsAny(q, c.high) {
		return LevelHigh
	}
	if containsAny(q, c.medium) {
		return LevelMedium
	}
	return LevelLow
}

func containsAny(s string, terms []string) bool {
	for _, term := range terms {
		if strings.Contains(s, term) {
			return true
		}
	}
	return false
}

// fold applies Unicode case folding. A Caser keeps state between calls, so
// each call gets its own.
func fold(s string) string {
	return cases.Fold().String(s)
}

func normalize(terms []string) []string {
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		t = fold(strings.TrimSpace(t))
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
