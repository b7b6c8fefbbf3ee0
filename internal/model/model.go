// Package model wraps the generative model provider: answer generation and
// the cache-lifetime classifier. Embeddings live in the embedding subpackage.
package model

import (
	"context"
	"errors"
	"time"
)

// ErrEmptyCompletion is returned when the provider answers with no choices.
var ErrEmptyCompletion = errors.New("model returned no completion")

// Generator produces an answer for a query.
type Generator interface {
	Generate(ctx context.Context, query string) (string, error)
}

// DurationClassifier picks how long an answer may be cached.
// Any completion maps to an allowed bucket; only transport failures error.
type DurationClassifier interface {
	ClassifyDuration(ctx context.Context, query string) (time.Duration, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, query string) (string, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, query string) (string, error) {
	return f(ctx, query)
}
