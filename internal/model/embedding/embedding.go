// Package embedding provides text embedders for the semantic cache tier.
package embedding

import "context"

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	// Embed generates an embedding vector for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the dimension of the embedding vectors.
	Dimension() int
}
