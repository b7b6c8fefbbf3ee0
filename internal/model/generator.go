package model

import (
	"context"
)

// DefaultGenerationModel is used when no model is configured.
const DefaultGenerationModel = "google/gemini-2.5-flash-lite"

// ChatGenerator answers a query with a single user message.
type ChatGenerator struct {
	client *Client
	model  string
}

// NewChatGenerator creates a generator that uses model on client.
func NewChatGenerator(client *Client, model string) *ChatGenerator {
	if model == "" {
		model = DefaultGenerationModel
	}
	return &ChatGenerator{client: client, model: model}
}

// Generate returns the model's answer to query.
func (g *ChatGenerator) Generate(ctx context.Context, query string) (string, error) {
	return g.client.Complete(ctx, CompletionRequest{
		Model:    g.model,
		Messages: []Message{{Role: "user", Content: query}},
	})
}
