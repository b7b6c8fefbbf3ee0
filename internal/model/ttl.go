package model

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// AllowedTTLs are the cache lifetime buckets the classifier may choose from.
var AllowedTTLs = []time.Duration{
	15 * time.Minute,
	time.Hour,
	3 * time.Hour,
	12 * time.Hour,
}

// DefaultTTL is used when the classifier output is not an allowed bucket.
const DefaultTTL = time.Hour

// DefaultTTLModel is used when no classifier model is configured.
const DefaultTTLModel = "google/gemini-2.0-flash-exp"

const ttlSystemPrompt = "Return only one integer TTL in seconds: 900, 3600, 10800, or 43200."

const ttlUserPrompt = `You are a TTL classifier for a semantic cache.
Pick exactly one TTL bucket for the user's query.

TTL buckets (return ONLY the number):
- 900   (15 minutes) high staleness risk
- 3600  (1 hour)      medium staleness risk
- 10800 (3 hours)     low-medium staleness risk
- 43200 (12 hours)    low staleness risk

If unsure, ALWAYS choose the shorter TTL.

User query: %s`

// ParseTTL converts a completion into an allowed bucket.
// The bool is false when raw was not an allowed number of seconds, in which
// case DefaultTTL is returned.
func ParseTTL(raw string, allowed []time.Duration) (time.Duration, bool) {
	seconds, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return DefaultTTL, false
	}
	ttl := time.Duration(seconds) * time.Second
	for _, a := range allowed {
		if ttl == a {
			return ttl, true
		}
	}
	return DefaultTTL, false
}

// TTLClassifier asks a chat model how long an answer stays fresh.
type TTLClassifier struct {
	client  *Client
	model   string
	allowed []time.Duration
	logger  *slog.Logger
}

// NewTTLClassifier creates a classifier. Empty allowed uses AllowedTTLs.
func NewTTLClassifier(client *Client, model string, allowed []time.Duration, logger *slog.Logger) *TTLClassifier {
	if model == "" {
		model = DefaultTTLModel
	}
	if len(allowed) == 0 {
		allowed = AllowedTTLs
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TTLClassifier{client: client, model: model, allowed: allowed, logger: logger}
}

// ClassifyDuration returns the cache lifetime for query.
func (c *TTLClassifier) ClassifyDuration(ctx context.Context, query string) (time.Duration, error) {
	zero := 0.0
	raw, err := c.client.Complete(ctx, CompletionRequest{
		Model: c.model,
		Messages: []Message{
			{Role: "system", Content: ttlSystemPrompt},
			{Role: "user", Content: fmt.Sprintf(ttlUserPrompt, query)},
		},
		Temperature: &zero,
	})
	if err != nil {
		return 0, fmt.Errorf("ttl classification: %w", err)
	}

	ttl, ok := ParseTTL(raw, c.allowed)
	if !ok {
		c.logger.Warn("ttl classifier returned an invalid bucket", "raw", raw, "fallback_seconds", int(DefaultTTL.Seconds()))
	}
	return ttl, nil
}
