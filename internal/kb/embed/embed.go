// Package embed wraps langchaingo's Ollama embeddings client for
// SearchService's optional semantic near-duplicate pass, the one consumer
// SPEC_FULL.md's domain-stack table lists for tmc/langchaingo.
//
// AleutianAI-AleutianFOSS's services/trace/agent/routing/embedder.go computes
// embeddings with a bespoke raw-HTTP Ollama client for tool-routing
// specifically; this package gives the knowledge-base side of the
// codebase its own embedding client, grounded on langchaingo's own
// embeddings abstraction instead of duplicating that bespoke client.
package embed

import (
	"context"
	"fmt"
	"math"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
)

// Client computes text embeddings via an Ollama model through langchaingo.
type Client struct {
	embedder embeddings.Embedder
}

// New returns a Client backed by model served at baseURL (e.g.
// "http://localhost:11434").
func New(baseURL, model string) (*Client, error) {
	llm, err := ollama.New(ollama.WithServerURL(baseURL), ollama.WithModel(model))
	if err != nil {
		return nil, fmt.Errorf("embed: creating ollama client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("embed: creating embedder: %w", err)
	}
	return &Client{embedder: embedder}, nil
}

// EmbedQuery returns text's embedding vector.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vec, err := c.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed: embed query: %w", err)
	}
	return vec, nil
}

// CosineSimilarity returns the cosine similarity of a and b, or 0 if
// either is empty or their lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
