package testutil

import (
	"context"

	"github.com/tidesk/tidesk/internal/provider"
)

// FixedEmbedder returns the same deterministic vector for every input.
// The vector length matches the deployment schema so embeddings can be
// inserted into a real pgvector column.
type FixedEmbedder struct {
	Dim   int
	Value float32
	Err   error
}

// Embed returns a Dim-wide vector filled with Value.
func (f *FixedEmbedder) Embed(_ context.Context, text string) (provider.Embedding, error) {
	if f.Err != nil {
		return provider.Embedding{}, f.Err
	}
	vec := make([]float32, f.Dim)
	for i := range vec {
		vec[i] = f.Value
	}
	return provider.Embedding{
		Vector:      vec,
		InputTokens: provider.EstimateTokens(text),
		Estimated:   true,
	}, nil
}

// Model implements provider.Embedder.
func (f *FixedEmbedder) Model() string { return "test-embed" }

// StaticGenerator replies with a fixed string.
type StaticGenerator struct {
	Reply string
	Err   error

	Requests []provider.GenerateRequest
}

// Generate records the request and returns the configured reply.
func (g *StaticGenerator) Generate(_ context.Context, req provider.GenerateRequest) (provider.Generation, error) {
	g.Requests = append(g.Requests, req)
	if g.Err != nil {
		return provider.Generation{}, g.Err
	}
	return provider.Generation{
		Text:         g.Reply,
		InputTokens:  provider.EstimateTokens(req.Content),
		OutputTokens: provider.EstimateTokens(g.Reply),
		TotalTokens:  provider.EstimateTokens(req.Content) + provider.EstimateTokens(g.Reply),
		Estimated:    true,
	}, nil
}
