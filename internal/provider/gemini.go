package provider

import (
	"context"
	"fmt"
	"log/slog"

	"google.golang.org/genai"
)

// GeminiConfig configures the Gemini client.
type GeminiConfig struct {
	APIKey     string
	EmbedModel string // e.g. gemini-embedding-001
	Dimension  int    // requested embedding width, must match the schema
	Logger     *slog.Logger
}

// Gemini talks to the Gemini API through google.golang.org/genai.
//
// gemini-embedding-001 outputs 3072 dimensions by default but supports
// truncation via OutputDimensionality, which keeps it compatible with the
// 768-wide chunks schema. The embed API reports no token usage, so usage
// is estimated locally and flagged.
type Gemini struct {
	client     *genai.Client
	embedModel string
	dim        int
	logger     *slog.Logger
}

// NewGemini creates a Gemini client.
func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: API key is required")
	}
	if cfg.EmbedModel == "" {
		cfg.EmbedModel = "gemini-embedding-001"
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("gemini: dimension must be positive, got %d", cfg.Dimension)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: creating client: %w", err)
	}

	return &Gemini{
		client:     client,
		embedModel: cfg.EmbedModel,
		dim:        cfg.Dimension,
		logger:     logger,
	}, nil
}

// Embed requests one embedding truncated to the configured width.
// Token usage is a chars/4 estimate (Estimated=true); the embed API does
// not report usage.
func (g *Gemini) Embed(ctx context.Context, text string) (Embedding, error) {
	dim := int32(g.dim) // #nosec G115 -- validated positive and schema-bounded

	resp, err := g.client.Models.EmbedContent(ctx, g.embedModel,
		genai.Text(text),
		&genai.EmbedContentConfig{OutputDimensionality: &dim})
	if err != nil {
		return Embedding{}, &Error{Provider: NameGemini, Detail: "embed failed: " + err.Error(), Err: err}
	}

	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return Embedding{}, &Error{Provider: NameGemini, Detail: "no embedding in response"}
	}
	vec := resp.Embeddings[0].Values
	if len(vec) != g.dim {
		return Embedding{}, fmt.Errorf("%w: gemini returned %d, schema expects %d",
			ErrDimensionMismatch, len(vec), g.dim)
	}

	return Embedding{
		Vector:      vec,
		InputTokens: EstimateTokens(text),
		Estimated:   true,
	}, nil
}

// Model returns the configured embedding model name.
func (g *Gemini) Model() string { return g.embedModel }

// Generate sends one generation request. Token usage comes from the
// response's usage metadata when present.
func (g *Gemini) Generate(ctx context.Context, req GenerateRequest) (Generation, error) {
	if req.Model == "" {
		return Generation{}, &Error{Provider: NameGemini, Detail: "model name is required"}
	}

	cfg := &genai.GenerateContentConfig{}
	if req.SystemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}

	resp, err := g.client.Models.GenerateContent(ctx, req.Model, genai.Text(req.Content), cfg)
	if err != nil {
		return Generation{}, &Error{Provider: NameGemini, Detail: "generate failed: " + err.Error(), Err: err}
	}

	text := resp.Text()
	if text == "" {
		return Generation{}, &Error{Provider: NameGemini, Detail: "empty generation response"}
	}

	gen := Generation{Text: text}
	if u := resp.UsageMetadata; u != nil {
		gen.InputTokens = int(u.PromptTokenCount)
		gen.OutputTokens = int(u.CandidatesTokenCount)
		gen.TotalTokens = int(u.TotalTokenCount)
	} else {
		gen.InputTokens = EstimateTokens(req.SystemPrompt + req.Content)
		gen.OutputTokens = EstimateTokens(text)
		gen.TotalTokens = gen.InputTokens + gen.OutputTokens
		gen.Estimated = true
	}
	return gen, nil
}
