// Package provider abstracts the third-party embedding and text
// generation backends behind two small capabilities:
//
//	Embedder:  embed(text) -> vector + token usage
//	Generator: generate(system prompt + content) -> reply text + token usage
//
// Two variants exist: an OpenAI-compatible REST client and a Gemini
// client built on google.golang.org/genai. The OpenAI embeddings API
// reports authoritative token usage; Gemini's does not, so its usage is
// estimated locally and flagged as such so downstream cost reporting can
// distinguish measured from guessed values.
package provider

import (
	"context"
	"errors"
	"fmt"
)

// Provider name constants. These match the agents.provider column values.
const (
	NameOpenAI = "openai"
	NameGemini = "gemini"
)

// ErrUnknownProvider indicates a provider name with no registered backend.
var ErrUnknownProvider = errors.New("unknown provider")

// ErrDimensionMismatch indicates an embedding whose width differs from
// the configured vector dimension. This is a deployment configuration
// error, never silently coerced.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Error reports a failed call to a provider backend. It wraps the
// underlying cause, if any, for errors.Is/As chains.
type Error struct {
	Provider string // backend name ("openai", "gemini")
	Detail   string // provider-supplied or synthesized failure detail
	Err      error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// Embedding is the result of a single embedding call.
type Embedding struct {
	Vector      []float32
	InputTokens int
	// Estimated is true when InputTokens is a local chars/4 estimate
	// rather than an authoritative count from the provider.
	Estimated bool
}

// Embedder generates a fixed-width embedding vector for one text span.
// Implementations must be safe for concurrent use.
type Embedder interface {
	Embed(ctx context.Context, text string) (Embedding, error)

	// Model returns the embedding model name recorded in the usage ledger.
	Model() string
}

// GenerateRequest is a single text-generation call.
type GenerateRequest struct {
	Model        string // provider-qualified model name; empty = backend default
	SystemPrompt string
	Content      string // assembled context + user message
}

// Generation is the normalized result of a generation call.
type Generation struct {
	Text         string
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	Estimated    bool
}

// Generator produces one reply for a prompt. Implementations must be
// safe for concurrent use.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (Generation, error)
}

// Registry resolves provider names to backends. Both maps are populated
// at startup and read-only afterwards, so no locking is needed.
type Registry struct {
	embedders  map[string]Embedder
	generators map[string]Generator
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		embedders:  make(map[string]Embedder),
		generators: make(map[string]Generator),
	}
}

// Register adds a backend under the given name. Either capability may be
// nil when a backend only supports one of the two.
func (r *Registry) Register(name string, e Embedder, g Generator) {
	if e != nil {
		r.embedders[name] = e
	}
	if g != nil {
		r.generators[name] = g
	}
}

// Embedder returns the embedding backend registered under name.
func (r *Registry) Embedder(name string) (Embedder, error) {
	e, ok := r.embedders[name]
	if !ok {
		return nil, fmt.Errorf("%w: no embedder %q", ErrUnknownProvider, name)
	}
	return e, nil
}

// Generator returns the generation backend registered under name.
func (r *Registry) Generator(name string) (Generator, error) {
	g, ok := r.generators[name]
	if !ok {
		return nil, fmt.Errorf("%w: no generator %q", ErrUnknownProvider, name)
	}
	return g, nil
}
