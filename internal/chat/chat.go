// Package chat implements one retrieval-augmented helpdesk turn:
// embed the user's message, retrieve similar chunks, assemble context
// and ask the generation provider for a reply.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/tidesk/tidesk/internal/config"
	"github.com/tidesk/tidesk/internal/log"
	"github.com/tidesk/tidesk/internal/provider"
	"github.com/tidesk/tidesk/internal/store"
)

// Turn-level failures. A failed embed or generation fails the whole
// turn; no partial reply is ever returned.
var (
	ErrEmbedding  = errors.New("query embedding failed")
	ErrGeneration = errors.New("reply generation failed")
)

// NoContextPlaceholder is sent as context when retrieval finds nothing
// above the similarity threshold and the agent has no inline knowledge.
// An explicit placeholder keeps the generation prompt well-formed
// instead of sending empty context.
const NoContextPlaceholder = "No additional information available."

// contextDelimiter separates retrieved chunks in the assembled context.
const contextDelimiter = "\n---\n"

// Store defines the persistence operations a chat turn needs.
type Store interface {
	GetAgent(ctx context.Context, id uuid.UUID) (store.Agent, error)
	SearchChunks(ctx context.Context, params store.SearchParams) ([]store.SearchResult, error)
	AddUsage(ctx context.Context, rec store.UsageRecord) error
}

// GeneratorResolver resolves a generation backend by provider name.
// provider.Registry satisfies this.
type GeneratorResolver interface {
	Generator(name string) (provider.Generator, error)
}

// Defaults holds the deployment-global generation settings used for
// turns without an agent.
type Defaults struct {
	Provider     string
	Model        string
	SystemPrompt string
}

// Options configures a Service.
type Options struct {
	Defaults Defaults

	// TopK and Threshold bound the similarity search. Zero values
	// fall back to the deployment defaults.
	TopK      int
	Threshold float64

	Logger log.Logger
}

// Request is one user turn. AgentID, when set, scopes retrieval and
// selects the agent's generation configuration.
type Request struct {
	TenantID uuid.UUID
	AgentID  *uuid.UUID
	Message  string
}

// Response carries the generated reply.
type Response struct {
	Reply string
}

// Service answers chat turns. The query embedder is fixed at
// construction and does not follow the agent's provider: generation is
// agent-selectable, the retrieval embedding backend is not, so stored
// vectors and query vectors always come from the same model.
type Service struct {
	store         Store
	generators    GeneratorResolver
	queryEmbedder provider.Embedder
	defaults      Defaults
	topK          int
	threshold     float64
	logger        log.Logger
}

// New creates a chat Service using queryEmbedder for every retrieval
// embedding.
func New(st Store, generators GeneratorResolver, queryEmbedder provider.Embedder, opts Options) *Service {
	if opts.TopK <= 0 {
		opts.TopK = config.DefaultRetrievalTopK
	}
	if opts.Threshold <= 0 {
		opts.Threshold = config.DefaultSimilarityThreshold
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNop()
	}

	return &Service{
		store:         st,
		generators:    generators,
		queryEmbedder: queryEmbedder,
		defaults:      opts.Defaults,
		topK:          opts.TopK,
		threshold:     opts.Threshold,
		logger:        opts.Logger,
	}
}

// Turn answers one user message. Message persistence is the caller's
// responsibility.
func (s *Service) Turn(ctx context.Context, req Request) (Response, error) {
	if strings.TrimSpace(req.Message) == "" {
		return Response{}, fmt.Errorf("message is empty")
	}

	gen := s.defaults
	knowledge := ""
	if req.AgentID != nil {
		agent, err := s.store.GetAgent(ctx, *req.AgentID)
		if err != nil {
			return Response{}, err
		}
		if agent.TenantID != req.TenantID {
			return Response{}, store.ErrAgentNotFound
		}
		if agent.Provider != "" {
			gen.Provider = agent.Provider
		}
		if agent.ModelName != "" {
			gen.Model = agent.ModelName
		}
		if agent.SystemPrompt != "" {
			gen.SystemPrompt = agent.SystemPrompt
		}
		knowledge = agent.KnowledgeText
	}

	generator, err := s.generators.Generator(gen.Provider)
	if err != nil {
		return Response{}, err
	}

	emb, err := s.queryEmbedder.Embed(ctx, req.Message)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrEmbedding, err)
	}
	if err := s.store.AddUsage(ctx, store.UsageRecord{
		TenantID:    req.TenantID,
		AgentID:     req.AgentID,
		Operation:   store.OpChat,
		ModelName:   s.queryEmbedder.Model(),
		InputTokens: emb.InputTokens,
		TotalTokens: emb.InputTokens,
		Metadata:    map[string]any{"estimated": emb.Estimated},
	}); err != nil {
		return Response{}, fmt.Errorf("recording embed usage: %w", err)
	}

	results, err := s.store.SearchChunks(ctx, store.SearchParams{
		Query:     emb.Vector,
		AgentID:   req.AgentID,
		TopK:      s.topK,
		Threshold: s.threshold,
	})
	if err != nil {
		return Response{}, fmt.Errorf("searching chunks: %w", err)
	}

	contextText := assembleContext(knowledge, results)
	s.logger.Debug("context assembled",
		"retrieved", len(results), "agent_scoped", req.AgentID != nil)

	reply, err := generator.Generate(ctx, provider.GenerateRequest{
		Model:        gen.Model,
		SystemPrompt: gen.SystemPrompt,
		Content:      buildPrompt(contextText, req.Message),
	})
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrGeneration, err)
	}
	if err := s.store.AddUsage(ctx, store.UsageRecord{
		TenantID:     req.TenantID,
		AgentID:      req.AgentID,
		Operation:    store.OpChat,
		ModelName:    gen.Model,
		InputTokens:  reply.InputTokens,
		OutputTokens: reply.OutputTokens,
		TotalTokens:  reply.TotalTokens,
		Metadata:     map[string]any{"estimated": reply.Estimated},
	}); err != nil {
		return Response{}, fmt.Errorf("recording generation usage: %w", err)
	}

	return Response{Reply: reply.Text}, nil
}

// assembleContext joins the agent's inline knowledge with retrieved
// chunk texts. Nothing at all yields the explicit placeholder.
func assembleContext(knowledge string, results []store.SearchResult) string {
	parts := make([]string, 0, len(results)+1)
	if strings.TrimSpace(knowledge) != "" {
		parts = append(parts, knowledge)
	}
	for _, r := range results {
		parts = append(parts, r.Content)
	}
	if len(parts) == 0 {
		return NoContextPlaceholder
	}
	return strings.Join(parts, contextDelimiter)
}

func buildPrompt(contextText, message string) string {
	var b strings.Builder
	b.WriteString("Use the following context to answer the user.\n\nContext:\n")
	b.WriteString(contextText)
	b.WriteString("\n\nUser message:\n")
	b.WriteString(message)
	return b.String()
}
