package chat

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/tidesk/tidesk/internal/provider"
	"github.com/tidesk/tidesk/internal/store"
)

type fakeStore struct {
	agents  map[uuid.UUID]store.Agent
	results []store.SearchResult

	searchParams []store.SearchParams
	usage        []store.UsageRecord
}

func (f *fakeStore) GetAgent(_ context.Context, id uuid.UUID) (store.Agent, error) {
	agent, ok := f.agents[id]
	if !ok {
		return store.Agent{}, store.ErrAgentNotFound
	}
	return agent, nil
}

func (f *fakeStore) SearchChunks(_ context.Context, params store.SearchParams) ([]store.SearchResult, error) {
	f.searchParams = append(f.searchParams, params)
	return f.results, nil
}

func (f *fakeStore) AddUsage(_ context.Context, rec store.UsageRecord) error {
	f.usage = append(f.usage, rec)
	return nil
}

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) (provider.Embedding, error) {
	if f.err != nil {
		return provider.Embedding{}, f.err
	}
	return provider.Embedding{
		Vector:      make([]float32, 3),
		InputTokens: len(text) / 4,
		Estimated:   true,
	}, nil
}

func (f *fakeEmbedder) Model() string { return "embed-001" }

type fakeGenerator struct {
	err      error
	requests []provider.GenerateRequest
}

func (f *fakeGenerator) Generate(_ context.Context, req provider.GenerateRequest) (provider.Generation, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return provider.Generation{}, f.err
	}
	return provider.Generation{
		Text:         "here is your answer",
		InputTokens:  12,
		OutputTokens: 5,
		TotalTokens:  17,
	}, nil
}

type fakeResolver struct {
	generator *fakeGenerator
	resolved  []string
}

func (r *fakeResolver) Generator(name string) (provider.Generator, error) {
	r.resolved = append(r.resolved, name)
	if r.generator == nil {
		return nil, provider.ErrUnknownProvider
	}
	return r.generator, nil
}

func defaultOptions() Options {
	return Options{
		Defaults: Defaults{
			Provider:     "gemini",
			Model:        "gemini-2.0-flash",
			SystemPrompt: "You are a helpdesk assistant.",
		},
	}
}

func TestTurnWithRetrievedContext(t *testing.T) {
	st := &fakeStore{
		results: []store.SearchResult{
			{Content: "refunds take 5 business days", Similarity: 0.92},
			{Content: "contact billing for invoices", Similarity: 0.55},
		},
	}
	gen := &fakeGenerator{}
	resolver := &fakeResolver{generator: gen}
	svc := New(st, resolver, &fakeEmbedder{}, defaultOptions())

	tenantID := uuid.New()
	resp, err := svc.Turn(context.Background(), Request{TenantID: tenantID, Message: "how long do refunds take?"})
	if err != nil {
		t.Fatalf("Turn() error = %v", err)
	}
	if resp.Reply != "here is your answer" {
		t.Errorf("reply = %q", resp.Reply)
	}

	if len(gen.requests) != 1 {
		t.Fatalf("generation calls = %d, want 1", len(gen.requests))
	}
	content := gen.requests[0].Content
	if !strings.Contains(content, "refunds take 5 business days") {
		t.Errorf("prompt missing retrieved chunk: %q", content)
	}
	if !strings.Contains(content, "---") {
		t.Errorf("prompt missing chunk delimiter: %q", content)
	}
	if gen.requests[0].SystemPrompt != "You are a helpdesk assistant." {
		t.Errorf("system prompt = %q", gen.requests[0].SystemPrompt)
	}

	// One usage row per embed call and one per generate call.
	if len(st.usage) != 2 {
		t.Fatalf("usage records = %d, want 2", len(st.usage))
	}
	embedRec, genRec := st.usage[0], st.usage[1]
	if embedRec.ModelName != "embed-001" || embedRec.Operation != store.OpChat {
		t.Errorf("embed usage = %+v", embedRec)
	}
	if genRec.ModelName != "gemini-2.0-flash" || genRec.OutputTokens != 5 {
		t.Errorf("generation usage = %+v", genRec)
	}
	if embedRec.TenantID != tenantID || genRec.TenantID != tenantID {
		t.Error("usage rows missing tenant id")
	}
}

func TestTurnNoMatchesUsesPlaceholder(t *testing.T) {
	st := &fakeStore{}
	gen := &fakeGenerator{}
	svc := New(st, &fakeResolver{generator: gen}, &fakeEmbedder{}, defaultOptions())

	resp, err := svc.Turn(context.Background(), Request{TenantID: uuid.New(), Message: "anything?"})
	if err != nil {
		t.Fatalf("Turn() error = %v", err)
	}
	if resp.Reply == "" {
		t.Error("expected a reply even with no retrieved context")
	}
	if !strings.Contains(gen.requests[0].Content, NoContextPlaceholder) {
		t.Errorf("prompt does not carry placeholder: %q", gen.requests[0].Content)
	}
}

func TestTurnAgentConfiguration(t *testing.T) {
	tenantID := uuid.New()
	agent := store.Agent{
		ID:            uuid.New(),
		TenantID:      tenantID,
		Provider:      "openai",
		ModelName:     "gpt-4o-mini",
		SystemPrompt:  "Answer as the billing team.",
		KnowledgeText: "Our billing cycle starts on the 1st.",
	}
	st := &fakeStore{agents: map[uuid.UUID]store.Agent{agent.ID: agent}}
	gen := &fakeGenerator{}
	resolver := &fakeResolver{generator: gen}
	svc := New(st, resolver, &fakeEmbedder{}, defaultOptions())

	_, err := svc.Turn(context.Background(), Request{TenantID: tenantID, AgentID: &agent.ID, Message: "when am I billed?"})
	if err != nil {
		t.Fatalf("Turn() error = %v", err)
	}

	if got := resolver.resolved; len(got) != 1 || got[0] != "openai" {
		t.Errorf("resolved generators = %v, want [openai]", got)
	}
	req := gen.requests[0]
	if req.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", req.Model)
	}
	if req.SystemPrompt != "Answer as the billing team." {
		t.Errorf("system prompt = %q", req.SystemPrompt)
	}
	if !strings.Contains(req.Content, "Our billing cycle starts on the 1st.") {
		t.Errorf("prompt missing inline knowledge: %q", req.Content)
	}

	// Retrieval is scoped to the agent.
	if len(st.searchParams) != 1 || st.searchParams[0].AgentID == nil || *st.searchParams[0].AgentID != agent.ID {
		t.Errorf("search params = %+v, want agent scope", st.searchParams)
	}
}

func TestTurnSearchDefaults(t *testing.T) {
	st := &fakeStore{}
	svc := New(st, &fakeResolver{generator: &fakeGenerator{}}, &fakeEmbedder{}, defaultOptions())

	if _, err := svc.Turn(context.Background(), Request{TenantID: uuid.New(), Message: "hi"}); err != nil {
		t.Fatalf("Turn() error = %v", err)
	}
	params := st.searchParams[0]
	if params.TopK != 5 {
		t.Errorf("TopK = %d, want 5", params.TopK)
	}
	if params.Threshold != 0.1 {
		t.Errorf("Threshold = %v, want 0.1", params.Threshold)
	}
	if params.AgentID != nil {
		t.Error("agentless turn must search unscoped")
	}
}

func TestTurnAgentTenantMismatch(t *testing.T) {
	agent := store.Agent{ID: uuid.New(), TenantID: uuid.New(), Provider: "gemini"}
	st := &fakeStore{agents: map[uuid.UUID]store.Agent{agent.ID: agent}}
	svc := New(st, &fakeResolver{generator: &fakeGenerator{}}, &fakeEmbedder{}, defaultOptions())

	_, err := svc.Turn(context.Background(), Request{TenantID: uuid.New(), AgentID: &agent.ID, Message: "hi"})
	if !errors.Is(err, store.ErrAgentNotFound) {
		t.Fatalf("Turn() error = %v, want ErrAgentNotFound", err)
	}
}

func TestTurnEmbeddingError(t *testing.T) {
	st := &fakeStore{}
	embedder := &fakeEmbedder{err: &provider.Error{Provider: provider.NameGemini, Detail: "quota exhausted"}}
	svc := New(st, &fakeResolver{generator: &fakeGenerator{}}, embedder, defaultOptions())

	_, err := svc.Turn(context.Background(), Request{TenantID: uuid.New(), Message: "hi"})
	if !errors.Is(err, ErrEmbedding) {
		t.Fatalf("Turn() error = %v, want ErrEmbedding", err)
	}
	if len(st.usage) != 0 {
		t.Errorf("usage records = %d, want 0 after failed embed", len(st.usage))
	}
}

func TestTurnGenerationError(t *testing.T) {
	st := &fakeStore{}
	gen := &fakeGenerator{err: &provider.Error{Provider: provider.NameOpenAI, Detail: "model overloaded"}}
	svc := New(st, &fakeResolver{generator: gen}, &fakeEmbedder{}, defaultOptions())

	_, err := svc.Turn(context.Background(), Request{TenantID: uuid.New(), Message: "hi"})
	if !errors.Is(err, ErrGeneration) {
		t.Fatalf("Turn() error = %v, want ErrGeneration", err)
	}
	// The embed usage row was already written; the generation row never is.
	if len(st.usage) != 1 {
		t.Errorf("usage records = %d, want 1", len(st.usage))
	}
}

func TestTurnEmptyMessage(t *testing.T) {
	svc := New(&fakeStore{}, &fakeResolver{generator: &fakeGenerator{}}, &fakeEmbedder{}, defaultOptions())

	if _, err := svc.Turn(context.Background(), Request{TenantID: uuid.New(), Message: "  \n"}); err == nil {
		t.Fatal("Turn() succeeded with empty message")
	}
}

func TestAssembleContext(t *testing.T) {
	tests := []struct {
		name      string
		knowledge string
		results   []store.SearchResult
		want      string
	}{
		{
			name: "nothing at all",
			want: NoContextPlaceholder,
		},
		{
			name:      "knowledge only",
			knowledge: "inline facts",
			want:      "inline facts",
		},
		{
			name:    "chunks only",
			results: []store.SearchResult{{Content: "a"}, {Content: "b"}},
			want:    "a\n---\nb",
		},
		{
			name:      "knowledge before chunks",
			knowledge: "inline facts",
			results:   []store.SearchResult{{Content: "a"}},
			want:      "inline facts\n---\na",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := assembleContext(tt.knowledge, tt.results); got != tt.want {
				t.Errorf("assembleContext() = %q, want %q", got, tt.want)
			}
		})
	}
}
