package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/tidesk/tidesk/internal/config"
	"github.com/tidesk/tidesk/internal/extract"
	"github.com/tidesk/tidesk/internal/log"
	"github.com/tidesk/tidesk/internal/provider"
	"github.com/tidesk/tidesk/internal/store"
)

// Store defines the persistence operations the ingestor needs.
// The interface is defined here, by the consumer, so store.Store
// satisfies it through duck typing and tests can substitute a fake.
type Store interface {
	GetDocument(ctx context.Context, id uuid.UUID) (store.Document, error)
	GetAgent(ctx context.Context, id uuid.UUID) (store.Agent, error)
	SetDocumentStatus(ctx context.Context, id uuid.UUID, status store.DocumentStatus, errMsg string) error
	DeleteChunks(ctx context.Context, documentID uuid.UUID) (int64, error)
	InsertChunk(ctx context.Context, chunk store.Chunk) error
	AddUsage(ctx context.Context, rec store.UsageRecord) error
}

// Fetcher downloads a document's raw bytes from its storage location.
// blob.Dir satisfies this.
type Fetcher interface {
	Fetch(ctx context.Context, path string) ([]byte, error)
}

// EmbedderResolver resolves an embedding backend by provider name.
// provider.Registry satisfies this.
type EmbedderResolver interface {
	Embedder(name string) (provider.Embedder, error)
}

// Request triggers one ingestion run. Text, when non-empty, bypasses
// storage download and extraction.
type Request struct {
	DocumentID uuid.UUID
	Text       string
}

// Options configures an Ingestor.
type Options struct {
	// DefaultProvider names the embedding backend used for documents
	// whose agent has no provider configured (and for agentless
	// documents).
	DefaultProvider string

	// ChunkSize is the fixed chunk width in characters. Zero means
	// config.DefaultChunkSize.
	ChunkSize int

	Logger log.Logger
}

// Ingestor runs the document ingestion pipeline: fetch, extract,
// chunk, embed, persist. One run per document at a time; concurrent
// runs for the same document id are serialized by an in-process
// per-document lock because the delete-then-insert chunk replacement
// is not transactional.
type Ingestor struct {
	store     Store
	fetcher   Fetcher
	providers EmbedderResolver
	defName   string
	chunkSize int
	logger    log.Logger

	mu    sync.Mutex
	locks map[uuid.UUID]*docLock
}

type docLock struct {
	mu   sync.Mutex
	refs int
}

// New creates an Ingestor.
func New(st Store, fetcher Fetcher, providers EmbedderResolver, opts Options) *Ingestor {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = config.DefaultChunkSize
	}
	if opts.DefaultProvider == "" {
		opts.DefaultProvider = config.ProviderGemini
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNop()
	}

	return &Ingestor{
		store:     st,
		fetcher:   fetcher,
		providers: providers,
		defName:   opts.DefaultProvider,
		chunkSize: opts.ChunkSize,
		logger:    opts.Logger,
	}
}

// Run executes one ingestion for the requested document and returns
// the number of chunks written.
//
// Status lifecycle: the document moves to "processing" before any
// text is read, then to "ready" on success or to "error" (with the
// failure message persisted on the row) on any failure past that
// point. A missing document fails without touching status. Chunks
// embedded before a mid-run failure stay persisted; retry is a fresh
// run which replaces them wholesale.
func (ing *Ingestor) Run(ctx context.Context, req Request) (int, error) {
	unlock := ing.lockDocument(req.DocumentID)
	defer unlock()

	doc, err := ing.store.GetDocument(ctx, req.DocumentID)
	if err != nil {
		return 0, err
	}

	embedder, err := ing.resolveEmbedder(ctx, doc)
	if err != nil {
		return 0, err
	}

	if err := ing.store.SetDocumentStatus(ctx, doc.ID, store.StatusProcessing, ""); err != nil {
		return 0, fmt.Errorf("marking document processing: %w", err)
	}

	count, err := ing.process(ctx, doc, embedder, req.Text)
	if err != nil {
		ing.logger.Error("ingestion failed",
			"document_id", doc.ID, "error", err)
		if serr := ing.store.SetDocumentStatus(ctx, doc.ID, store.StatusError, err.Error()); serr != nil {
			ing.logger.Error("failed to record error status",
				"document_id", doc.ID, "error", serr)
		}
		return 0, err
	}

	if err := ing.store.SetDocumentStatus(ctx, doc.ID, store.StatusReady, ""); err != nil {
		return 0, fmt.Errorf("marking document ready: %w", err)
	}

	ing.logger.Info("ingestion complete",
		"document_id", doc.ID, "chunks", count)
	return count, nil
}

// resolveEmbedder picks the embedding backend: the document's agent's
// configured provider when present, else the deployment default.
func (ing *Ingestor) resolveEmbedder(ctx context.Context, doc store.Document) (provider.Embedder, error) {
	name := ing.defName
	if doc.AgentID != nil {
		agent, err := ing.store.GetAgent(ctx, *doc.AgentID)
		if err != nil {
			return nil, err
		}
		if agent.Provider != "" {
			name = agent.Provider
		}
	}
	return ing.providers.Embedder(name)
}

func (ing *Ingestor) process(ctx context.Context, doc store.Document, embedder provider.Embedder, bypass string) (int, error) {
	text := bypass
	if text == "" {
		data, err := ing.fetcher.Fetch(ctx, doc.StoragePath)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		text, err = extract.Text(data, extract.FormatForFilename(doc.Filename))
		if err != nil {
			return 0, err
		}
	} else if strings.TrimSpace(text) == "" {
		return 0, extract.ErrEmptyDocument
	}

	chunks := SplitText(text, ing.chunkSize)

	// Replace, not merge: drop the previous run's chunks so the set
	// at rest always reflects exactly one ingestion attempt.
	if _, err := ing.store.DeleteChunks(ctx, doc.ID); err != nil {
		return 0, fmt.Errorf("deleting existing chunks: %w", err)
	}

	for i, content := range chunks {
		emb, err := embedder.Embed(ctx, content)
		if err != nil {
			return 0, fmt.Errorf("embedding chunk %d: %w", i, err)
		}

		if err := ing.store.InsertChunk(ctx, store.Chunk{
			DocumentID: doc.ID,
			TenantID:   doc.TenantID,
			Index:      i,
			Content:    content,
			Embedding:  emb.Vector,
		}); err != nil {
			return 0, fmt.Errorf("inserting chunk %d: %w", i, err)
		}

		if err := ing.store.AddUsage(ctx, store.UsageRecord{
			TenantID:    doc.TenantID,
			AgentID:     doc.AgentID,
			Operation:   store.OpIngest,
			ModelName:   embedder.Model(),
			InputTokens: emb.InputTokens,
			TotalTokens: emb.InputTokens,
			Metadata: map[string]any{
				"document_id": doc.ID.String(),
				"chunk_index": i,
				"estimated":   emb.Estimated,
			},
		}); err != nil {
			return 0, fmt.Errorf("recording usage for chunk %d: %w", i, err)
		}
	}

	return len(chunks), nil
}

// lockDocument acquires the per-document lock, creating it on first
// use and dropping it from the map once the last holder releases.
func (ing *Ingestor) lockDocument(id uuid.UUID) func() {
	ing.mu.Lock()
	if ing.locks == nil {
		ing.locks = make(map[uuid.UUID]*docLock)
	}
	l, ok := ing.locks[id]
	if !ok {
		l = &docLock{}
		ing.locks[id] = l
	}
	l.refs++
	ing.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		ing.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(ing.locks, id)
		}
		ing.mu.Unlock()
	}
}
