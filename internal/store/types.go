package store

import (
	"time"

	"github.com/google/uuid"
)

// DocumentStatus is the ingestion lifecycle state of a document.
type DocumentStatus string

// Document lifecycle states. The only transitions are
// uploaded→processing→ready and uploaded→processing→error; a fresh
// re-ingestion restarts an errored or ready document at processing.
const (
	StatusUploaded   DocumentStatus = "uploaded"
	StatusProcessing DocumentStatus = "processing"
	StatusReady      DocumentStatus = "ready"
	StatusError      DocumentStatus = "error"
)

// Operation types recorded in the usage ledger.
const (
	OpIngest = "ingest"
	OpChat   = "chat"
)

// Document is an uploaded knowledge-base file owned by a tenant and
// optionally scoped to one agent. Only the ingestor mutates it.
type Document struct {
	ID           uuid.UUID
	TenantID     uuid.UUID
	AgentID      *uuid.UUID
	Filename     string
	StoragePath  string
	Status       DocumentStatus
	ErrorMessage string
	CreatedAt    time.Time
}

// Agent is a configured helpdesk persona: which provider and model
// answer for it, its system prompt, and optional inline knowledge text
// that is always included in context regardless of retrieval.
// Read-only from the pipeline's perspective.
type Agent struct {
	ID            uuid.UUID
	TenantID      uuid.UUID
	Name          string
	Provider      string
	ModelName     string
	SystemPrompt  string
	KnowledgeText string
	CreatedAt     time.Time
}

// Chunk is one bounded slice of a document's extracted text together
// with its embedding vector. chunk_index preserves original text order.
type Chunk struct {
	DocumentID uuid.UUID
	TenantID   uuid.UUID
	Index      int
	Content    string
	Embedding  []float32
}

// SearchResult is one retrieved chunk with its cosine similarity to the
// query embedding.
type SearchResult struct {
	DocumentID uuid.UUID
	ChunkIndex int
	Content    string
	Similarity float64
}

// SearchParams configures a similarity search over stored chunks.
type SearchParams struct {
	Query     []float32
	AgentID   *uuid.UUID // nil = unscoped
	TopK      int
	Threshold float64
}

// UsageRecord is one append-only ledger entry covering a single
// embedding or generation call.
type UsageRecord struct {
	TenantID     uuid.UUID
	AgentID      *uuid.UUID
	Operation    string // OpIngest or OpChat
	ModelName    string
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	Metadata     map[string]any
}
