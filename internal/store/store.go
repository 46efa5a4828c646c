// Package store implements PostgreSQL persistence for documents,
// chunks, agents, and the usage ledger. Vector similarity search runs
// on pgvector's cosine distance operator.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

var (
	// ErrDocumentNotFound indicates no document row exists for the id.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrAgentNotFound indicates no agent row exists for the id.
	ErrAgentNotFound = errors.New("agent not found")
)

// Store manages helpdesk persistence backed by PostgreSQL + pgvector.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a Store.
func New(pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}, nil
}

// GetDocument retrieves a document by id.
func (s *Store) GetDocument(ctx context.Context, id uuid.UUID) (Document, error) {
	var (
		doc    Document
		errMsg *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, agent_id, filename, storage_path, status, error_message, created_at
		 FROM documents
		 WHERE id = $1`, id,
	).Scan(&doc.ID, &doc.TenantID, &doc.AgentID, &doc.Filename, &doc.StoragePath,
		&doc.Status, &errMsg, &doc.CreatedAt)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return Document{}, fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	case err != nil:
		return Document{}, fmt.Errorf("querying document %s: %w", id, err)
	}

	if errMsg != nil {
		doc.ErrorMessage = *errMsg
	}
	return doc, nil
}

// GetAgent retrieves an agent by id.
func (s *Store) GetAgent(ctx context.Context, id uuid.UUID) (Agent, error) {
	var agent Agent
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, name, provider, model_name, system_prompt, knowledge_text, created_at
		 FROM agents
		 WHERE id = $1`, id,
	).Scan(&agent.ID, &agent.TenantID, &agent.Name, &agent.Provider,
		&agent.ModelName, &agent.SystemPrompt, &agent.KnowledgeText, &agent.CreatedAt)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return Agent{}, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	case err != nil:
		return Agent{}, fmt.Errorf("querying agent %s: %w", id, err)
	}
	return agent, nil
}

// SetDocumentStatus transitions a document's lifecycle status. An empty
// errMsg clears the error_message column.
func (s *Store) SetDocumentStatus(ctx context.Context, id uuid.UUID, status DocumentStatus, errMsg string) error {
	var msg *string
	if errMsg != "" {
		msg = &errMsg
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET status = $1, error_message = $2 WHERE id = $3`,
		status, msg, id)
	if err != nil {
		return fmt.Errorf("updating document %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}

	s.logger.Debug("document status updated", "document_id", id, "status", status)
	return nil
}

// DeleteChunks removes all chunks belonging to a document. Called
// before each ingestion run so re-ingestion replaces rather than merges.
func (s *Store) DeleteChunks(ctx context.Context, documentID uuid.UUID) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID)
	if err != nil {
		return 0, fmt.Errorf("deleting chunks for document %s: %w", documentID, err)
	}
	return tag.RowsAffected(), nil
}

// InsertChunk persists one chunk with its embedding vector.
func (s *Store) InsertChunk(ctx context.Context, chunk Chunk) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chunks (document_id, tenant_id, chunk_index, content, embedding)
		 VALUES ($1, $2, $3, $4, $5)`,
		chunk.DocumentID, chunk.TenantID, chunk.Index, chunk.Content,
		pgvector.NewVector(chunk.Embedding))
	if err != nil {
		return fmt.Errorf("inserting chunk %d of document %s: %w", chunk.Index, chunk.DocumentID, err)
	}
	return nil
}

// AddUsage appends one entry to the usage ledger. Ledger rows are never
// updated or deleted.
func (s *Store) AddUsage(ctx context.Context, rec UsageRecord) error {
	metadata := rec.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshaling usage metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO usage_records
		     (tenant_id, agent_id, operation, model_name, input_tokens, output_tokens, total_tokens, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.TenantID, rec.AgentID, rec.Operation, rec.ModelName,
		rec.InputTokens, rec.OutputTokens, rec.TotalTokens, metadataJSON)
	if err != nil {
		return fmt.Errorf("inserting usage record: %w", err)
	}
	return nil
}

// SearchChunks finds up to TopK chunks whose cosine similarity to the
// query vector exceeds the threshold, ordered by similarity descending.
// With AgentID set, only chunks of that agent's documents are
// considered; tenant isolation follows from agent and document
// ownership.
func (s *Store) SearchChunks(ctx context.Context, params SearchParams) ([]SearchResult, error) {
	if params.TopK <= 0 {
		return nil, fmt.Errorf("top-k must be positive, got %d", params.TopK)
	}

	query := pgvector.NewVector(params.Query)

	var (
		rows pgx.Rows
		err  error
	)
	if params.AgentID != nil {
		rows, err = s.pool.Query(ctx,
			`SELECT c.document_id, c.chunk_index, c.content, 1 - (c.embedding <=> $1) AS similarity
			 FROM chunks c
			 JOIN documents d ON d.id = c.document_id
			 WHERE d.agent_id = $2
			   AND 1 - (c.embedding <=> $1) > $3
			 ORDER BY c.embedding <=> $1
			 LIMIT $4`,
			query, *params.AgentID, params.Threshold, params.TopK)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT c.document_id, c.chunk_index, c.content, 1 - (c.embedding <=> $1) AS similarity
			 FROM chunks c
			 WHERE 1 - (c.embedding <=> $1) > $2
			 ORDER BY c.embedding <=> $1
			 LIMIT $3`,
			query, params.Threshold, params.TopK)
	}
	if err != nil {
		return nil, fmt.Errorf("searching chunks: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.DocumentID, &r.ChunkIndex, &r.Content, &r.Similarity); err != nil {
			return nil, fmt.Errorf("scanning search result: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating search results: %w", err)
	}

	s.logger.Debug("chunk search completed",
		"results", len(results), "scoped", params.AgentID != nil)
	return results, nil
}

// CountChunks returns the number of chunks stored for a document.
func (s *Store) CountChunks(ctx context.Context, documentID uuid.UUID) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM chunks WHERE document_id = $1`, documentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting chunks for document %s: %w", documentID, err)
	}
	return count, nil
}
