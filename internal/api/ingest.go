package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/tidesk/tidesk/internal/extract"
	"github.com/tidesk/tidesk/internal/ingest"
	"github.com/tidesk/tidesk/internal/log"
	"github.com/tidesk/tidesk/internal/provider"
	"github.com/tidesk/tidesk/internal/store"
)

// maxIngestBodySize bounds the ingestion request body; bypass text for
// large documents should go through storage instead.
const maxIngestBodySize = 10 << 20 // 10MB

// Ingestor runs one ingestion for a document.
type Ingestor interface {
	Run(ctx context.Context, req ingest.Request) (int, error)
}

type ingestHandler struct {
	ingestor Ingestor
	logger   log.Logger
}

type ingestRequest struct {
	Text string `json:"text,omitempty"`
}

type ingestResponse struct {
	Success bool `json:"success"`
	Chunks  int  `json:"chunks"`
}

type ingestErrorResponse struct {
	Error      string `json:"error"`
	DocumentID string `json:"document_id"`
}

// trigger handles POST /api/v1/documents/{id}/ingest.
func (h *ingestHandler) trigger(w http.ResponseWriter, r *http.Request) {
	docID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid document id", h.logger)
		return
	}

	var req ingestRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading request body", h.logger)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body", h.logger)
			return
		}
	}

	count, err := h.ingestor.Run(r.Context(), ingest.Request{
		DocumentID: docID,
		Text:       req.Text,
	})
	if err != nil {
		writeJSON(w, ingestStatus(err), ingestErrorResponse{
			Error:      err.Error(),
			DocumentID: docID.String(),
		}, h.logger)
		return
	}

	writeJSON(w, http.StatusOK, ingestResponse{Success: true, Chunks: count}, h.logger)
}

// ingestStatus maps ingestion failures onto HTTP status codes.
func ingestStatus(err error) int {
	var provErr *provider.Error
	switch {
	case errors.Is(err, store.ErrDocumentNotFound),
		errors.Is(err, store.ErrAgentNotFound):
		return http.StatusNotFound
	case errors.Is(err, extract.ErrEmptyDocument):
		return http.StatusUnprocessableEntity
	case errors.As(err, &provErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
