package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/tidesk/tidesk/internal/log"
)

// writeJSON writes a JSON response with the given status code.
// Buffer-first so headers are only sent after successful encoding and
// an encoding failure can still produce a proper 500.
func writeJSON(w http.ResponseWriter, status int, data any, logger log.Logger) {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(data); err != nil {
		logger.Error("failed to encode JSON response", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		// Client disconnects are common and expected.
		logger.Debug("failed to write response body", "error", err)
	}
}

// writeError writes a JSON error envelope.
func writeError(w http.ResponseWriter, status int, message string, logger log.Logger) {
	writeJSON(w, status, map[string]string{"error": message}, logger)
}
