package api

import (
	"errors"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tidesk/tidesk/internal/log"
)

// ServerConfig contains configuration for creating the API server.
type ServerConfig struct {
	Logger   log.Logger
	Ingestor Ingestor      // Required
	Chat     Chatter       // Required
	Pool     *pgxpool.Pool // Optional: nil disables pool stats in /ready

	TrustProxy bool // Trust X-Real-IP/X-Forwarded-For (behind reverse proxy)
	RateBurst  int  // Rate limiter burst size per IP (0 = default 60)
}

// Server is the JSON API HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates a new API server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Ingestor == nil {
		return nil, errors.New("ingestor is required")
	}
	if cfg.Chat == nil {
		return nil, errors.New("chat service is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	ih := &ingestHandler{ingestor: cfg.Ingestor, logger: logger}
	ch := &chatHandler{chat: cfg.Chat, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/documents/{id}/ingest", ih.trigger)
	mux.HandleFunc("POST /api/v1/chat", ch.send)

	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 60
	}
	rl := newRateLimiter(1.0, burst)

	// Middleware stack (outermost first):
	//   Recovery → RequestID → Logging → RateLimit → Routes
	// RequestID must be before Logging so request_id is available in
	// log attributes.
	var handler http.Handler = mux
	handler = rateLimitMiddleware(rl, cfg.TrustProxy, logger)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	// Health probes stay outside the middleware stack so orchestration
	// checks are never rate limited.
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", health(logger))
	topMux.Handle("GET /ready", readiness(cfg.Pool, logger))
	topMux.Handle("/", handler)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}
