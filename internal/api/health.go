package api

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tidesk/tidesk/internal/log"
)

const readinessPingTimeout = 2 * time.Second

// health is a liveness probe for Docker/Kubernetes.
func health(logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, logger)
	}
}

// readiness reports whether the database is reachable. A nil pool
// degrades to a plain liveness answer so the handler works in setups
// without a database (tests, dry runs).
func readiness(pool *pgxpool.Pool, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if pool == nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, logger)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), readinessPingTimeout)
		defer cancel()

		if err := pool.Ping(ctx); err != nil {
			logger.Warn("readiness ping failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
			}, logger)
			return
		}

		stat := pool.Stat()
		writeJSON(w, http.StatusOK, map[string]any{
			"status":            "ok",
			"total_conns":       stat.TotalConns(),
			"idle_conns":        stat.IdleConns(),
			"acquired_conns":    stat.AcquiredConns(),
			"max_conns":         stat.MaxConns(),
			"new_conns_created": stat.NewConnsCount(),
		}, logger)
	}
}
