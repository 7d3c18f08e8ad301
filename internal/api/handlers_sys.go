package api

import (
	"net/http"

	"github.com/rs/zerolog"
)

// HealthHandler handles GET /v1/sys/health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	for _, p := range s.pingers {
		if err := p.Ping(ctx); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status":  "unavailable",
				"version": Version,
			})
			return
		}
	}

	count, err := s.ledger.Count(ctx)
	if err != nil {
		internalError(w, r, "counting messages failed", err)
		return
	}
	messagesTotal.Set(float64(count))
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"messages": count,
		"version":  Version,
	})
}
