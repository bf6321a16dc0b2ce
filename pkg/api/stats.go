package api

import (
	"net/http"
	"time"
)

// handleStats serves the public farm-wide aggregates. Results are cached
// for a few seconds so a dashboard polling loop does not turn into five
// count queries per refresh.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.statsMu.Lock()
	if s.stats != nil && time.Since(s.statsAt) < statsCacheTTL {
		cached := s.stats
		s.statsMu.Unlock()
		writeJSON(w, http.StatusOK, cached)
		return
	}
	s.statsMu.Unlock()

	stats, err := s.store.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	s.statsMu.Lock()
	s.stats = stats
	s.statsAt = time.Now()
	s.statsMu.Unlock()

	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"queue_depth": s.queue.Stats().Pending,
	})
}
