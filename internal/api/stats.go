package api

import (
	"net/http"
)

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.engine.QueueStats(r.Context())
	if err != nil {
		s.logger.Error("get queue stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get queue stats")
		return
	}

	s.writeJSON(w, http.StatusOK, counts)
}
