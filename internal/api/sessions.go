package api

import (
	"net/http"

	"github.com/nugget/lamrelay/internal/session"
)

func sessionKey(r *http.Request) session.Key {
	return session.Key{Project: r.PathValue("project"), ID: r.PathValue("id")}
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.cfg.Sessions.History(sessionKey(r))
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, snap, s.logger)
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	key := sessionKey(r)
	if !s.cfg.Sessions.Delete(key) {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}
	s.logger.Info("session deleted", "project", key.Project, "session_id", key.ID)
	w.WriteHeader(http.StatusNoContent)
}
