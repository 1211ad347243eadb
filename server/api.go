package server

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

func (s *Supervisor) registerAPI(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/conversations", s.withAuth(s.handleConversations))
	mux.HandleFunc("GET /api/conversations/{id}/messages", s.withAuth(s.handleMessages))
	mux.HandleFunc("DELETE /api/conversations/{id}", s.withAuth(s.handleDelete))
	mux.HandleFunc("GET /api/search", s.withAuth(s.handleSearch))
	mux.HandleFunc("DELETE /api/history", s.withAuth(s.handleDeleteAll))
}

type authedHandler func(w http.ResponseWriter, r *http.Request, user string)

func (s *Supervisor) withAuth(h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := s.auth.Authenticate(r)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "authentication required",
			})
			return
		}
		h(w, r, user)
	}
}

func (s *Supervisor) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.ActiveConnections(),
		"in_flight":   s.adm.InFlight(),
	})
}

func (s *Supervisor) handleConversations(w http.ResponseWriter, r *http.Request, user string) {
	convs, degraded := s.gw.Conversations(user)
	writeJSON(w, http.StatusOK, map[string]any{
		"conversations": convs,
		"degraded":      degraded,
	})
}

func (s *Supervisor) handleMessages(w http.ResponseWriter, r *http.Request, user string) {
	convID := r.PathValue("id")
	if !s.owns(user, convID) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "conversation not found",
		})
		return
	}
	msgs, degraded := s.gw.History(convID)
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": convID,
		"messages":        msgs,
		"degraded":        degraded,
	})
}

func (s *Supervisor) handleDelete(w http.ResponseWriter, r *http.Request, user string) {
	convID := r.PathValue("id")
	ok, degraded := s.gw.Delete(convID, user)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "conversation not found",
		})
		return
	}
	s.logger.Info("conversation deleted",
		zap.String("user", user),
		zap.String("conversation", convID))
	writeJSON(w, http.StatusOK, map[string]any{
		"deleted":  convID,
		"degraded": degraded,
	})
}

func (s *Supervisor) handleSearch(w http.ResponseWriter, r *http.Request, user string) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "missing query parameter q",
		})
		return
	}
	results, degraded := s.gw.Search(user, query)
	writeJSON(w, http.StatusOK, map[string]any{
		"query":    query,
		"results":  results,
		"degraded": degraded,
	})
}

func (s *Supervisor) handleDeleteAll(w http.ResponseWriter, r *http.Request, user string) {
	degraded := s.gw.DeleteAll(user)
	s.logger.Info("history cleared", zap.String("user", user))
	writeJSON(w, http.StatusOK, map[string]any{
		"deleted":  "all",
		"degraded": degraded,
	})
}

// owns reports whether user has a conversation with the given id.
// Reads go through the ownership check so one user cannot page through
// another's history by guessing ids. The lookup is per-id, not bounded
// by the recent-conversations page.
func (s *Supervisor) owns(user, convID string) bool {
	owner, _ := s.gw.Owner(convID)
	return owner != "" && owner == user
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
