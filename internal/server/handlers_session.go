package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/carapace-sec/carapace/internal/session"
	"github.com/carapace-sec/carapace/pkg/types"
)

// listSessions handles GET /sessions.
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	infos, err := s.sessions.List(r.Context())
	if err != nil {
		respondError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, infos, http.StatusOK)
}

// createSessionRequest is the body of POST /sessions.
type createSessionRequest struct {
	ChannelType types.ChannelType `json:"channel_type"`
	ChannelRef  string            `json:"channel_ref,omitempty"`
}

// createSessionResponse is the body of a successful POST /sessions.
type createSessionResponse struct {
	SessionID   string            `json:"session_id"`
	ChannelType types.ChannelType `json:"channel_type"`
	CreatedAt   int64             `json:"created_at"`
}

// createSession handles POST /sessions.
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.Body != nil {
		// An empty body creates a web session.
		json.NewDecoder(r.Body).Decode(&req)
	}
	if req.ChannelType == "" {
		req.ChannelType = types.ChannelWeb
	}
	if req.ChannelType != types.ChannelWeb && req.ChannelType != types.ChannelCLI {
		respondError(w, "invalid channel_type", http.StatusBadRequest)
		return
	}

	sess, err := s.sessions.Create(r.Context(), req.ChannelType, req.ChannelRef)
	if err != nil {
		respondError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	respondJSON(w, createSessionResponse{
		SessionID:   sess.ID,
		ChannelType: sess.ChannelType,
		CreatedAt:   sess.Time.Created,
	}, http.StatusCreated)
}

// deleteSession handles DELETE /sessions/{sessionID}.
func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	s.approvals.CancelSession(sessionID)
	if ch, ok := s.channels.Get(sessionID); ok {
		ch.Close()
	}

	if err := s.sessions.Delete(r.Context(), sessionID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			respondError(w, "session not found", http.StatusNotFound)
			return
		}
		respondError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// historyEntryView is one row of GET /sessions/{id}/history.
type historyEntryView struct {
	Role string             `json:"role"`
	Time int64              `json:"time"`
	Entry types.HistoryEntry `json:"entry"`
}

// getHistory handles GET /sessions/{sessionID}/history.
func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	entries, err := s.sessions.ReadHistory(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			respondError(w, "session not found", http.StatusNotFound)
			return
		}
		respondError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	views := make([]historyEntryView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, historyEntryView{
			Role:  entry.Role(),
			Time:  entry.Time,
			Entry: entry,
		})
	}
	respondJSON(w, views, http.StatusOK)
}

// health handles GET /healthz.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]any{"status": "ok", "time": time.Now().UnixMilli()}, http.StatusOK)
}
