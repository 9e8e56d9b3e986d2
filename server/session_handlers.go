package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"

	"videorag/core"
)

// Session endpoints. Start operations are fire-and-forget: they return
// as soon as the worker is spawned and the caller polls the status
// endpoint for progress.

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chat")
	var req struct {
		VideoPaths []string `json:"video_paths"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if len(req.VideoPaths) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("video_paths is empty"))
		return
	}
	for _, p := range req.VideoPaths {
		if _, err := os.Stat(p); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("video file not found: %s", p))
			return
		}
	}

	if err := s.facade.StartIndexing(chatID, req.VideoPaths); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, core.ErrWorkerActive) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success":      true,
		"message":      "indexing started",
		"chat_id":      chatID,
		"total_videos": len(req.VideoPaths),
	})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chat")
	channel := core.ChannelIndexing
	if r.URL.Query().Get("type") == "query" {
		channel = core.ChannelQuery
	}

	status, err := s.facade.GetStatus(chatID, channel)
	if err != nil {
		if errors.Is(err, core.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"chat_id": chatID,
		"status":  status,
	})
}

func (s *Server) handleIndexedVideos(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chat")
	videos := s.facade.ListIndexedVideos(chatID)
	if videos == nil {
		videos = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"chat_id":        chatID,
		"indexed_videos": videos,
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chat")
	var req struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("query is empty"))
		return
	}

	if err := s.facade.StartQuery(chatID, req.Query); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, core.ErrWorkerActive) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"message": "query started",
		"chat_id": chatID,
	})
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chat")
	terminated := s.facade.Terminate(chatID)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"chat_id":    chatID,
		"terminated": terminated,
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chat")
	if err := s.facade.Delete(chatID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"chat_id": chatID,
		"message": "session deleted",
	})
}
