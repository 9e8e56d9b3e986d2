package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"videorag/embedder"
)

// Shared model service endpoints. Loading is explicit: encode calls
// require an already-loaded model and answer "not loaded" otherwise, so
// a release actually frees device memory until the next load request.
// Encode calls run under the manager's lock, so overlapping requests
// queue rather than fail.

func encodeErrorStatus(err error) int {
	if errors.Is(err, embedder.ErrNotLoaded) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) handleEmbedderStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"status":  s.embedder.Status(),
	})
}

func (s *Server) handleEmbedderLoad(w http.ResponseWriter, r *http.Request) {
	if err := s.embedder.EnsureLoaded(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, embedder.ErrNotConfigured) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"status":  s.embedder.Status(),
	})
}

func (s *Server) handleEmbedderRelease(w http.ResponseWriter, r *http.Request) {
	if err := s.embedder.Release(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"status":  s.embedder.Status(),
	})
}

func (s *Server) handleEncodeVideo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VideoBatch []string `json:"video_batch"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if len(req.VideoBatch) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("video_batch is empty"))
		return
	}
	vectors, err := s.embedder.EncodeVideoBatch(req.VideoBatch)
	if err != nil {
		writeError(w, encodeErrorStatus(err), err)
		return
	}
	payload, shape := embedder.EncodeMatrix(vectors)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"result":  payload,
		"shape":   shape,
		"dtype":   "float32",
	})
}

func (s *Server) handleEncodeQuery(w http.ResponseWriter, r *http.Request) {
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
	vector, err := s.embedder.EncodeQuery(req.Query)
	if err != nil {
		writeError(w, encodeErrorStatus(err), err)
		return
	}
	payload, shape := embedder.EncodeVector(vector)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"result":  payload,
		"shape":   shape,
		"dtype":   "float32",
	})
}
