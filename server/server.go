// Package server is the thin HTTP layer over the orchestration facade
// and the shared model service. Every response carries a success flag;
// handlers never expose raw errors beyond their message text.
package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"videorag/config"
	"videorag/core"
	"videorag/embedder"
)

// Port scanning range for the orchestrator's loopback listener.
const (
	DefaultPort = 64451
	MaxPort     = 64470
)

// Server holds the orchestrator-side collaborators the handlers need.
type Server struct {
	mu       sync.Mutex
	cfg      *config.Config
	facade   *core.Facade
	pm       *core.ProcessManager
	embedder *embedder.Manager
	started  time.Time
}

func New(cfg *config.Config, facade *core.Facade, pm *core.ProcessManager, em *embedder.Manager) *Server {
	return &Server{
		cfg:      cfg,
		facade:   facade,
		pm:       pm,
		embedder: em,
		started:  time.Now(),
	}
}

// Config returns the current configuration snapshot. /api/initialize
// mutates it, so reads go through the same lock.
func (s *Server) Config() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *s.cfg
	return &c
}

// Routes registers every endpoint on a fresh mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/initialize", s.handleInitialize)

	mux.HandleFunc("GET /api/imagebind/status", s.handleEmbedderStatus)
	mux.HandleFunc("POST /api/imagebind/load", s.handleEmbedderLoad)
	mux.HandleFunc("POST /api/imagebind/release", s.handleEmbedderRelease)
	mux.HandleFunc("POST /api/imagebind/encode/video", s.handleEncodeVideo)
	mux.HandleFunc("POST /api/imagebind/encode/query", s.handleEncodeQuery)

	mux.HandleFunc("POST /api/sessions/{chat}/videos/upload", s.handleUpload)
	mux.HandleFunc("GET /api/sessions/{chat}/status", s.handleSessionStatus)
	mux.HandleFunc("GET /api/sessions/{chat}/videos/indexed", s.handleIndexedVideos)
	mux.HandleFunc("POST /api/sessions/{chat}/query", s.handleQuery)
	mux.HandleFunc("POST /api/sessions/{chat}/terminate", s.handleTerminate)
	mux.HandleFunc("DELETE /api/sessions/{chat}/delete", s.handleDelete)

	mux.HandleFunc("GET /api/system/status", s.handleSystemStatus)
	mux.HandleFunc("GET /api/system/processes", s.handleProcesses)

	return mux
}

// Listen binds the loopback listener, scanning the port range and
// falling back to an ephemeral port when the whole range is busy.
func Listen() (net.Listener, error) {
	for port := DefaultPort; port <= MaxPort; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			return ln, nil
		}
	}
	log.Printf("ports %d-%d busy, falling back to an ephemeral port", DefaultPort, MaxPort)
	return net.Listen("tcp", "127.0.0.1:0")
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("server: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   err.Error(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"status":         "healthy",
		"uptime_seconds": time.Since(s.started).Seconds(),
	})
}

// handleInitialize merges a partial configuration document into the
// active config and points the shared model service at the model
// artifact. Re-initializing with the same path is a no-op for a loaded
// model; the weights stay in memory.
func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	s.mu.Lock()
	if err := s.cfg.Merge(raw); err != nil {
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.cfg.Validate(); err != nil {
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, err)
		return
	}
	modelPath := s.cfg.ImageBindModelPath
	s.mu.Unlock()

	if modelPath != "" {
		s.embedder.Configure(modelPath)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "initialized",
	})
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	handles := s.pm.Handles()
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"uptime_seconds":  time.Since(s.started).Seconds(),
		"active_workers":  len(handles),
		"embedder_status": s.embedder.Status(),
	})
}

func (s *Server) handleProcesses(w http.ResponseWriter, r *http.Request) {
	handles := s.pm.Handles()
	procs := make([]map[string]any, 0, len(handles))
	for _, h := range handles {
		procs = append(procs, map[string]any{
			"chat_id":    h.ChatID,
			"kind":       h.Kind,
			"pid":        h.PID,
			"started_at": h.StartedAt.Unix(),
			"alive":      h.Alive(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"processes": procs,
	})
}
