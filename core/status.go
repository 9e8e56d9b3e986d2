package core

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// StatusStore persists per-session progress as one JSON document at
// <base>/chat-<id>/status.json. It is the single source of truth across
// process boundaries: the orchestrator writes the initial record, the
// worker process writes every stage transition, and the facade only ever
// reads. Commits go through a temp file and an atomic rename so a reader
// never observes a half-written document.
//
// Writers to the same channel race last-write-wins at document
// granularity. In normal operation each channel has exactly one owning
// worker at a time, so there is no field-level locking.
type StatusStore struct {
	mu   sync.Mutex
	base string
}

func NewStatusStore(base string) *StatusStore {
	return &StatusStore{base: base}
}

func (s *StatusStore) SessionDir(chatID string) string {
	return filepath.Join(s.base, "chat-"+chatID)
}

func (s *StatusStore) statusPath(chatID string) string {
	return filepath.Join(s.SessionDir(chatID), "status.json")
}

// Read returns the whole status document, or an empty document if none
// exists yet. It never returns an error: an unreadable file is logged
// and treated as absent, matching what pollers can act on.
func (s *StatusStore) Read(chatID string) map[string]any {
	data, err := os.ReadFile(s.statusPath(chatID))
	if err != nil {
		return map[string]any{}
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		log.Printf("status store: unreadable document for %s: %v", chatID, err)
		return map[string]any{}
	}
	return doc
}

// Channel returns one status channel of the session, or nil if the
// channel has never been written.
func (s *StatusStore) Channel(chatID, channel string) map[string]any {
	doc := s.Read(chatID)
	if ch, ok := doc[channel].(map[string]any); ok {
		return ch
	}
	return nil
}

// Update merges patch into the named channel via shallow-key update,
// stamps last_updated, and commits atomically.
func (s *StatusStore) Update(chatID, channel string, patch StatusPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.Read(chatID)
	ch, _ := doc[channel].(map[string]any)
	if ch == nil {
		ch = map[string]any{}
	}
	for k, v := range patch {
		ch[k] = v
	}
	doc[channel] = ch
	doc["last_updated"] = float64(time.Now().UnixNano()) / 1e9
	return s.writeDocument(chatID, doc)
}

// WriteDocument replaces the whole document. Used for the initial
// record a start operation lays down before spawning the worker.
func (s *StatusStore) WriteDocument(chatID string, doc map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc["last_updated"] = float64(time.Now().UnixNano()) / 1e9
	return s.writeDocument(chatID, doc)
}

// AppendIndexedVideo records a video name in the session's indexed set.
// Re-adding an existing name is a no-op, which is what makes re-indexing
// the same path idempotent at the record level.
func (s *StatusStore) AppendIndexedVideo(chatID, videoName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.Read(chatID)
	videos := toStringSlice(doc["indexed_videos"])
	for _, v := range videos {
		if v == videoName {
			return nil
		}
	}
	doc["indexed_videos"] = append(videos, videoName)
	doc["last_updated"] = float64(time.Now().UnixNano()) / 1e9
	return s.writeDocument(chatID, doc)
}

// IndexedVideos lists the video names recorded for a session.
func (s *StatusStore) IndexedVideos(chatID string) []string {
	return toStringSlice(s.Read(chatID)["indexed_videos"])
}

// writeDocument commits via write-to-temp-then-rename. A failure after
// partial temp creation removes the temp file and leaves the previous
// document untouched.
func (s *StatusStore) writeDocument(chatID string, doc map[string]any) error {
	if err := os.MkdirAll(s.SessionDir(chatID), 0755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	target := s.statusPath(chatID)
	tmp := target + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp status file: %w", err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode status: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("flush status: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close status: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit status: %w", err)
	}
	return nil
}

func toStringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
