package storage

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ScoredID is one vector search hit.
type ScoredID struct {
	ID       string            `json:"id"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// VectorIndex is the upsert/query contract the pipelines consume for
// both text-chunk embeddings and video-segment feature embeddings.
type VectorIndex interface {
	Upsert(id string, vec []float32, meta map[string]string) error
	Query(vec []float32, topK int) ([]ScoredID, error)
	Flush() error
	Close() error
}

// OpenVectorIndex selects a backend by the STORE environment variable
// (milvus, pgvector, default local JSON file). Backend failures fall
// back to the local index with a warning rather than failing the
// pipeline — the local file is always sufficient for a single-machine
// deployment.
func OpenVectorIndex(sessionDir, sessionID, namespace string, dim int) VectorIndex {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("STORE"))) {
	case "milvus":
		idx, err := newMilvusIndex(sessionID, namespace, dim)
		if err == nil {
			return idx
		}
		log.Printf("Warning: milvus index unavailable (%v), falling back to local index", err)
	case "pgvector":
		idx, err := newPgVectorIndex(sessionID, namespace, dim)
		if err == nil {
			return idx
		}
		log.Printf("Warning: pgvector index unavailable (%v), falling back to local index", err)
	}
	idx, err := openLocalIndex(sessionDir, namespace, dim)
	if err != nil {
		log.Printf("Warning: local index %s unreadable (%v), starting empty", namespace, err)
		return &LocalVectorIndex{
			path:    filepath.Join(sessionDir, "vdb_"+namespace+".json"),
			dim:     dim,
			entries: map[string]localEntry{},
		}
	}
	return idx
}

// ---------------- Local JSON-backed implementation ----------------

type localEntry struct {
	Vector []float32         `json:"vector"`
	Meta   map[string]string `json:"metadata,omitempty"`
}

// LocalVectorIndex is the default backend: cosine similarity over an
// in-memory map, persisted as one JSON file per namespace on Flush.
type LocalVectorIndex struct {
	mu      sync.RWMutex
	path    string
	dim     int
	entries map[string]localEntry
}

func openLocalIndex(dir, namespace string, dim int) (*LocalVectorIndex, error) {
	idx := &LocalVectorIndex{
		path:    filepath.Join(dir, "vdb_"+namespace+".json"),
		dim:     dim,
		entries: map[string]localEntry{},
	}
	raw, err := os.ReadFile(idx.path)
	if os.IsNotExist(err) {
		return idx, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &idx.entries); err != nil {
		return nil, err
	}
	return idx, nil
}

func (l *LocalVectorIndex) Upsert(id string, vec []float32, meta map[string]string) error {
	if l.dim > 0 && len(vec) != l.dim {
		return fmt.Errorf("vector for %s has dim %d, index expects %d", id, len(vec), l.dim)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[id] = localEntry{Vector: vec, Meta: meta}
	return nil
}

func (l *LocalVectorIndex) Query(vec []float32, topK int) ([]ScoredID, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if topK <= 0 {
		topK = 5
	}
	hits := make([]ScoredID, 0, len(l.entries))
	for id, e := range l.entries {
		hits = append(hits, ScoredID{ID: id, Score: cosine(vec, e.Vector), Metadata: e.Meta})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if topK > len(hits) {
		topK = len(hits)
	}
	return hits[:topK], nil
}

func (l *LocalVectorIndex) Flush() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return atomicWriteJSON(l.path, l.entries)
}

func (l *LocalVectorIndex) Close() error { return nil }

func cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
