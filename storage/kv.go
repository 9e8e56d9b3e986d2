// Package storage provides the session-scoped persistence collaborators:
// JSON key-value namespaces, vector indexes, and the knowledge graph.
// Everything defaults to plain JSON files under the session working
// directory — this system is designed to need no database — with Milvus
// and pgvector available as server-backed vector index alternatives.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// JSONKV is a namespace-scoped key-value store persisted as one JSON
// file. Mutations accumulate in memory; Flush commits them with the same
// write-to-temp-then-rename contract the status store uses. The pipeline
// flushes at its "saving" stages, so a crash loses at most the mutations
// since the last flush, never the committed file.
type JSONKV[V any] struct {
	mu   sync.RWMutex
	path string
	data map[string]V
}

// OpenJSONKV loads the namespace file kv_store_<name>.json from dir,
// starting empty if it does not exist yet.
func OpenJSONKV[V any](dir, namespace string) (*JSONKV[V], error) {
	kv := &JSONKV[V]{
		path: filepath.Join(dir, "kv_store_"+namespace+".json"),
		data: make(map[string]V),
	}
	raw, err := os.ReadFile(kv.path)
	if os.IsNotExist(err) {
		return kv, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open kv namespace %s: %w", namespace, err)
	}
	if err := json.Unmarshal(raw, &kv.data); err != nil {
		return nil, fmt.Errorf("parse kv namespace %s: %w", namespace, err)
	}
	return kv, nil
}

func (kv *JSONKV[V]) Get(key string) (V, bool) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	v, ok := kv.data[key]
	return v, ok
}

func (kv *JSONKV[V]) Has(key string) bool {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	_, ok := kv.data[key]
	return ok
}

func (kv *JSONKV[V]) Upsert(entries map[string]V) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	for k, v := range entries {
		kv.data[k] = v
	}
}

// FilterKeys returns the candidate keys that are NOT already present.
// Graph indexing uses this to skip chunks whose content-derived ids are
// already committed, making re-runs idempotent.
func (kv *JSONKV[V]) FilterKeys(candidates []string) []string {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	var missing []string
	for _, k := range candidates {
		if _, ok := kv.data[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing
}

func (kv *JSONKV[V]) Keys() []string {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	keys := make([]string, 0, len(kv.data))
	for k := range kv.data {
		keys = append(keys, k)
	}
	return keys
}

// All returns a shallow copy of the namespace contents.
func (kv *JSONKV[V]) All() map[string]V {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	out := make(map[string]V, len(kv.data))
	for k, v := range kv.data {
		out[k] = v
	}
	return out
}

func (kv *JSONKV[V]) Len() int {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return len(kv.data)
}

// Flush commits the in-memory state atomically.
func (kv *JSONKV[V]) Flush() error {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return atomicWriteJSON(kv.path, kv.data)
}

// atomicWriteJSON writes v to path via a temp file and rename, removing
// the temp file on any failure so the previous version survives intact.
func atomicWriteJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
