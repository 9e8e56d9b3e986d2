package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestJSONKVRoundTrip(t *testing.T) {
	dir := t.TempDir()

	kv, err := OpenJSONKV[string](dir, "video_path")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	kv.Upsert(map[string]string{"lecture": "/videos/lecture.mp4"})
	if err := kv.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	reopened, err := OpenJSONKV[string](dir, "video_path")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok := reopened.Get("lecture")
	if !ok || got != "/videos/lecture.mp4" {
		t.Errorf("Get = %q, %v", got, ok)
	}
	if !reopened.Has("lecture") || reopened.Has("demo") {
		t.Error("Has is inconsistent with stored keys")
	}
	if reopened.Len() != 1 {
		t.Errorf("Len = %d", reopened.Len())
	}
}

func TestJSONKVFilterKeys(t *testing.T) {
	kv, _ := OpenJSONKV[int](t.TempDir(), "chunks")
	kv.Upsert(map[string]int{"a": 1, "b": 2})

	missing := kv.FilterKeys([]string{"a", "c", "b", "d"})
	if len(missing) != 2 || missing[0] != "c" || missing[1] != "d" {
		t.Errorf("FilterKeys = %v, want [c d]", missing)
	}
	if got := kv.FilterKeys([]string{"a", "b"}); len(got) != 0 {
		t.Errorf("FilterKeys of present keys = %v", got)
	}
}

func TestJSONKVCorruptFileFailsOpen(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "kv_store_bad.json"), []byte("{oops"), 0644)
	if _, err := OpenJSONKV[string](dir, "bad"); err == nil {
		t.Error("opening a corrupt namespace should fail")
	}
}

func TestAtomicWriteJSONKeepsPreviousOnFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")

	if err := atomicWriteJSON(path, map[string]int{"v": 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Unencodable value: the committed file must survive.
	if err := atomicWriteJSON(path, map[string]any{"v": func() {}}); err == nil {
		t.Fatal("encoding a func should fail")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(raw) == "" {
		t.Error("previous document was lost")
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind after failed write")
	}
}
