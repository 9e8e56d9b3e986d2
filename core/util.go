package core

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
)

// VideoNameFromPath derives the unique video name from a file path:
// the base name up to the first dot.
func VideoNameFromPath(path string) string {
	base := filepath.Base(path)
	if i := strings.Index(base, "."); i >= 0 {
		return base[:i]
	}
	return base
}

// HashID returns a content-derived identifier with the given prefix.
// Identical content always maps to the same id, which is what makes
// chunk insertion idempotent under partial re-runs.
func HashID(prefix, content string) string {
	sum := md5.Sum([]byte(content))
	return prefix + hex.EncodeToString(sum[:])
}

// FormatSeconds renders a second offset as MM:SS for human-facing time
// ranges in retrieved knowledge.
func FormatSeconds(sec float64) string {
	if sec < 0 {
		sec = 0
	}
	m := int(sec) / 60
	s := int(sec) % 60
	return fmt.Sprintf("%02d:%02d", m, s)
}
