package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"coalesce/internal/fragment"
)

// WriteFragmentFile drops a fragment file with the canonical name into dir.
func WriteFragmentFile(t testing.TB, dir, groupID string, partIndex int, payload []byte) string {
	t.Helper()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	path := filepath.Join(dir, fragment.Name(groupID, partIndex, "dat"))
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatalf("write fragment %s: %v", path, err)
	}
	return path
}

// WriteGroup drops a complete fragment set for groupID into dir.
func WriteGroup(t testing.TB, dir, groupID string, parts int) []string {
	t.Helper()

	paths := make([]string, 0, parts)
	for i := 0; i < parts; i++ {
		paths = append(paths, WriteFragmentFile(t, dir, groupID, i, []byte("payload")))
	}
	return paths
}
