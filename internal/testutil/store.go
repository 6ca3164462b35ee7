package testutil

import (
	"path/filepath"
	"testing"

	"github.com/rotor-ads/rotor/internal/store"
)

// OpenStore opens a migrated sqlite store in a per-test temp dir. The store
// is closed when the test ends.
func OpenStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "rotor.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}
