package sqlite

import (
	"context"
	"testing"
)

// newTestStore opens a store on a per-test temp file. File databases
// are used instead of :memory: so pooled-connection paths behave the
// way they do in production.
func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()

	ctx := context.Background()
	store, err := New(ctx, t.TempDir()+"/test.db", opts)
	if err != nil {
		t.Fatalf("creating test database: %v", err)
	}

	t.Cleanup(func() {
		if cerr := store.Close(); cerr != nil {
			t.Fatalf("closing test database: %v", cerr)
		}
	})

	return store
}
