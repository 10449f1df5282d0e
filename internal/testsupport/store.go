package testsupport

import (
	"testing"

	"docpipe/internal/config"
	"docpipe/internal/statestore"
)

// MustOpenStore opens a statestore.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *statestore.Store {
	t.Helper()

	store, err := statestore.Open(cfg)
	if err != nil {
		t.Fatalf("statestore.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}
