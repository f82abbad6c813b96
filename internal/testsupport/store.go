package testsupport

import (
	"context"
	"testing"

	"strand/internal/config"
	"strand/internal/recordings"
)

// MustOpenStore opens a recordings.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *recordings.Store {
	t.Helper()

	store, err := recordings.Open(cfg)
	if err != nil {
		t.Fatalf("recordings.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewRecording creates a recording for tests using the provided store.
func NewRecording(t testing.TB, store *recordings.Store, streamRef string) *recordings.Recording {
	t.Helper()

	rec, err := store.NewRecording(context.Background(), streamRef, streamRef)
	if err != nil {
		t.Fatalf("store.NewRecording: %v", err)
	}
	return rec
}

// NewProxy registers a proxy for tests using the provided store.
func NewProxy(t testing.TB, store *recordings.Store, url string, priority int) *recordings.Proxy {
	t.Helper()

	proxy, err := store.AddProxy(context.Background(), url, priority)
	if err != nil {
		t.Fatalf("store.AddProxy: %v", err)
	}
	return proxy
}
