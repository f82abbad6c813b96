package liveness_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"strand/internal/config"
	"strand/internal/services/liveness"
)

func newServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func TestIsLiveParsesResponse(t *testing.T) {
	server := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/live/alpha" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"live": true, "title": "Morning Show"}`))
	})

	client, err := liveness.New(config.Liveness{BaseURL: server.URL, CacheTTLSeconds: 30})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer client.Close()

	live, err := client.IsLive(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("IsLive failed: %v", err)
	}
	if !live {
		t.Fatal("expected producer to be live")
	}
}

func TestIsLiveCachesResults(t *testing.T) {
	var hits atomic.Int64
	server := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"live": false}`))
	})

	client, err := liveness.New(config.Liveness{BaseURL: server.URL, CacheTTLSeconds: 60})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer client.Close()

	for i := 0; i < 3; i++ {
		live, err := client.IsLive(context.Background(), "beta")
		if err != nil {
			t.Fatalf("IsLive failed: %v", err)
		}
		if live {
			t.Fatal("expected producer to be offline")
		}
	}
	if hits.Load() != 1 {
		t.Fatalf("expected 1 upstream hit, got %d", hits.Load())
	}
}

func TestIsLiveUnknownProducer(t *testing.T) {
	server := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	client, err := liveness.New(config.Liveness{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer client.Close()

	live, err := client.IsLive(context.Background(), "missing")
	if err != nil {
		t.Fatalf("IsLive failed: %v", err)
	}
	if live {
		t.Fatal("unknown producer should not be live")
	}
}

func TestIsLiveServerError(t *testing.T) {
	server := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	client, err := liveness.New(config.Liveness{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer client.Close()

	if _, err := client.IsLive(context.Background(), "gamma"); err == nil {
		t.Fatal("expected error for server failure")
	}
}

func TestForConfigSelectsOracle(t *testing.T) {
	oracle, err := liveness.ForConfig(config.Liveness{})
	if err != nil {
		t.Fatalf("ForConfig failed: %v", err)
	}
	live, err := oracle.IsLive(context.Background(), "anything")
	if err != nil || !live {
		t.Fatalf("expected always-live oracle, got live=%v err=%v", live, err)
	}

	oracle, err = liveness.ForConfig(config.Liveness{BaseURL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("ForConfig failed: %v", err)
	}
	if _, ok := oracle.(*liveness.Client); !ok {
		t.Fatalf("expected HTTP client oracle, got %T", oracle)
	}
}
