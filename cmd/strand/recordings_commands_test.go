package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"strand/internal/recordings"
)

func fakeDaemon(t *testing.T, handler http.HandlerFunc) string {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestRecordingsListRendersTable(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	addr := fakeDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/recordings" {
			http.NotFound(w, r)
			return
		}
		payload := map[string]any{
			"recordings": []recordings.RecordingSummary{
				{
					ID:        7,
					StreamRef: "channel/example",
					State:     recordings.StateActive,
					Segment:   3,
					StartedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
				},
			},
		}
		_ = json.NewEncoder(w).Encode(payload)
	})

	out, err := runCommand(t, "--api", addr, "recordings", "list")
	if err != nil {
		t.Fatalf("recordings list failed: %v", err)
	}
	if !strings.Contains(out, "channel/example") || !strings.Contains(out, "active") {
		t.Fatalf("expected recording row in output:\n%s", out)
	}
}

func TestRecordingsStartReportsConflict(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	addr := fakeDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "stream already has an active recording"})
	})

	_, err := runCommand(t, "--api", addr, "recordings", "start", "channel/example")
	if err == nil {
		t.Fatal("expected conflict error")
	}
	if !strings.Contains(err.Error(), "already has an active recording") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRecordingsStopParsesID(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	var gotPath string
	addr := fakeDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewEncoder(w).Encode(map[string]any{
			"recording": recordings.RecordingSummary{ID: 12, Segment: 4, State: recordings.StateStopped},
		})
	})

	out, err := runCommand(t, "--api", addr, "recordings", "stop", "12")
	if err != nil {
		t.Fatalf("recordings stop failed: %v", err)
	}
	if gotPath != "/api/recordings/12/stop" {
		t.Fatalf("unexpected request path %q", gotPath)
	}
	if !strings.Contains(out, "4 segments") {
		t.Fatalf("expected segment count in output:\n%s", out)
	}

	if _, err := runCommand(t, "--api", addr, "recordings", "stop", "not-a-number"); err == nil {
		t.Fatal("expected invalid id error")
	}
}
