package notifications_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"strand/internal/config"
	"strand/internal/notifications"
)

func TestNewServiceReturnsNoopWhenTopicMissing(t *testing.T) {
	cfg := config.Default()
	cfg.Notifications.NtfyTopic = ""
	svc := notifications.NewService(&cfg)
	err := svc.Publish(context.Background(), notifications.EventRecordingCompleted, notifications.Payload{
		Title:   "Strand - Recording Complete",
		Message: "Recording complete: example",
	})
	if err != nil {
		t.Fatalf("expected noop notifier to return nil, got %v", err)
	}
}

func TestNtfyServiceSendsHeaders(t *testing.T) {
	type received struct {
		title    string
		tags     string
		priority string
		body     string
	}
	var got received
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got = received{
			title:    r.Header.Get("Title"),
			tags:     r.Header.Get("Tags"),
			priority: r.Header.Get("Priority"),
			body:     string(body),
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	svc := notifications.NewService(&cfg)

	err := svc.Publish(context.Background(), notifications.EventRecordingFailed, notifications.Payload{
		Title:    "Strand - Recording Failed",
		Message:  "Recording failed: example (proxy error)",
		Tags:     []string{"strand", "recording", "failed"},
		Priority: "high",
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if got.title != "Strand - Recording Failed" {
		t.Fatalf("unexpected title header: %q", got.title)
	}
	if got.tags != "strand,recording,failed" {
		t.Fatalf("unexpected tags header: %q", got.tags)
	}
	if got.priority != "high" {
		t.Fatalf("unexpected priority header: %q", got.priority)
	}
	if got.body != "Recording failed: example (proxy error)" {
		t.Fatalf("unexpected body: %q", got.body)
	}
}

func TestNtfyServiceRespectsEventToggles(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	cfg.Notifications.Started = false
	svc := notifications.NewService(&cfg)

	err := svc.Publish(context.Background(), notifications.EventRecordingStarted, notifications.Payload{
		Message: "Recording started: example",
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if hits != 0 {
		t.Fatalf("expected disabled event to be dropped, got %d requests", hits)
	}
}

func TestNtfyServiceSurfacesServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "topic quota exceeded", http.StatusTooManyRequests)
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	svc := notifications.NewService(&cfg)

	err := svc.Publish(context.Background(), notifications.EventTest, notifications.Payload{Message: "test"})
	if err == nil {
		t.Fatal("expected error for non-2xx response")
	}
}
