package daemon_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"strand/internal/daemon"
	"strand/internal/recordings"
	"strand/internal/testsupport"
)

func startDaemon(t *testing.T) (*daemon.Daemon, string) {
	t.Helper()
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinaries())

	d, err := daemon.New(cfg, nil)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() {
		_ = d.Close()
	})

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("daemon.Start: %v", err)
	}
	addr := d.APIAddr()
	if addr == "" {
		t.Fatal("expected api address after start")
	}
	return d, "http://" + addr
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, body any, out any) int {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestDaemonLifecycleOverAPI(t *testing.T) {
	d, base := startDaemon(t)

	var status daemon.Status
	if code := getJSON(t, base+"/api/status", &status); code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", code)
	}
	if !status.Running {
		t.Fatal("expected running daemon in status")
	}
	if !d.Running() {
		t.Fatal("expected Running() true")
	}

	// The stubbed capture tool exits 0 immediately, which reads as a clean
	// end of source.
	var created struct {
		Recording recordings.RecordingSummary `json:"recording"`
	}
	code := postJSON(t, base+"/api/recordings", map[string]string{"stream_ref": "channel/api"}, &created)
	if code != http.StatusCreated {
		t.Fatalf("start recording: expected 201, got %d", code)
	}
	if created.Recording.ID == 0 {
		t.Fatal("expected recording id in response")
	}

	recURL := fmt.Sprintf("%s/api/recordings/%d", base, created.Recording.ID)
	deadline := time.Now().Add(5 * time.Second)
	for {
		var fetched struct {
			Recording recordings.RecordingSummary `json:"recording"`
		}
		if code := getJSON(t, recURL, &fetched); code != http.StatusOK {
			t.Fatalf("get recording: expected 200, got %d", code)
		}
		if fetched.Recording.State == recordings.StateCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("recording did not complete, state %s", fetched.Recording.State)
		}
		time.Sleep(20 * time.Millisecond)
	}

	var proxyResp struct {
		Proxy recordings.Proxy `json:"proxy"`
	}
	code = postJSON(t, base+"/api/proxies", map[string]any{"url": "http://relay.internal:3128", "priority": 1}, &proxyResp)
	if code != http.StatusCreated {
		t.Fatalf("add proxy: expected 201, got %d", code)
	}
	var proxyList struct {
		Proxies []recordings.Proxy `json:"proxies"`
	}
	if code := getJSON(t, base+"/api/proxies", &proxyList); code != http.StatusOK {
		t.Fatalf("list proxies: expected 200, got %d", code)
	}
	if len(proxyList.Proxies) != 1 || proxyList.Proxies[0].URL != "http://relay.internal:3128" {
		t.Fatalf("unexpected proxy list: %#v", proxyList.Proxies)
	}

	code = postJSON(t, fmt.Sprintf("%s/api/proxies/%d/disable", base, proxyResp.Proxy.ID), nil, &proxyResp)
	if code != http.StatusOK {
		t.Fatalf("disable proxy: expected 200, got %d", code)
	}
	if proxyResp.Proxy.Enabled {
		t.Fatal("expected proxy disabled")
	}

	d.Stop()
	if d.Running() {
		t.Fatal("expected Running() false after stop")
	}
}

func TestDaemonRejectsInvalidStartRequests(t *testing.T) {
	_, base := startDaemon(t)

	code := postJSON(t, base+"/api/recordings", map[string]string{}, nil)
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing stream_ref, got %d", code)
	}

	if code := getJSON(t, base+"/api/recordings/999999", nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown recording, got %d", code)
	}
	if code := postJSON(t, base+"/api/recordings/999999/stop", nil, nil); code != http.StatusConflict {
		t.Fatalf("expected 409 stopping unknown recording, got %d", code)
	}
}

func TestDaemonEnforcesSingleInstance(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinaries())

	first, err := daemon.New(cfg, nil)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	defer first.Close()
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}

	cfg2 := *cfg
	cfg2.Paths.APIBind = "127.0.0.1:0"
	second, err := daemon.New(&cfg2, nil)
	if err != nil {
		t.Fatalf("daemon.New (second): %v", err)
	}
	defer second.Close()
	if err := second.Start(context.Background()); err == nil {
		t.Fatal("expected second instance to fail on the lock")
	}
}
