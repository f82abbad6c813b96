package proxyhealth

import (
	"context"
	"time"

	"resty.dev/v3"

	"strand/internal/recordings"
)

// Prober issues one health probe through a proxy and classifies the result.
type Prober interface {
	Probe(ctx context.Context, proxyURL string) (recordings.HealthStatus, float64, error)
}

// httpProber sends a lightweight request to a stable external endpoint
// through the proxy under test.
type httpProber struct {
	probeURL string
	timeout  time.Duration
}

func newHTTPProber(probeURL string, timeout time.Duration) *httpProber {
	return &httpProber{probeURL: probeURL, timeout: timeout}
}

// Probe classifies: 2xx/3xx with normal latency is healthy, any other status
// class is degraded, transport errors and timeouts are failed.
func (p *httpProber) Probe(ctx context.Context, proxyURL string) (recordings.HealthStatus, float64, error) {
	client := resty.New()
	defer client.Close()
	client.SetTimeout(p.timeout)
	if proxyURL != "" {
		client.SetProxy(proxyURL)
	}

	start := time.Now()
	resp, err := client.R().SetContext(ctx).Get(p.probeURL)
	latencyMS := float64(time.Since(start)) / float64(time.Millisecond)
	if err != nil {
		return recordings.HealthFailed, latencyMS, err
	}
	if resp.StatusCode() >= 400 {
		return recordings.HealthDegraded, latencyMS, nil
	}
	return recordings.HealthHealthy, latencyMS, nil
}
