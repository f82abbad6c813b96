package proxyhealth_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"strand/internal/proxyhealth"
	"strand/internal/recordings"
	"strand/internal/testsupport"
)

type scriptedProber struct {
	mu      sync.Mutex
	results map[string]scriptedResult
	probes  []string
}

type scriptedResult struct {
	status  recordings.HealthStatus
	latency float64
	err     error
}

func (s *scriptedProber) Probe(_ context.Context, proxyURL string) (recordings.HealthStatus, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes = append(s.probes, proxyURL)
	result, ok := s.results[proxyURL]
	if !ok {
		return recordings.HealthHealthy, 10, nil
	}
	return result.status, result.latency, result.err
}

func (s *scriptedProber) probeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.probes)
}

type capturedDisabler struct {
	mu      sync.Mutex
	proxies []*recordings.Proxy
}

func (c *capturedDisabler) NotifyProxyDisabled(_ context.Context, proxy *recordings.Proxy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.proxies = append(c.proxies, proxy)
}

func TestProbeAllUpdatesClassifications(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	healthy := testsupport.NewProxy(t, store, "socks5://healthy.example:1080", 10)
	degraded := testsupport.NewProxy(t, store, "socks5://degraded.example:1080", 20)
	failing := testsupport.NewProxy(t, store, "socks5://failing.example:1080", 30)

	prober := &scriptedProber{results: map[string]scriptedResult{
		healthy.URL:  {status: recordings.HealthHealthy, latency: 25},
		degraded.URL: {status: recordings.HealthDegraded, latency: 900},
		failing.URL:  {err: errors.New("connect timeout")},
	}}
	monitor := proxyhealth.NewMonitor(store, cfg.Proxies, nil, proxyhealth.WithProber(prober))

	monitor.ProbeAll(ctx)

	check := func(id int64, status recordings.HealthStatus, failures int) {
		t.Helper()
		proxy, err := store.GetProxy(ctx, id)
		if err != nil {
			t.Fatalf("GetProxy failed: %v", err)
		}
		if proxy.HealthStatus != status {
			t.Fatalf("proxy %d: expected %s, got %s", id, status, proxy.HealthStatus)
		}
		if proxy.ConsecutiveFailures != failures {
			t.Fatalf("proxy %d: expected %d failures, got %d", id, failures, proxy.ConsecutiveFailures)
		}
	}
	check(healthy.ID, recordings.HealthHealthy, 0)
	check(degraded.ID, recordings.HealthDegraded, 0)
	check(failing.ID, recordings.HealthFailed, 1)
}

func TestProbeAllSkipsDisabledProxies(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	enabled := testsupport.NewProxy(t, store, "socks5://on.example:1080", 10)
	disabled := testsupport.NewProxy(t, store, "socks5://off.example:1080", 20)
	if err := store.SetProxyEnabled(ctx, disabled.ID, false); err != nil {
		t.Fatalf("SetProxyEnabled failed: %v", err)
	}

	prober := &scriptedProber{results: map[string]scriptedResult{}}
	monitor := proxyhealth.NewMonitor(store, cfg.Proxies, nil, proxyhealth.WithProber(prober))
	monitor.ProbeAll(ctx)

	if prober.probeCount() != 1 {
		t.Fatalf("expected 1 probe, got %d", prober.probeCount())
	}
	if prober.probes[0] != enabled.URL {
		t.Fatalf("expected probe of enabled proxy, got %s", prober.probes[0])
	}
}

func TestRepeatedFailuresAutoDisable(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	proxy := testsupport.NewProxy(t, store, "socks5://flaky.example:1080", 10)

	prober := &scriptedProber{results: map[string]scriptedResult{
		proxy.URL: {err: errors.New("connect timeout")},
	}}
	disabler := &capturedDisabler{}
	monitor := proxyhealth.NewMonitor(store, cfg.Proxies, nil,
		proxyhealth.WithProber(prober), proxyhealth.WithDisabler(disabler))

	for i := 0; i < cfg.Proxies.MaxConsecutiveFailures; i++ {
		monitor.ProbeAll(ctx)
	}

	fetched, err := store.GetProxy(ctx, proxy.ID)
	if err != nil {
		t.Fatalf("GetProxy failed: %v", err)
	}
	if fetched.Enabled {
		t.Fatal("expected proxy to be auto-disabled")
	}
	if len(disabler.proxies) != 1 || disabler.proxies[0].ID != proxy.ID {
		t.Fatalf("expected disable notification, got %#v", disabler.proxies)
	}

	// The disabled proxy drops out of subsequent sweeps.
	before := prober.probeCount()
	monitor.ProbeAll(ctx)
	if prober.probeCount() != before {
		t.Fatal("disabled proxy should not be probed")
	}
}

func TestGetBestProxyPrefersHealthyByPriority(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	lowPriority := testsupport.NewProxy(t, store, "socks5://healthy-low.example:1080", 50)
	highPriority := testsupport.NewProxy(t, store, "socks5://healthy-high.example:1080", 10)
	degraded := testsupport.NewProxy(t, store, "socks5://degraded.example:1080", 1)

	if err := store.RecordProbeSuccess(ctx, lowPriority.ID, recordings.HealthHealthy, 30); err != nil {
		t.Fatalf("RecordProbeSuccess failed: %v", err)
	}
	if err := store.RecordProbeSuccess(ctx, highPriority.ID, recordings.HealthHealthy, 35); err != nil {
		t.Fatalf("RecordProbeSuccess failed: %v", err)
	}
	if err := store.RecordProbeSuccess(ctx, degraded.ID, recordings.HealthDegraded, 800); err != nil {
		t.Fatalf("RecordProbeSuccess failed: %v", err)
	}

	monitor := proxyhealth.NewMonitor(store, cfg.Proxies, nil)
	selection, err := monitor.GetBestProxy(ctx)
	if err != nil {
		t.Fatalf("GetBestProxy failed: %v", err)
	}
	if selection.Proxy == nil || selection.Proxy.ID != highPriority.ID {
		t.Fatalf("expected highest-priority healthy proxy, got %#v", selection.Proxy)
	}
}

func TestGetBestProxyFallsBackToDegraded(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	degraded := testsupport.NewProxy(t, store, "socks5://degraded.example:1080", 10)
	failed := testsupport.NewProxy(t, store, "socks5://failed.example:1080", 1)
	if err := store.RecordProbeSuccess(ctx, degraded.ID, recordings.HealthDegraded, 500); err != nil {
		t.Fatalf("RecordProbeSuccess failed: %v", err)
	}
	if _, _, err := store.IncrementProxyFailures(ctx, failed.ID, 0); err != nil {
		t.Fatalf("IncrementProxyFailures failed: %v", err)
	}

	monitor := proxyhealth.NewMonitor(store, cfg.Proxies, nil)
	selection, err := monitor.GetBestProxy(ctx)
	if err != nil {
		t.Fatalf("GetBestProxy failed: %v", err)
	}
	if selection.Proxy == nil || selection.Proxy.ID != degraded.ID {
		t.Fatalf("expected degraded proxy, got %#v", selection.Proxy)
	}
}

func TestGetBestProxyDirectFallback(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	failed := testsupport.NewProxy(t, store, "socks5://failed.example:1080", 10)
	if _, _, err := store.IncrementProxyFailures(ctx, failed.ID, 0); err != nil {
		t.Fatalf("IncrementProxyFailures failed: %v", err)
	}

	direct := cfg.Proxies
	direct.FallbackToDirect = true
	monitor := proxyhealth.NewMonitor(store, direct, nil)
	selection, err := monitor.GetBestProxy(ctx)
	if err != nil {
		t.Fatalf("GetBestProxy failed: %v", err)
	}
	if selection.Proxy != nil {
		t.Fatalf("expected direct connection, got %#v", selection.Proxy)
	}

	strict := cfg.Proxies
	strict.FallbackToDirect = false
	monitor = proxyhealth.NewMonitor(store, strict, nil)
	if _, err := monitor.GetBestProxy(ctx); !errors.Is(err, proxyhealth.ErrNoProxyAvailable) {
		t.Fatalf("expected ErrNoProxyAvailable, got %v", err)
	}
}

type gatedProber struct {
	probing chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedProber) Probe(context.Context, string) (recordings.HealthStatus, float64, error) {
	g.once.Do(func() { close(g.probing) })
	<-g.release
	return recordings.HealthHealthy, 5, nil
}

func TestStopWaitsForStartupSweep(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	testsupport.NewProxy(t, store, "socks5://slow.example:1080", 10)

	prober := &gatedProber{probing: make(chan struct{}), release: make(chan struct{})}
	monitor := proxyhealth.NewMonitor(store, cfg.Proxies, nil, proxyhealth.WithProber(prober))
	if err := monitor.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	<-prober.probing
	stopped := make(chan struct{})
	go func() {
		monitor.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a probe was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(prober.release)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after the sweep finished")
	}
}

func TestStartStop(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	prober := &scriptedProber{results: map[string]scriptedResult{}}
	monitor := proxyhealth.NewMonitor(store, cfg.Proxies, nil, proxyhealth.WithProber(prober))

	if err := monitor.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := monitor.Start(context.Background()); err == nil {
		t.Fatal("expected second Start to fail")
	}
	monitor.Stop()
	monitor.Stop()
}
