// Package proxyhealth probes configured network relays on a schedule,
// maintains per-proxy health classifications, and selects the best proxy for
// new capture segments.
package proxyhealth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"strand/internal/config"
	"strand/internal/logging"
	"strand/internal/recordings"
)

// ErrNoProxyAvailable is returned by GetBestProxy when every proxy is
// disabled or failed and direct connections are not allowed.
var ErrNoProxyAvailable = errors.New("no usable proxy available")

// Selection is the outcome of proxy selection for one capture segment.
type Selection struct {
	// Proxy is nil for a direct connection.
	Proxy *recordings.Proxy
}

// Disabler receives auto-disable events so operators hear about dead proxies.
type Disabler interface {
	NotifyProxyDisabled(ctx context.Context, proxy *recordings.Proxy)
}

// Monitor owns proxy probing and selection.
type Monitor struct {
	store    *recordings.Store
	cfg      config.Proxies
	prober   Prober
	disabler Disabler
	logger   *slog.Logger

	cron    *cron.Cron
	entryID cron.EntryID
	sweeps  sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// Option configures the monitor.
type Option func(*Monitor)

// WithProber injects a custom prober (primarily for tests).
func WithProber(p Prober) Option {
	return func(m *Monitor) {
		if p != nil {
			m.prober = p
		}
	}
}

// WithDisabler registers a recipient for auto-disable events.
func WithDisabler(d Disabler) Option {
	return func(m *Monitor) {
		m.disabler = d
	}
}

// NewMonitor constructs the health monitor.
func NewMonitor(store *recordings.Store, cfg config.Proxies, logger *slog.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = logging.NewNop()
	}
	timeout := time.Duration(cfg.ProbeTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	m := &Monitor{
		store:  store,
		cfg:    cfg,
		prober: newHTTPProber(cfg.ProbeURL, timeout),
		logger: logger.With(logging.String(logging.FieldComponent, "proxyhealth")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins periodic probing. The first probe sweep runs immediately so
// selections made right after startup see fresh classifications.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("monitor already started")
	}

	interval := m.cfg.ProbeInterval
	if interval <= 0 {
		interval = 300
	}

	m.cron = cron.New()
	entryID, err := m.cron.AddFunc(fmt.Sprintf("@every %ds", interval), func() {
		m.ProbeAll(context.Background())
	})
	if err != nil {
		return fmt.Errorf("schedule probes: %w", err)
	}
	m.entryID = entryID
	m.cron.Start()
	m.running = true

	m.sweeps.Add(1)
	go func() {
		defer m.sweeps.Done()
		m.ProbeAll(ctx)
	}()
	return nil
}

// Stop halts the probe schedule and waits for in-flight sweeps, including
// the startup sweep, so no probe writes through the store after Stop returns.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	<-m.cron.Stop().Done()
	m.sweeps.Wait()
	m.running = false
}

// ProbeAll probes every enabled proxy concurrently with a bounded worker
// count. One proxy's failure never stops probing of the others.
func (m *Monitor) ProbeAll(ctx context.Context) {
	proxies, err := m.store.ListProxies(ctx)
	if err != nil {
		m.logger.Error("list proxies for probing", logging.Error(err))
		return
	}

	workers := m.cfg.ProbeWorkers
	if workers <= 0 {
		workers = 4
	}
	sem := make(chan struct{}, workers)

	var wg sync.WaitGroup
	for _, proxy := range proxies {
		if !proxy.Enabled {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(proxy *recordings.Proxy) {
			defer func() {
				<-sem
				wg.Done()
			}()
			m.ProbeOne(ctx, proxy)
		}(proxy)
	}
	wg.Wait()
}

// ProbeOne probes a single proxy and persists the outcome.
func (m *Monitor) ProbeOne(ctx context.Context, proxy *recordings.Proxy) {
	status, latencyMS, err := m.prober.Probe(ctx, proxy.URL)
	if err != nil {
		m.logger.Warn("proxy probe failed",
			logging.Int64(logging.FieldProxyID, proxy.ID),
			logging.Error(err))
		m.recordFailure(ctx, proxy.ID)
		return
	}

	if updateErr := m.store.RecordProbeSuccess(ctx, proxy.ID, status, latencyMS); updateErr != nil {
		m.logger.Error("record probe result", logging.Int64(logging.FieldProxyID, proxy.ID), logging.Error(updateErr))
		return
	}
	m.logger.Debug("proxy probed",
		logging.Int64(logging.FieldProxyID, proxy.ID),
		logging.String("status", string(status)),
		logging.Float64("latency_ms", latencyMS))
}

// ReportFailure records a capture-time transport failure against a proxy.
// The supervisor calls this when a segment through the proxy dies with a
// transient verdict so capture experience feeds the same counters as probes.
func (m *Monitor) ReportFailure(ctx context.Context, proxyID int64) {
	m.recordFailure(ctx, proxyID)
}

func (m *Monitor) recordFailure(ctx context.Context, proxyID int64) {
	count, disabled, err := m.store.IncrementProxyFailures(ctx, proxyID, m.cfg.MaxConsecutiveFailures)
	if err != nil {
		m.logger.Error("record proxy failure", logging.Int64(logging.FieldProxyID, proxyID), logging.Error(err))
		return
	}
	if !disabled {
		return
	}

	m.logger.Warn("proxy auto-disabled",
		logging.Int64(logging.FieldProxyID, proxyID),
		logging.Int("consecutive_failures", count))
	if m.disabler != nil {
		proxy, err := m.store.GetProxy(ctx, proxyID)
		if err != nil || proxy == nil {
			return
		}
		m.disabler.NotifyProxyDisabled(ctx, proxy)
	}
}

// GetBestProxy selects the proxy for a new capture segment: the
// lowest-priority healthy proxy, then the lowest-priority degraded one. With
// no usable proxy the result depends on configuration: direct connection
// when allowed, ErrNoProxyAvailable otherwise.
func (m *Monitor) GetBestProxy(ctx context.Context) (Selection, error) {
	proxies, err := m.store.ListProxies(ctx)
	if err != nil {
		return Selection{}, fmt.Errorf("list proxies: %w", err)
	}

	// ListProxies orders by priority then id, so first match wins.
	var degraded *recordings.Proxy
	for _, proxy := range proxies {
		if !proxy.Enabled {
			continue
		}
		switch proxy.HealthStatus {
		case recordings.HealthHealthy:
			return Selection{Proxy: proxy}, nil
		case recordings.HealthDegraded, recordings.HealthUnknown:
			if degraded == nil {
				degraded = proxy
			}
		}
	}
	if degraded != nil {
		return Selection{Proxy: degraded}, nil
	}
	if m.cfg.FallbackToDirect {
		return Selection{}, nil
	}
	return Selection{}, ErrNoProxyAvailable
}
