package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"strand/internal/broadcast"
	"strand/internal/config"
	"strand/internal/logging"
	"strand/internal/notifications"
	"strand/internal/pipeline"
	"strand/internal/preflight"
	"strand/internal/proxyhealth"
	"strand/internal/reconcile"
	"strand/internal/recordings"
	"strand/internal/services/capture"
	"strand/internal/services/ffmpeg"
	"strand/internal/services/liveness"
	"strand/internal/supervisor"
)

// Daemon owns every long-running subsystem and enforces single-instance
// execution through a lock file next to the database.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	store      *recordings.Store
	oracle     liveness.Oracle
	hub        *broadcast.Hub
	bridge     *notifications.Bridge
	monitor    *proxyhealth.Monitor
	supervisor *supervisor.Supervisor
	reconciler *reconcile.Reconciler
	pipeline   *pipeline.Manager
	api        *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
}

// Status reports daemon runtime information for the API and CLI.
type Status struct {
	Running          bool                     `json:"running"`
	DBPath           string                   `json:"db_path"`
	LockFilePath     string                   `json:"lock_file_path"`
	APIAddress       string                   `json:"api_address,omitempty"`
	ActiveRecordings int                      `json:"active_recordings"`
	EventListeners   int                      `json:"event_listeners"`
	Recordings       recordings.HealthSummary `json:"recordings"`
}

// New wires the daemon's subsystems. Nothing starts running until Start.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires configuration")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	store, err := recordings.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	oracle, err := liveness.ForConfig(cfg.Liveness)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("liveness oracle: %w", err)
	}
	factory, err := capture.NewFactory(cfg)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("capture factory: %w", err)
	}
	runner, err := ffmpeg.New(cfg.FFmpegBinary())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("ffmpeg client: %w", err)
	}

	hub := broadcast.NewHub(logger)
	bridge := notifications.NewBridge(notifications.NewService(cfg), hub, store, logger)
	monitor := proxyhealth.NewMonitor(store, cfg.Proxies, logger, proxyhealth.WithDisabler(bridge))
	sup := supervisor.New(store, cfg, factory, monitor, oracle, bridge, logger)

	d := &Daemon{
		cfg:        cfg,
		logger:     logging.NewComponentLogger(logger, "daemon"),
		store:      store,
		oracle:     oracle,
		hub:        hub,
		bridge:     bridge,
		monitor:    monitor,
		supervisor: sup,
		reconciler: reconcile.New(store, oracle, sup, logger),
		pipeline:   pipeline.NewManager(store, cfg, runner, bridge, logger),
		lockPath:   filepath.Join(cfg.Paths.LogDir, "strandd.lock"),
	}
	d.lock = flock.New(d.lockPath)
	d.api = newAPIServer(cfg, d, logger)
	return d, nil
}

// Start acquires the instance lock and brings the subsystems up in dependency
// order. The API only starts listening after startup reconciliation finished,
// so external callers never race the reconciler for stream ownership.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another strand daemon instance is already running")
	}

	for _, check := range preflight.RunAll(ctx, d.cfg) {
		if !check.Passed {
			d.logger.Warn("preflight check failed",
				logging.String("check", check.Name),
				logging.String("detail", check.Detail))
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if err := d.monitor.Start(runCtx); err != nil {
		d.teardown()
		return fmt.Errorf("start proxy monitor: %w", err)
	}
	d.supervisor.Start()

	report, err := d.reconciler.ReconcileOnStartup(runCtx)
	if err != nil {
		d.teardown()
		return fmt.Errorf("startup reconciliation: %w", err)
	}
	if report.Scanned > 0 || report.PipelinesReset > 0 {
		d.logger.Info("startup reconciliation finished",
			logging.Int("scanned", report.Scanned),
			logging.Int("resumed", len(report.Resumed)),
			logging.Int("finalized", len(report.Finalized)),
			logging.Int("pipelines_reset", report.PipelinesReset))
	}

	if err := d.pipeline.Start(runCtx); err != nil {
		d.teardown()
		return fmt.Errorf("start pipeline: %w", err)
	}
	if err := d.api.start(runCtx); err != nil {
		d.teardown()
		return fmt.Errorf("start api: %w", err)
	}

	d.running.Store(true)
	d.logger.Info("strand daemon started", logging.String("lock", d.lockPath))
	return nil
}

// Stop brings the subsystems down in reverse order. Supervised captures get
// the configured shutdown grace before being terminated; their recordings
// stay resumable for the next run.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	d.running.Store(false)

	d.api.stop()

	grace := time.Duration(d.cfg.Workflow.ShutdownGraceSeconds) * time.Second
	if grace <= 0 {
		grace = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	if err := d.supervisor.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("supervisor shutdown incomplete", logging.Error(err))
	}
	cancel()

	d.teardown()
	d.logger.Info("strand daemon stopped")
}

func (d *Daemon) teardown() {
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.pipeline.Stop()
	d.monitor.Stop()
	d.hub.Close()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("release daemon lock", logging.Error(err))
	}
}

// Close stops the daemon and releases its resources.
func (d *Daemon) Close() error {
	d.Stop()
	if closer, ok := d.oracle.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// Running reports whether Start completed and Stop has not been called.
func (d *Daemon) Running() bool {
	return d.running.Load()
}

// Status summarizes the daemon for the API and CLI.
func (d *Daemon) Status(ctx context.Context) Status {
	status := Status{
		Running:          d.running.Load(),
		DBPath:           d.store.Path(),
		LockFilePath:     d.lockPath,
		ActiveRecordings: d.supervisor.ActiveCount(),
		EventListeners:   d.hub.ClientCount(),
	}
	if d.api != nil {
		status.APIAddress = d.api.addr()
	}
	if health, err := d.store.Health(ctx); err == nil {
		status.Recordings = health
	}
	return status
}

// APIAddr returns the bound API address, empty until Start.
func (d *Daemon) APIAddr() string {
	if d.api == nil {
		return ""
	}
	return d.api.addr()
}
