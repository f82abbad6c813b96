// Package pipeline drains the post-processing queue. A small worker pool
// claims finished recordings and runs their stages in a fixed order: remux,
// metadata, chapters, thumbnail, finalize. Stage outcomes are persisted per
// task so an interrupted pipeline resumes from its first unfinished stage.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"strand/internal/config"
	"strand/internal/logging"
	"strand/internal/notifications"
	"strand/internal/recordings"
	"strand/internal/services/ffmpeg"
)

// Manager owns the pipeline worker pool.
type Manager struct {
	store  *recordings.Store
	cfg    *config.Config
	runner ffmpeg.Runner
	bridge *notifications.Bridge
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager constructs a pipeline manager. The bridge may be nil, which
// disables pipeline notifications.
func NewManager(store *recordings.Store, cfg *config.Config, runner ffmpeg.Runner, bridge *notifications.Bridge, logger *slog.Logger) *Manager {
	return &Manager{
		store:  store,
		cfg:    cfg,
		runner: runner,
		bridge: bridge,
		logger: logging.NewComponentLogger(logger, "pipeline"),
	}
}

// Start launches the worker pool. Workers poll the queue until the manager is
// stopped or the context is cancelled.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("pipeline manager already started")
	}
	m.running = true

	workerCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	workers := m.cfg.PostProcessing.Workers
	if workers <= 0 {
		workers = 2
	}
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go func(id int) {
			defer m.wg.Done()
			m.worker(workerCtx, id)
		}(i)
	}
	m.logger.Info("pipeline workers started", logging.Int("workers", workers))
	return nil
}

// Stop cancels the worker pool and waits for in-flight stages to settle.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	m.logger.Info("pipeline workers stopped")
}

func (m *Manager) worker(ctx context.Context, id int) {
	log := m.logger.With(logging.Int("worker", id))
	ticker := time.NewTicker(m.pollInterval())
	defer ticker.Stop()

	for {
		processed, err := m.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			log.Warn("pipeline pass failed", logging.Error(err))
			select {
			case <-time.After(m.errorRetryInterval()):
			case <-ctx.Done():
				return
			}
			continue
		}
		if processed {
			// Drain the queue before going back to sleep.
			continue
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce claims at most one pending recording and processes it to a terminal
// pipeline state. It reports whether any work was claimed.
func (m *Manager) RunOnce(ctx context.Context) (bool, error) {
	rec, err := m.store.ClaimNextPipeline(ctx)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}
	return true, m.process(ctx, rec)
}

// process runs every unfinished stage for the recording in order. A permanent
// stage failure abandons the remaining stages as skipped; artifacts produced
// by earlier stages are kept.
func (m *Manager) process(ctx context.Context, rec *recordings.Recording) error {
	log := m.logger.With(
		logging.Int64(logging.FieldRecordingID, rec.ID),
		logging.String(logging.FieldStreamRef, rec.StreamRef),
	)
	log.Info("post-processing started")

	tasks, err := m.store.TasksForRecording(ctx, rec.ID)
	if err != nil {
		return fmt.Errorf("load pipeline tasks: %w", err)
	}
	segments, err := m.store.SegmentsForRecording(ctx, rec.ID)
	if err != nil {
		return fmt.Errorf("load segments: %w", err)
	}

	j := m.newJob(rec, segments, log)

	var failedStage recordings.Stage
	for _, task := range tasks {
		if task.Status == recordings.TaskSucceeded || task.Status == recordings.TaskSkipped {
			continue
		}
		if failedStage != "" {
			task.Status = recordings.TaskSkipped
			if err := m.store.UpdateTask(ctx, task); err != nil {
				log.Warn("mark task skipped", logging.Error(err), logging.String(logging.FieldStage, string(task.Stage)))
			}
			continue
		}
		if status := m.runStage(ctx, j, task); status == recordings.TaskFailed {
			failedStage = task.Stage
		}
	}

	final := recordings.PipelineSucceeded
	if failedStage != "" {
		final = recordings.PipelineFailed
	}
	if err := m.store.FinalizePipeline(ctx, rec.ID, final, failedStage); err != nil {
		return fmt.Errorf("finalize pipeline: %w", err)
	}
	rec.PipelineState = final
	rec.PipelineStage = failedStage
	if m.bridge != nil {
		m.bridge.NotifyPipelineFinished(ctx, rec, failedStage)
	}

	log.Info("post-processing finished",
		logging.String("pipeline_state", string(final)),
		logging.String(logging.FieldStage, string(failedStage)))
	return nil
}

// runStage executes one stage with its retry budget and persists every
// transition. Remux retries back off exponentially because transient remux
// failures are usually disk pressure that needs time to clear.
func (m *Manager) runStage(ctx context.Context, j *job, task *recordings.Task) recordings.TaskStatus {
	fn := m.stageFunc(task.Stage)
	limit := m.stageRetryLimit()
	log := j.log.With(logging.String(logging.FieldStage, string(task.Stage)))

	for {
		task.Status = recordings.TaskRunning
		task.ErrorMessage = ""
		if err := m.store.UpdateTask(ctx, task); err != nil {
			log.Warn("persist running task", logging.Error(err))
		}

		skipped, err := fn(ctx, j)
		if err == nil {
			if skipped {
				task.Status = recordings.TaskSkipped
			} else {
				task.Status = recordings.TaskSucceeded
			}
			if updateErr := m.store.UpdateTask(ctx, task); updateErr != nil {
				log.Warn("persist task outcome", logging.Error(updateErr))
			}
			return task.Status
		}

		task.RetryCount++
		task.ErrorMessage = err.Error()
		log.Warn("stage attempt failed",
			logging.Error(err),
			logging.Int("attempt", task.RetryCount))

		if task.RetryCount > limit || ctx.Err() != nil {
			task.Status = recordings.TaskFailed
			if updateErr := m.store.UpdateTask(ctx, task); updateErr != nil {
				log.Warn("persist failed task", logging.Error(updateErr))
			}
			return recordings.TaskFailed
		}
		if err := m.store.UpdateTask(ctx, task); err != nil {
			log.Warn("persist task retry", logging.Error(err))
		}

		if task.Stage == recordings.StageRemux {
			if !sleepCtx(ctx, m.remuxBackoff(task.RetryCount)) {
				task.Status = recordings.TaskFailed
				_ = m.store.UpdateTask(ctx, task)
				return recordings.TaskFailed
			}
		}
	}
}

func (m *Manager) stageFunc(stage recordings.Stage) func(context.Context, *job) (bool, error) {
	switch stage {
	case recordings.StageRemux:
		return m.stageRemux
	case recordings.StageMetadata:
		return m.stageMetadata
	case recordings.StageChapters:
		return m.stageChapters
	case recordings.StageThumbnail:
		return m.stageThumbnail
	case recordings.StageFinalize:
		return m.stageFinalize
	default:
		return func(context.Context, *job) (bool, error) {
			return false, fmt.Errorf("unknown pipeline stage %q", stage)
		}
	}
}

func (m *Manager) stageRetryLimit() int {
	if m.cfg.PostProcessing.StageRetryLimit > 0 {
		return m.cfg.PostProcessing.StageRetryLimit
	}
	return 3
}

func (m *Manager) remuxBackoff(attempt int) time.Duration {
	base := time.Duration(m.cfg.PostProcessing.RemuxBackoffSeconds) * time.Second
	if base <= 0 {
		return 0
	}
	backoff := base
	for i := 1; i < attempt; i++ {
		backoff *= 2
	}
	return backoff
}

func (m *Manager) pollInterval() time.Duration {
	if m.cfg.Workflow.QueuePollInterval > 0 {
		return time.Duration(m.cfg.Workflow.QueuePollInterval) * time.Second
	}
	return 5 * time.Second
}

func (m *Manager) errorRetryInterval() time.Duration {
	if m.cfg.Workflow.ErrorRetryInterval > 0 {
		return time.Duration(m.cfg.Workflow.ErrorRetryInterval) * time.Second
	}
	return 10 * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
