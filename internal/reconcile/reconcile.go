// Package reconcile recovers recordings left in progress by an unclean
// shutdown. It runs once at startup, before any web-facing interface reports
// recording status, and decides per recording whether to resume capture or
// finalize what was captured.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"strand/internal/logging"
	"strand/internal/recordings"
	"strand/internal/services/liveness"
	"strand/internal/supervisor"
)

// Resumer adopts an in-progress recording and appends a fresh segment.
type Resumer interface {
	Resume(ctx context.Context, rec *recordings.Recording) error
}

// Report summarizes one reconciliation pass.
type Report struct {
	Scanned        int
	Resumed        []int64
	Finalized      []int64
	PipelinesReset int
}

// Reconciler finds and settles zombie recordings.
type Reconciler struct {
	store   *recordings.Store
	oracle  liveness.Oracle
	resumer Resumer
	logger  *slog.Logger
}

// New constructs a reconciler.
func New(store *recordings.Store, oracle liveness.Oracle, resumer Resumer, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = logging.NewNop()
	}
	if oracle == nil {
		oracle = liveness.Always{}
	}
	return &Reconciler{
		store:   store,
		oracle:  oracle,
		resumer: resumer,
		logger:  logger.With(logging.String(logging.FieldComponent, "reconcile")),
	}
}

// ReconcileOnStartup settles every recording left in an in-progress state.
// Producers still broadcasting are resumed under the same recording id;
// everything else is finalized as stopped with its pipeline enqueued. The
// pass is idempotent: every decision reads only persisted state, so running
// it again after a crash mid-reconciliation converges to the same result.
func (r *Reconciler) ReconcileOnStartup(ctx context.Context) (Report, error) {
	var report Report

	reset, err := r.store.ResetRunningPipelines(ctx)
	if err != nil {
		return report, err
	}
	report.PipelinesReset = reset

	zombies, err := r.store.RecordingsInStates(ctx, recordings.InProgressStates...)
	if err != nil {
		return report, err
	}
	report.Scanned = len(zombies)

	for _, rec := range zombies {
		log := r.logger.With(
			logging.Int64(logging.FieldRecordingID, rec.ID),
			logging.String(logging.FieldStreamRef, rec.StreamRef),
		)

		live, livenessErr := r.oracle.IsLive(ctx, rec.ProducerRef)
		if livenessErr != nil {
			// An unreachable oracle must not leave the recording in limbo.
			// Captured segments are finalized; the operator can start a new
			// recording once the oracle recovers.
			log.Warn("liveness check failed during reconciliation, finalizing", logging.Error(livenessErr))
			live = false
		}

		if live && r.resumer != nil {
			if resumeErr := r.resumer.Resume(ctx, rec); resumeErr != nil {
				if errors.Is(resumeErr, supervisor.ErrAlreadyActive) {
					// A previous pass already adopted it.
					continue
				}
				log.Warn("resume failed, finalizing instead", logging.Error(resumeErr))
			} else {
				report.Resumed = append(report.Resumed, rec.ID)
				log.Info("zombie recording resumed", logging.Int(logging.FieldSegment, rec.CurrentSegment+1))
				continue
			}
		}

		if err := r.finalize(ctx, rec); err != nil {
			log.Warn("finalize zombie recording", logging.Error(err))
			continue
		}
		report.Finalized = append(report.Finalized, rec.ID)
		log.Info("zombie recording finalized as stopped")
	}

	return report, nil
}

func (r *Reconciler) finalize(ctx context.Context, rec *recordings.Recording) error {
	// Best available end estimate: the last persisted mutation, which for a
	// crashed capture is close to its final write.
	ended := rec.UpdatedAt
	if ended.IsZero() {
		ended = time.Now().UTC()
	}
	rec.State = recordings.StateStopped
	rec.EndedAt = &ended
	if err := r.store.UpdateRecording(ctx, rec); err != nil {
		return err
	}
	return r.store.EnqueuePipeline(ctx, rec.ID)
}
