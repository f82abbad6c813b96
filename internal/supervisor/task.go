package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"strand/internal/logging"
	"strand/internal/preflight"
	"strand/internal/recordings"
	"strand/internal/services/capture"
)

// task is one supervising goroutine's state. All recording mutations happen
// on this goroutine; nothing else writes the capture fields.
type task struct {
	rec     *recordings.Recording
	cancel  context.CancelFunc
	done    chan struct{}
	corrID  string
	segment int

	userStop atomic.Bool
}

func (t *task) requestStop() {
	t.userStop.Store(true)
	t.cancel()
}

func (s *Supervisor) run(ctx context.Context, t *task) {
	rec := t.rec
	log := s.logger.With(
		logging.String(logging.FieldCorrelationID, t.corrID),
		logging.Int64(logging.FieldRecordingID, rec.ID),
		logging.String(logging.FieldStreamRef, rec.StreamRef),
	)
	log.Info("supervising recording", logging.Int(logging.FieldSegment, t.segment))

	for {
		if ok, err := preflight.HasFreeSpace(s.cfg.Paths.StagingDir, s.cfg.Capture.MinFreeGiB); err == nil && !ok {
			s.fail(rec, recordings.ErrorKindFatal, "insufficient free space in staging directory", log)
			return
		}

		selection, err := s.proxies.GetBestProxy(ctx)
		if err != nil {
			s.fail(rec, recordings.ErrorKindFatal, fmt.Sprintf("proxy selection: %v", err), log)
			return
		}
		var proxyID *int64
		var proxyURL string
		if selection.Proxy != nil {
			id := selection.Proxy.ID
			proxyID = &id
			proxyURL = selection.Proxy.URL
		}

		outputPath := s.segmentPath(rec, t.segment)
		if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
			s.fail(rec, recordings.ErrorKindFatal, fmt.Sprintf("create segment directory: %v", err), log)
			return
		}
		seg, err := s.store.AddSegment(context.Background(), rec.ID, t.segment, outputPath)
		if err != nil {
			s.fail(rec, recordings.ErrorKindFatal, fmt.Sprintf("record segment: %v", err), log)
			return
		}

		previous := rec.State
		rec.CurrentSegment = t.segment
		rec.CurrentProxyID = proxyID
		rec.State = recordings.StateActive
		if err := s.store.UpdateRecording(context.Background(), rec); err != nil {
			s.fail(rec, recordings.ErrorKindFatal, fmt.Sprintf("persist active state: %v", err), log)
			return
		}
		s.notify(rec, previous)

		log.Info("capture segment starting",
			logging.Int(logging.FieldSegment, t.segment),
			logging.Any(logging.FieldProxyID, proxyID))

		proc, startErr := s.factory.Start(ctx, capture.Request{
			StreamRef:  rec.StreamRef,
			OutputPath: outputPath,
			ProxyURL:   proxyURL,
		})
		if startErr != nil {
			log.Warn("capture process failed to start", logging.Error(startErr))
			s.finalizeSegment(seg, outputPath)
			if !s.failover(ctx, t, rec, fmt.Sprintf("start capture: %v", startErr), log) {
				return
			}
			continue
		}

		select {
		case <-proc.Done():
		case <-ctx.Done():
			stopCtx, stopCancel := context.WithTimeout(context.Background(), s.stopGrace())
			if err := proc.Stop(stopCtx); err != nil {
				log.Warn("capture process stop", logging.Error(err))
			}
			stopCancel()
			s.finalizeSegment(seg, outputPath)
			if t.userStop.Load() {
				s.finalize(rec, recordings.StateStopped, log)
			} else {
				// Engine shutdown: keep the in-progress state persisted so
				// the next run's reconciler can resume this recording.
				log.Info("shutdown interrupted capture, leaving recording for reconciliation")
			}
			return
		}

		s.finalizeSegment(seg, outputPath)
		result := proc.Result()
		verdict := s.classifier.Classify(result)
		log.Info("capture segment ended",
			logging.Int(logging.FieldSegment, t.segment),
			logging.Int("exit_code", result.ExitCode),
			logging.String("verdict", verdict.String()))

		switch verdict {
		case capture.VerdictSourceEnded:
			s.finalize(rec, recordings.StateCompleted, log)
			return
		case capture.VerdictFatal:
			s.fail(rec, recordings.ErrorKindFatal, errorSummary(result), log)
			return
		default:
			if !s.failover(ctx, t, rec, errorSummary(result), log) {
				return
			}
		}
	}
}

// failover runs the recovery path after a transient capture failure. It
// returns true when the loop should start the next segment, false when the
// recording reached a terminal state or the task was cancelled.
func (s *Supervisor) failover(ctx context.Context, t *task, rec *recordings.Recording, summary string, log *slog.Logger) bool {
	if rec.CurrentProxyID != nil {
		s.proxies.ReportFailure(context.Background(), *rec.CurrentProxyID)
	}

	if rec.RecoveryCount >= s.maxRecoveryAttempts() {
		s.fail(rec, recordings.ErrorKindTransient, "recovery budget exhausted: "+summary, log)
		return false
	}
	now := time.Now().UTC()
	rec.RecoveryCount++
	rec.LastRecoveryAt = &now

	previous := rec.State
	rec.State = recordings.StateRecovering
	rec.ErrorKind = recordings.ErrorKindTransient
	rec.ErrorMessage = summary
	if err := s.store.UpdateRecording(context.Background(), rec); err != nil {
		log.Warn("persist recovering state", logging.Error(err))
	}
	s.notify(rec, previous)
	log.Info("recovering after transient failure",
		logging.Int("recovery_attempt", rec.RecoveryCount),
		logging.String(logging.FieldErrorHint, summary))

	delay := time.Duration(s.cfg.Capture.RecoveryDelaySeconds) * time.Second
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			if t.userStop.Load() {
				s.finalize(rec, recordings.StateStopped, log)
			}
			return false
		}
	} else if ctx.Err() != nil {
		if t.userStop.Load() {
			s.finalize(rec, recordings.StateStopped, log)
		}
		return false
	}

	t.segment++
	return true
}

// finalize moves the recording to a terminal capture state and enqueues the
// post-processing pipeline.
func (s *Supervisor) finalize(rec *recordings.Recording, state recordings.State, log *slog.Logger) {
	previous := rec.State
	now := time.Now().UTC()
	rec.State = state
	rec.EndedAt = &now
	if state == recordings.StateCompleted {
		rec.ErrorKind = recordings.ErrorKindNone
		rec.ErrorMessage = ""
	}
	if err := s.store.UpdateRecording(context.Background(), rec); err != nil {
		log.Warn("persist terminal state", logging.Error(err))
		return
	}
	if err := s.store.EnqueuePipeline(context.Background(), rec.ID); err != nil {
		log.Warn("enqueue pipeline", logging.Error(err))
	}
	s.notify(rec, previous)
	log.Info("recording finalized", logging.String("state", string(state)))
}

func (s *Supervisor) fail(rec *recordings.Recording, kind recordings.ErrorKind, message string, log *slog.Logger) {
	previous := rec.State
	rec.SetFailed(kind, message)
	if err := s.store.UpdateRecording(context.Background(), rec); err != nil {
		log.Warn("persist failed state", logging.Error(err))
		return
	}
	s.notify(rec, previous)
	log.Warn("recording failed",
		logging.String("error_kind", string(kind)),
		logging.String(logging.FieldErrorHint, message))
}

func (s *Supervisor) notify(rec *recordings.Recording, previous recordings.State) {
	if s.bridge == nil {
		return
	}
	s.bridge.OnRecordingStateChanged(context.Background(), rec, previous)
}

func (s *Supervisor) finalizeSegment(seg *recordings.Segment, outputPath string) {
	var size int64
	if info, err := os.Stat(outputPath); err == nil {
		size = info.Size()
	}
	if err := s.store.FinalizeSegment(context.Background(), seg.ID, size); err != nil {
		s.logger.Warn("finalize segment", logging.Error(err), logging.Int64(logging.FieldRecordingID, seg.RecordingID))
	}
}

func (s *Supervisor) segmentPath(rec *recordings.Recording, segment int) string {
	dir := filepath.Join(s.cfg.Paths.StagingDir, fmt.Sprintf("recording-%d", rec.ID))
	return filepath.Join(dir, fmt.Sprintf("segment-%03d.ts", segment))
}

func (s *Supervisor) maxRecoveryAttempts() int {
	if s.cfg.Capture.MaxRecoveryAttempts > 0 {
		return s.cfg.Capture.MaxRecoveryAttempts
	}
	return 5
}

func (s *Supervisor) stopGrace() time.Duration {
	grace := time.Duration(s.cfg.Capture.GraceSeconds) * time.Second
	if grace <= 0 {
		grace = 10 * time.Second
	}
	return 2 * grace
}

func errorSummary(result capture.Result) string {
	lines := strings.Split(strings.TrimSpace(result.Output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line != "" {
			if len(line) > 300 {
				line = line[:300]
			}
			if result.Err != nil {
				return fmt.Sprintf("%s (%v)", line, result.Err)
			}
			return line
		}
	}
	if result.Err != nil {
		return result.Err.Error()
	}
	return fmt.Sprintf("capture exited with code %d", result.ExitCode)
}
