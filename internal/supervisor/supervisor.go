// Package supervisor owns the lifecycle of in-progress recordings: one
// supervising goroutine per recording that launches capture processes,
// watches their output, and performs proxy failover on transport failures.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"strand/internal/config"
	"strand/internal/logging"
	"strand/internal/notifications"
	"strand/internal/preflight"
	"strand/internal/proxyhealth"
	"strand/internal/recordings"
	"strand/internal/services"
	"strand/internal/services/capture"
	"strand/internal/services/liveness"
)

var (
	// ErrAlreadyActive is returned when a stream already has an in-progress
	// recording. Exactly one supervising task may own a stream at a time.
	ErrAlreadyActive = errors.New("stream already has an active recording")
	// ErrNotActive is returned by StopRecording for an unknown or finished
	// recording.
	ErrNotActive = errors.New("recording is not active")
	// ErrNotAccepting is returned while the supervisor is shut down or has
	// not finished startup reconciliation.
	ErrNotAccepting = errors.New("supervisor is not accepting work")
	// ErrNotLive is returned when the liveness oracle reports the producer
	// offline at start time.
	ErrNotLive = errors.New("producer is not broadcasting")
)

// ProxySelector is the slice of the health monitor the supervisor needs.
type ProxySelector interface {
	GetBestProxy(ctx context.Context) (proxyhealth.Selection, error)
	ReportFailure(ctx context.Context, proxyID int64)
}

// Supervisor manages all supervising tasks and serializes state transitions
// per recording.
type Supervisor struct {
	store      *recordings.Store
	cfg        *config.Config
	factory    capture.Factory
	classifier *capture.Classifier
	proxies    ProxySelector
	oracle     liveness.Oracle
	bridge     *notifications.Bridge
	logger     *slog.Logger

	mu        sync.RWMutex
	tasks     map[int64]*task
	byStream  map[string]int64
	accepting bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a supervisor. It starts in the non-accepting state; call
// Start after reconciliation has finished.
func New(
	store *recordings.Store,
	cfg *config.Config,
	factory capture.Factory,
	proxies ProxySelector,
	oracle liveness.Oracle,
	bridge *notifications.Bridge,
	logger *slog.Logger,
) *Supervisor {
	if logger == nil {
		logger = logging.NewNop()
	}
	if oracle == nil {
		oracle = liveness.Always{}
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		store:      store,
		cfg:        cfg,
		factory:    factory,
		classifier: capture.NewClassifier(cfg.Capture),
		proxies:    proxies,
		oracle:     oracle,
		bridge:     bridge,
		logger:     logger.With(logging.String(logging.FieldComponent, "supervisor")),
		tasks:      make(map[int64]*task),
		byStream:   make(map[string]int64),
		baseCtx:    baseCtx,
		cancel:     cancel,
	}
}

// Start opens the supervisor for new work. The zombie reconciler must have
// run before this is called.
func (s *Supervisor) Start() {
	s.mu.Lock()
	s.accepting = true
	s.mu.Unlock()
}

// StartRecording creates a recording for the stream and begins supervising
// it. Fails fast when the stream already has an in-progress recording.
func (s *Supervisor) StartRecording(ctx context.Context, streamRef, producerRef string) (*recordings.Recording, error) {
	if streamRef == "" {
		return nil, services.Wrap(services.ErrConfiguration, "supervisor", "start", "stream ref required", nil)
	}
	if producerRef == "" {
		producerRef = streamRef
	}

	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		return nil, ErrNotAccepting
	}
	if _, busy := s.byStream[streamRef]; busy {
		s.mu.Unlock()
		return nil, ErrAlreadyActive
	}
	// Reserve the stream before the store round trip so concurrent calls
	// for the same stream cannot both pass the duplicate check.
	s.byStream[streamRef] = 0
	s.mu.Unlock()

	rec, err := s.startReserved(ctx, streamRef, producerRef)
	if err != nil {
		s.mu.Lock()
		if id, ok := s.byStream[streamRef]; ok && id == 0 {
			delete(s.byStream, streamRef)
		}
		s.mu.Unlock()
		return nil, err
	}
	return rec, nil
}

func (s *Supervisor) startReserved(ctx context.Context, streamRef, producerRef string) (*recordings.Recording, error) {
	existing, err := s.store.ActiveRecordingForStream(ctx, streamRef)
	if err != nil {
		return nil, fmt.Errorf("check active recording: %w", err)
	}
	if existing != nil {
		return nil, ErrAlreadyActive
	}

	live, err := s.oracle.IsLive(ctx, producerRef)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "supervisor", "start", "liveness check failed", err)
	}
	if !live {
		return nil, ErrNotLive
	}

	ok, err := preflight.HasFreeSpace(s.cfg.Paths.StagingDir, s.cfg.Capture.MinFreeGiB)
	if err != nil {
		return nil, services.Wrap(services.ErrExternalTool, "supervisor", "start", "free space check failed", err)
	}
	if !ok {
		return nil, services.Wrap(services.ErrConfiguration, "supervisor", "start", "insufficient free space in staging directory", nil)
	}

	rec, err := s.store.NewRecording(ctx, streamRef, producerRef)
	if err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}

	s.launch(rec, rec.CurrentSegment)
	return rec, nil
}

// Resume adopts a recording left in progress by an earlier run and begins a
// fresh capture appended as the next segment. No new recording id is minted.
func (s *Supervisor) Resume(ctx context.Context, rec *recordings.Recording) error {
	if rec == nil || !rec.State.IsInProgress() {
		return ErrNotActive
	}

	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		return ErrNotAccepting
	}
	if _, busy := s.tasks[rec.ID]; busy {
		s.mu.Unlock()
		return ErrAlreadyActive
	}
	if _, busy := s.byStream[rec.StreamRef]; busy {
		s.mu.Unlock()
		return ErrAlreadyActive
	}
	s.byStream[rec.StreamRef] = rec.ID
	s.mu.Unlock()

	// A crash between inserting a segment row and persisting the counter can
	// leave rows numbered ahead of current_segment; resume past whatever is
	// actually on disk so the unique segment constraint cannot trip.
	maxSegment, err := s.store.MaxSegmentNumber(ctx, rec.ID)
	if err != nil {
		s.mu.Lock()
		if id, ok := s.byStream[rec.StreamRef]; ok && id == rec.ID {
			delete(s.byStream, rec.StreamRef)
		}
		s.mu.Unlock()
		return fmt.Errorf("resume recording %d: %w", rec.ID, err)
	}
	next := rec.CurrentSegment + 1
	if maxSegment >= next {
		next = maxSegment + 1
	}
	s.launch(rec, next)
	return nil
}

func (s *Supervisor) launch(rec *recordings.Recording, firstSegment int) {
	// The supervising goroutine is the single writer of the record; give it
	// its own copy so callers keep a stable snapshot.
	owned := *rec
	taskCtx, taskCancel := context.WithCancel(s.baseCtx)
	t := &task{
		rec:     &owned,
		cancel:  taskCancel,
		done:    make(chan struct{}),
		corrID:  uuid.NewString(),
		segment: firstSegment,
	}

	s.mu.Lock()
	s.tasks[rec.ID] = t
	s.byStream[rec.StreamRef] = rec.ID
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(t)
		s.run(taskCtx, t)
	}()
}

func (s *Supervisor) release(t *task) {
	s.mu.Lock()
	delete(s.tasks, t.rec.ID)
	if id, ok := s.byStream[t.rec.StreamRef]; ok && id == t.rec.ID {
		delete(s.byStream, t.rec.StreamRef)
	}
	s.mu.Unlock()
	t.cancel()
	close(t.done)
}

// StopRecording cancels the supervising task for the recording and waits for
// it to finalize. The recording ends in the stopped state with its pipeline
// enqueued, the same path as a normal end of source.
func (s *Supervisor) StopRecording(ctx context.Context, id int64) error {
	s.mu.RLock()
	t, ok := s.tasks[id]
	s.mu.RUnlock()
	if !ok {
		return ErrNotActive
	}

	t.requestStop()
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetActiveRecordings returns summaries for every in-progress recording.
func (s *Supervisor) GetActiveRecordings(ctx context.Context) ([]recordings.RecordingSummary, error) {
	recs, err := s.store.RecordingsInStates(ctx, recordings.InProgressStates...)
	if err != nil {
		return nil, err
	}
	summaries := make([]recordings.RecordingSummary, 0, len(recs))
	for _, rec := range recs {
		summaries = append(summaries, rec.Summary())
	}
	return summaries, nil
}

// ActiveCount returns the number of live supervising tasks.
func (s *Supervisor) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// Shutdown stops accepting work and cancels all supervising tasks. Capture
// processes get the configured grace window before forced termination.
// In-progress recordings keep their persisted state so the reconciler can
// resume them on the next run.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.accepting = false
	s.mu.Unlock()

	s.cancel()

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
