package reconcile_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"strand/internal/reconcile"
	"strand/internal/recordings"
	"strand/internal/supervisor"
	"strand/internal/testsupport"
)

type scriptedOracle struct {
	live map[string]bool
	err  error
}

func (s scriptedOracle) IsLive(_ context.Context, producerRef string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.live[producerRef], nil
}

type fakeResumer struct {
	mu      sync.Mutex
	resumed map[int64]bool
	err     error
}

func (f *fakeResumer) Resume(_ context.Context, rec *recordings.Recording) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.resumed == nil {
		f.resumed = make(map[int64]bool)
	}
	if f.resumed[rec.ID] {
		return supervisor.ErrAlreadyActive
	}
	f.resumed[rec.ID] = true
	return nil
}

func seedZombie(t *testing.T, store *recordings.Store, streamRef string, state recordings.State, segments int) *recordings.Recording {
	t.Helper()
	ctx := context.Background()
	rec := testsupport.NewRecording(t, store, streamRef)
	rec.State = state
	rec.CurrentSegment = segments
	if err := store.UpdateRecording(ctx, rec); err != nil {
		t.Fatalf("UpdateRecording failed: %v", err)
	}
	for i := 1; i <= segments; i++ {
		if _, err := store.AddSegment(ctx, rec.ID, i, "/tmp/seg.ts"); err != nil {
			t.Fatalf("AddSegment failed: %v", err)
		}
	}
	return rec
}

func TestReconcileFinalizesDeadProducers(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	zombie := seedZombie(t, store, "stream-dead", recordings.StateActive, 2)

	rec := reconcile.New(store, scriptedOracle{live: map[string]bool{}}, &fakeResumer{}, nil)
	report, err := rec.ReconcileOnStartup(ctx)
	if err != nil {
		t.Fatalf("ReconcileOnStartup failed: %v", err)
	}
	if report.Scanned != 1 || len(report.Finalized) != 1 || len(report.Resumed) != 0 {
		t.Fatalf("unexpected report: %#v", report)
	}

	final, err := store.GetRecording(ctx, zombie.ID)
	if err != nil {
		t.Fatalf("GetRecording failed: %v", err)
	}
	if final.State != recordings.StateStopped {
		t.Fatalf("expected stopped state, got %s", final.State)
	}
	if final.EndedAt == nil {
		t.Fatal("expected ended_at estimate")
	}
	if final.PipelineState != recordings.PipelinePending {
		t.Fatalf("expected pipeline enqueued, got %q", final.PipelineState)
	}
}

func TestReconcileResumesLiveProducers(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	zombie := seedZombie(t, store, "stream-live", recordings.StateRecovering, 3)

	resumer := &fakeResumer{}
	rec := reconcile.New(store, scriptedOracle{live: map[string]bool{"stream-live": true}}, resumer, nil)
	report, err := rec.ReconcileOnStartup(ctx)
	if err != nil {
		t.Fatalf("ReconcileOnStartup failed: %v", err)
	}
	if len(report.Resumed) != 1 || report.Resumed[0] != zombie.ID {
		t.Fatalf("expected resume of %d, got %#v", zombie.ID, report)
	}
	if !resumer.resumed[zombie.ID] {
		t.Fatal("expected resumer to adopt the recording")
	}

	// A resumed recording keeps its id and is not finalized.
	final, err := store.GetRecording(ctx, zombie.ID)
	if err != nil {
		t.Fatalf("GetRecording failed: %v", err)
	}
	if final.State != recordings.StateRecovering {
		t.Fatalf("reconciler should not rewrite resumed state, got %s", final.State)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	dead := seedZombie(t, store, "stream-idem-dead", recordings.StateActive, 2)
	live := seedZombie(t, store, "stream-idem-live", recordings.StateActive, 1)

	oracle := scriptedOracle{live: map[string]bool{"stream-idem-live": true}}
	resumer := &fakeResumer{}
	rec := reconcile.New(store, oracle, resumer, nil)

	first, err := rec.ReconcileOnStartup(ctx)
	if err != nil {
		t.Fatalf("first ReconcileOnStartup failed: %v", err)
	}
	second, err := rec.ReconcileOnStartup(ctx)
	if err != nil {
		t.Fatalf("second ReconcileOnStartup failed: %v", err)
	}

	if len(first.Finalized) != 1 || len(first.Resumed) != 1 {
		t.Fatalf("unexpected first report: %#v", first)
	}
	// The second pass sees the still-adopted live recording but neither
	// finalizes anything again nor re-resumes it.
	if len(second.Finalized) != 0 || len(second.Resumed) != 0 {
		t.Fatalf("second pass should be a no-op, got %#v", second)
	}

	deadFinal, err := store.GetRecording(ctx, dead.ID)
	if err != nil {
		t.Fatalf("GetRecording failed: %v", err)
	}
	segments, err := store.SegmentsForRecording(ctx, dead.ID)
	if err != nil {
		t.Fatalf("SegmentsForRecording failed: %v", err)
	}
	if len(segments) != 2 {
		t.Fatalf("segment count changed across passes: %d", len(segments))
	}
	tasks, err := store.TasksForRecording(ctx, dead.ID)
	if err != nil {
		t.Fatalf("TasksForRecording failed: %v", err)
	}
	if len(tasks) != len(recordings.StageOrder) {
		t.Fatalf("pipeline double-enqueued: %d tasks", len(tasks))
	}
	if deadFinal.State != recordings.StateStopped {
		t.Fatalf("expected stopped, got %s", deadFinal.State)
	}
	_ = live
}

func TestReconcileFinalizesWhenOracleUnavailable(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	zombie := seedZombie(t, store, "stream-oracle-down", recordings.StateActive, 1)

	rec := reconcile.New(store, scriptedOracle{err: errors.New("oracle unreachable")}, &fakeResumer{}, nil)
	report, err := rec.ReconcileOnStartup(ctx)
	if err != nil {
		t.Fatalf("ReconcileOnStartup failed: %v", err)
	}
	if len(report.Finalized) != 1 {
		t.Fatalf("expected finalization despite oracle failure, got %#v", report)
	}

	final, err := store.GetRecording(ctx, zombie.ID)
	if err != nil {
		t.Fatalf("GetRecording failed: %v", err)
	}
	if final.State != recordings.StateStopped {
		t.Fatalf("expected stopped, got %s", final.State)
	}
}

func TestReconcileResetsCrashedPipelines(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	done := testsupport.NewRecording(t, store, "stream-pipeline-crash")
	done.State = recordings.StateCompleted
	if err := store.UpdateRecording(ctx, done); err != nil {
		t.Fatalf("UpdateRecording failed: %v", err)
	}
	if err := store.EnqueuePipeline(ctx, done.ID); err != nil {
		t.Fatalf("EnqueuePipeline failed: %v", err)
	}
	if _, err := store.ClaimNextPipeline(ctx); err != nil {
		t.Fatalf("ClaimNextPipeline failed: %v", err)
	}

	rec := reconcile.New(store, scriptedOracle{}, nil, nil)
	report, err := rec.ReconcileOnStartup(ctx)
	if err != nil {
		t.Fatalf("ReconcileOnStartup failed: %v", err)
	}
	if report.PipelinesReset != 1 {
		t.Fatalf("expected 1 pipeline reset, got %d", report.PipelinesReset)
	}

	final, err := store.GetRecording(ctx, done.ID)
	if err != nil {
		t.Fatalf("GetRecording failed: %v", err)
	}
	if final.PipelineState != recordings.PipelinePending {
		t.Fatalf("expected pipeline returned to pending, got %q", final.PipelineState)
	}
}
