package recordings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// EnqueuePipeline marks a recording pending for post-processing and creates
// one pending task per stage. The call is idempotent: if tasks already exist
// for the recording it leaves them alone so a crashed enqueue can be retried
// safely.
func (s *Store) EnqueuePipeline(ctx context.Context, recordingID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin enqueue tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var existing int
	row := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM postproc_tasks WHERE recording_id = ?`, recordingID)
	if err := row.Scan(&existing); err != nil {
		return fmt.Errorf("count pipeline tasks: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if existing == 0 {
		for _, stage := range StageOrder {
			if _, err := tx.ExecContext(
				ctx,
				`INSERT INTO postproc_tasks (recording_id, stage, status, created_at, updated_at)
                 VALUES (?, ?, ?, ?, ?)`,
				recordingID, stage, TaskPending, now, now,
			); err != nil {
				return fmt.Errorf("insert pipeline task %s: %w", stage, err)
			}
		}
	}

	if _, err := tx.ExecContext(
		ctx,
		`UPDATE recordings SET pipeline_state = ?, updated_at = ? WHERE id = ? AND (pipeline_state IS NULL OR pipeline_state = '' OR pipeline_state = ?)`,
		PipelinePending, now, recordingID, PipelinePending,
	); err != nil {
		return fmt.Errorf("mark pipeline pending: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit enqueue tx: %w", err)
	}
	return nil
}

// ClaimNextPipeline atomically claims the oldest recording awaiting
// post-processing and moves it to running. Returns nil when nothing is
// pending.
func (s *Store) ClaimNextPipeline(ctx context.Context) (*Recording, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	row := tx.QueryRowContext(
		ctx,
		`SELECT `+recordingColumns+` FROM recordings
         WHERE pipeline_state = ? AND state IN (?, ?)
         ORDER BY created_at LIMIT 1`,
		PipelinePending, StateCompleted, StateStopped,
	)
	rec, err := scanRecording(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim pipeline recording: %w", err)
	}

	now := time.Now().UTC()
	rec.PipelineState = PipelineRunning
	rec.UpdatedAt = now
	res, err := tx.ExecContext(
		ctx,
		`UPDATE recordings SET pipeline_state = ?, updated_at = ? WHERE id = ? AND pipeline_state = ?`,
		PipelineRunning, now.Format(time.RFC3339Nano), rec.ID, PipelinePending,
	)
	if err != nil {
		return nil, fmt.Errorf("mark pipeline running: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("mark pipeline running rows: %w", err)
	}
	if affected != 1 {
		// Another worker flipped the state between select and update.
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}
	return rec, nil
}

// ResetRunningPipelines returns recordings whose pipeline was mid-flight to
// pending so work interrupted by a crash runs again from its first unfinished
// stage. Running tasks are returned to pending as well.
func (s *Store) ResetRunningPipelines(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin reset tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := tx.ExecContext(
		ctx,
		`UPDATE recordings SET pipeline_state = ?, updated_at = ? WHERE pipeline_state = ?`,
		PipelinePending, now, PipelineRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("reset running pipelines: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset running pipelines rows: %w", err)
	}

	if _, err := tx.ExecContext(
		ctx,
		`UPDATE postproc_tasks SET status = ?, updated_at = ? WHERE status = ?`,
		TaskPending, now, TaskRunning,
	); err != nil {
		return 0, fmt.Errorf("reset running tasks: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit reset tx: %w", err)
	}
	return int(affected), nil
}

// RetryPipeline returns a failed pipeline to pending so the workers run its
// unfinished stages again. Failed and skipped tasks go back to pending;
// succeeded stages keep their outcome.
func (s *Store) RetryPipeline(ctx context.Context, recordingID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin retry tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := tx.ExecContext(
		ctx,
		`UPDATE recordings SET pipeline_state = ?, pipeline_stage = NULL, updated_at = ? WHERE id = ? AND pipeline_state = ?`,
		PipelinePending, now, recordingID, PipelineFailed,
	)
	if err != nil {
		return fmt.Errorf("retry pipeline: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("retry pipeline rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("recording %d has no failed pipeline", recordingID)
	}

	if _, err := tx.ExecContext(
		ctx,
		`UPDATE postproc_tasks SET status = ?, retry_count = 0, error_message = NULL, updated_at = ?
         WHERE recording_id = ? AND status IN (?, ?)`,
		TaskPending, now, recordingID, TaskFailed, TaskSkipped,
	); err != nil {
		return fmt.Errorf("retry pipeline tasks: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit retry tx: %w", err)
	}
	return nil
}

// TasksForRecording returns a recording's pipeline tasks in stage order.
func (s *Store) TasksForRecording(ctx context.Context, recordingID int64) ([]*Task, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, recording_id, stage, status, retry_count, error_message, created_at, updated_at
         FROM postproc_tasks WHERE recording_id = ?`,
		recordingID,
	)
	if err != nil {
		return nil, fmt.Errorf("list pipeline tasks: %w", err)
	}
	defer rows.Close()

	byStage := make(map[Stage]*Task, len(StageOrder))
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		byStage[task.Stage] = task
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tasks := make([]*Task, 0, len(byStage))
	for _, stage := range StageOrder {
		if task, ok := byStage[stage]; ok {
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}

// UpdateTask persists a task's status, retry count, and error summary.
func (s *Store) UpdateTask(ctx context.Context, task *Task) error {
	if task == nil {
		return errors.New("task is nil")
	}
	task.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE postproc_tasks
         SET status = ?, retry_count = ?, error_message = ?, updated_at = ?
         WHERE id = ?`,
		task.Status,
		task.RetryCount,
		nullableString(task.ErrorMessage),
		task.UpdatedAt.Format(time.RFC3339Nano),
		task.ID,
	)
	if err != nil {
		return fmt.Errorf("update pipeline task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update pipeline task rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("pipeline task %d not found", task.ID)
	}
	return nil
}

// FinalizePipeline writes the terminal pipeline state for a recording along
// with the stage that determined the outcome.
func (s *Store) FinalizePipeline(ctx context.Context, recordingID int64, state PipelineStatus, stage Stage) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE recordings SET pipeline_state = ?, pipeline_stage = ?, updated_at = ? WHERE id = ?`,
		state,
		nullableString(string(stage)),
		time.Now().UTC().Format(time.RFC3339Nano),
		recordingID,
	)
	if err != nil {
		return fmt.Errorf("finalize pipeline: %w", err)
	}
	return nil
}

func scanTask(scanner interface{ Scan(dest ...any) error }) (*Task, error) {
	var (
		task       Task
		stageStr   string
		statusStr  string
		errorRaw   sql.NullString
		createdRaw sql.NullString
		updatedRaw sql.NullString
	)
	if err := scanner.Scan(
		&task.ID,
		&task.RecordingID,
		&stageStr,
		&statusStr,
		&task.RetryCount,
		&errorRaw,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}
	task.Stage = Stage(stageStr)
	task.Status = TaskStatus(statusStr)
	task.ErrorMessage = errorRaw.String
	if t, err := parseTimeString(createdRaw.String); err == nil {
		task.CreatedAt = t
	}
	if t, err := parseTimeString(updatedRaw.String); err == nil {
		task.UpdatedAt = t
	}
	return &task, nil
}
