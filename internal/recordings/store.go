package recordings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"strand/internal/config"
)

// Store manages recorder persistence backed by SQLite. It is the single
// repository for recordings, segments, proxies, and post-processing tasks.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the recorder database and applies migrations.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	dbPath := filepath.Join(cfg.Paths.LogDir, "strand.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath}
	if err := store.applyMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// NewRecording inserts a recording in the starting state with segment 1.
func (s *Store) NewRecording(ctx context.Context, streamRef, producerRef string) (*Recording, error) {
	if streamRef == "" {
		return nil, errors.New("stream ref is required")
	}
	if producerRef == "" {
		producerRef = streamRef
	}
	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)

	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO recordings (
            stream_ref, producer_ref, state, current_segment,
            started_at, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		streamRef,
		producerRef,
		StateStarting,
		1,
		timestamp,
		timestamp,
		timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert recording: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}

	return s.GetRecording(ctx, id)
}

// GetRecording fetches a recording by identifier.
func (s *Store) GetRecording(ctx context.Context, id int64) (*Recording, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordingColumns+` FROM recordings WHERE id = ?`, id)
	rec, err := scanRecording(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get recording: %w", err)
	}
	return rec, nil
}

// UpdateRecording persists changes to an existing recording.
func (s *Store) UpdateRecording(ctx context.Context, rec *Recording) error {
	if rec == nil {
		return errors.New("recording is nil")
	}
	rec.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE recordings
         SET stream_ref = ?, producer_ref = ?, state = ?, current_segment = ?,
             current_proxy_id = ?, recovery_count = ?, last_recovery_at = ?,
             error_kind = ?, error_message = ?, pipeline_state = ?, pipeline_stage = ?,
             started_at = ?, ended_at = ?, updated_at = ?
         WHERE id = ?`,
		rec.StreamRef,
		rec.ProducerRef,
		rec.State,
		rec.CurrentSegment,
		nullableInt64(rec.CurrentProxyID),
		rec.RecoveryCount,
		nullableTime(rec.LastRecoveryAt),
		nullableString(string(rec.ErrorKind)),
		nullableString(rec.ErrorMessage),
		nullableString(string(rec.PipelineState)),
		nullableString(string(rec.PipelineStage)),
		rec.StartedAt.UTC().Format(time.RFC3339Nano),
		nullableTime(rec.EndedAt),
		rec.UpdatedAt.Format(time.RFC3339Nano),
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("update recording: %w", err)
	}
	return nil
}

// RecordingsInStates returns recordings matching any of the provided states,
// oldest first. With no states it returns everything.
func (s *Store) RecordingsInStates(ctx context.Context, states ...State) ([]*Recording, error) {
	var (
		rows *sql.Rows
		err  error
	)

	baseQuery := `SELECT ` + recordingColumns + ` FROM recordings`
	orderClause := ` ORDER BY created_at`

	if len(states) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(states))
		args := make([]any, len(states))
		for i, state := range states {
			args[i] = state
		}
		rows, err = s.db.QueryContext(ctx, baseQuery+` WHERE state IN (`+placeholders+`)`+orderClause, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	defer rows.Close()

	var recs []*Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ActiveRecordingForStream returns the in-progress recording for a stream, if any.
func (s *Store) ActiveRecordingForStream(ctx context.Context, streamRef string) (*Recording, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+recordingColumns+` FROM recordings
         WHERE stream_ref = ? AND state IN (?, ?, ?) ORDER BY id LIMIT 1`,
		streamRef, StateStarting, StateActive, StateRecovering,
	)
	rec, err := scanRecording(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active recording: %w", err)
	}
	return rec, nil
}

// Stats returns a count of recordings grouped by state.
func (s *Store) Stats(ctx context.Context) (map[State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(1) FROM recordings GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("recording stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[State]int)
	for rows.Next() {
		var state State
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		stats[state] = count
	}
	return stats, rows.Err()
}

// Health aggregates recording state for diagnostic output.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return HealthSummary{}, err
	}
	health := HealthSummary{}
	for state, count := range stats {
		health.Total += count
		switch state {
		case StateCompleted:
			health.Completed += count
		case StateFailed:
			health.Failed += count
		case StateStopped:
			health.Stopped += count
		default:
			if state.IsInProgress() {
				health.InProgress += count
			}
		}
	}
	return health, nil
}

const recordingColumns = "id, stream_ref, producer_ref, state, current_segment, current_proxy_id, recovery_count, last_recovery_at, error_kind, error_message, pipeline_state, pipeline_stage, started_at, ended_at, created_at, updated_at"

func scanRecording(scanner interface{ Scan(dest ...any) error }) (*Recording, error) {
	var (
		id             int64
		streamRef      string
		producerRef    string
		stateStr       string
		currentSegment int
		proxyID        sql.NullInt64
		recoveryCount  int
		lastRecovery   sql.NullString
		errorKind      sql.NullString
		errorMessage   sql.NullString
		pipelineState  sql.NullString
		pipelineStage  sql.NullString
		startedRaw     sql.NullString
		endedRaw       sql.NullString
		createdRaw     sql.NullString
		updatedRaw     sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&streamRef,
		&producerRef,
		&stateStr,
		&currentSegment,
		&proxyID,
		&recoveryCount,
		&lastRecovery,
		&errorKind,
		&errorMessage,
		&pipelineState,
		&pipelineStage,
		&startedRaw,
		&endedRaw,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	rec := &Recording{
		ID:             id,
		StreamRef:      streamRef,
		ProducerRef:    producerRef,
		State:          State(stateStr),
		CurrentSegment: currentSegment,
		RecoveryCount:  recoveryCount,
		ErrorKind:      ErrorKind(errorKind.String),
		ErrorMessage:   errorMessage.String,
		PipelineState:  PipelineStatus(pipelineState.String),
		PipelineStage:  Stage(pipelineStage.String),
	}
	if proxyID.Valid {
		v := proxyID.Int64
		rec.CurrentProxyID = &v
	}
	if t, err := parseTimeString(lastRecovery.String); err == nil {
		rec.LastRecoveryAt = &t
	}
	if t, err := parseTimeString(startedRaw.String); err == nil {
		rec.StartedAt = t
	}
	if t, err := parseTimeString(endedRaw.String); err == nil {
		rec.EndedAt = &t
	}
	if t, err := parseTimeString(createdRaw.String); err == nil {
		rec.CreatedAt = t
	}
	if t, err := parseTimeString(updatedRaw.String); err == nil {
		rec.UpdatedAt = t
	}
	return rec, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableInt64(value *int64) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
