package recordings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AddSegment records a new segment file for a recording. Segment numbers are
// unique per recording so a retried insert surfaces as a constraint error.
func (s *Store) AddSegment(ctx context.Context, recordingID int64, segmentNumber int, filePath string) (*Segment, error) {
	if filePath == "" {
		return nil, errors.New("segment file path is required")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO segments (recording_id, segment_number, file_path, created_at)
         VALUES (?, ?, ?, ?)`,
		recordingID,
		segmentNumber,
		filePath,
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert segment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return &Segment{
		ID:            id,
		RecordingID:   recordingID,
		SegmentNumber: segmentNumber,
		FilePath:      filePath,
		CreatedAt:     now,
	}, nil
}

// FinalizeSegment records the on-disk size of a segment once its capture
// process has exited.
func (s *Store) FinalizeSegment(ctx context.Context, segmentID int64, byteSize int64) error {
	if byteSize < 0 {
		byteSize = 0
	}
	res, err := s.db.ExecContext(ctx, `UPDATE segments SET byte_size = ? WHERE id = ?`, byteSize, segmentID)
	if err != nil {
		return fmt.Errorf("finalize segment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize segment rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("segment %d not found", segmentID)
	}
	return nil
}

// MaxSegmentNumber returns the highest persisted segment number for a
// recording, 0 when none exist. The supervisor resumes from this rather than
// the recording's counter, which can lag behind after a crash.
func (s *Store) MaxSegmentNumber(ctx context.Context, recordingID int64) (int, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT COALESCE(MAX(segment_number), 0) FROM segments WHERE recording_id = ?`,
		recordingID,
	)
	var max int
	if err := row.Scan(&max); err != nil {
		return 0, fmt.Errorf("max segment number: %w", err)
	}
	return max, nil
}

// SegmentsForRecording returns a recording's segments in capture order.
func (s *Store) SegmentsForRecording(ctx context.Context, recordingID int64) ([]*Segment, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, recording_id, segment_number, file_path, byte_size, created_at
         FROM segments WHERE recording_id = ? ORDER BY segment_number`,
		recordingID,
	)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()

	var segments []*Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

func scanSegment(scanner interface{ Scan(dest ...any) error }) (*Segment, error) {
	var (
		seg        Segment
		createdRaw sql.NullString
	)
	if err := scanner.Scan(
		&seg.ID,
		&seg.RecordingID,
		&seg.SegmentNumber,
		&seg.FilePath,
		&seg.ByteSize,
		&createdRaw,
	); err != nil {
		return nil, err
	}
	if t, err := parseTimeString(createdRaw.String); err == nil {
		seg.CreatedAt = t
	}
	return &seg, nil
}
