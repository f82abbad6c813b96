package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"strand/internal/logging"
	"strand/internal/recordings"
	"strand/internal/services/ffmpeg"
)

// job carries the per-recording state shared by stages. Paths are derived
// deterministically from the recording id so an interrupted pipeline finds
// its earlier artifacts on resume.
type job struct {
	rec        *recordings.Recording
	segments   []*recordings.Segment
	stagingDir string
	artifact   string
	thumbnail  string
	log        *slog.Logger
}

func (m *Manager) newJob(rec *recordings.Recording, segments []*recordings.Segment, log *slog.Logger) *job {
	stagingDir := filepath.Join(m.cfg.Paths.StagingDir, fmt.Sprintf("recording-%d", rec.ID))
	ext := m.containerExt()
	return &job{
		rec:        rec,
		segments:   segments,
		stagingDir: stagingDir,
		artifact:   filepath.Join(stagingDir, "output."+ext),
		thumbnail:  filepath.Join(stagingDir, "thumbnail.jpg"),
		log:        log,
	}
}

// playableSegments returns the segment files that exist on disk with content.
// Zero-byte segments happen when a capture process died before its first
// write; they carry nothing worth keeping.
func (j *job) playableSegments() []string {
	paths := make([]string, 0, len(j.segments))
	for _, seg := range j.segments {
		info, err := os.Stat(seg.FilePath)
		if err != nil || info.Size() == 0 {
			continue
		}
		paths = append(paths, seg.FilePath)
	}
	return paths
}

func (j *job) tempOutput(suffix string) string {
	return j.artifact + "." + suffix + filepath.Ext(j.artifact)
}

func (m *Manager) stageRemux(ctx context.Context, j *job) (bool, error) {
	paths := j.playableSegments()
	if len(paths) == 0 {
		j.log.Info("no playable segments, remux skipped")
		return true, nil
	}
	if err := os.MkdirAll(j.stagingDir, 0o755); err != nil {
		return false, fmt.Errorf("create staging dir: %w", err)
	}
	return false, m.runner.Remux(ctx, paths, j.artifact)
}

func (m *Manager) stageMetadata(ctx context.Context, j *job) (bool, error) {
	if !fileExists(j.artifact) {
		return true, nil
	}
	tags := map[string]string{
		"title":   j.rec.StreamRef,
		"artist":  j.rec.ProducerRef,
		"date":    j.rec.StartedAt.UTC().Format("2006-01-02"),
		"comment": fmt.Sprintf("recorded by strand (recording %d, %d segments)", j.rec.ID, j.rec.CurrentSegment),
	}
	tmp := j.tempOutput("meta")
	if err := m.runner.InjectMetadata(ctx, j.artifact, tmp, tags); err != nil {
		_ = os.Remove(tmp)
		return false, err
	}
	return false, os.Rename(tmp, j.artifact)
}

func (m *Manager) stageChapters(ctx context.Context, j *job) (bool, error) {
	if !m.cfg.PostProcessing.EmbedChapterMarkers {
		return true, nil
	}
	if !fileExists(j.artifact) {
		return true, nil
	}
	paths := j.playableSegments()
	if len(paths) < 2 {
		// A single continuous capture has no boundaries worth marking.
		return true, nil
	}

	chapters := make([]ffmpeg.Chapter, 0, len(paths))
	var cursor time.Duration
	for i, path := range paths {
		duration, err := m.runner.Duration(ctx, path)
		if err != nil {
			return false, fmt.Errorf("probe segment duration: %w", err)
		}
		chapters = append(chapters, ffmpeg.Chapter{
			Title: fmt.Sprintf("Part %d", i+1),
			Start: cursor,
			End:   cursor + duration,
		})
		cursor += duration
	}

	tmp := j.tempOutput("chapters")
	if err := m.runner.InjectChapters(ctx, j.artifact, tmp, chapters); err != nil {
		_ = os.Remove(tmp)
		return false, err
	}
	return false, os.Rename(tmp, j.artifact)
}

func (m *Manager) stageThumbnail(ctx context.Context, j *job) (bool, error) {
	if !fileExists(j.artifact) {
		return true, nil
	}
	offset := time.Duration(m.cfg.PostProcessing.ThumbnailOffsetSecs) * time.Second
	if offset < 0 {
		offset = 0
	}
	// Short recordings get their frame from the midpoint instead of past the
	// end of the file.
	if duration, err := m.runner.Duration(ctx, j.artifact); err == nil && duration > 0 && offset >= duration {
		offset = duration / 2
	}
	return false, m.runner.ExtractThumbnail(ctx, j.artifact, j.thumbnail, offset)
}

func (m *Manager) stageFinalize(_ context.Context, j *job) (bool, error) {
	if !fileExists(j.artifact) {
		return true, nil
	}
	libraryDir := strings.TrimSpace(m.cfg.Paths.LibraryDir)
	if libraryDir == "" {
		// No library configured; the artifact stays in staging.
		return true, nil
	}
	if err := os.MkdirAll(libraryDir, 0o755); err != nil {
		return false, fmt.Errorf("create library dir: %w", err)
	}

	base := j.finalBaseName()
	dest := filepath.Join(libraryDir, base+filepath.Ext(j.artifact))
	if err := moveFile(j.artifact, dest); err != nil {
		return false, fmt.Errorf("move artifact to library: %w", err)
	}
	if fileExists(j.thumbnail) {
		thumbDest := filepath.Join(libraryDir, base+filepath.Ext(j.thumbnail))
		if err := moveFile(j.thumbnail, thumbDest); err != nil {
			j.log.Warn("move thumbnail to library", logging.Error(err))
		}
	}

	// Raw segments are consumed once the finished artifact is in the library.
	if err := os.RemoveAll(j.stagingDir); err != nil {
		j.log.Warn("clean staging dir", logging.Error(err))
	}
	j.log.Info("artifact moved to library", logging.String("path", dest))
	return false, nil
}

func (j *job) finalBaseName() string {
	started := j.rec.StartedAt.UTC().Format("20060102-150405")
	return fmt.Sprintf("%s-%s", sanitizeName(j.rec.StreamRef), started)
}

func (m *Manager) containerExt() string {
	ext := strings.TrimPrefix(strings.TrimSpace(m.cfg.PostProcessing.FinalContainerFormat), ".")
	if ext == "" {
		ext = "mp4"
	}
	return ext
}

func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "recording"
	}
	return b.String()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// moveFile renames when possible and falls back to copy and remove for
// cross-filesystem moves, the common case when the library is a mount.
func moveFile(src, dest string) error {
	if err := os.Rename(src, dest); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(dest)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
