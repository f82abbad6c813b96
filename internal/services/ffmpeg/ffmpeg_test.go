package ffmpeg_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"strand/internal/services/ffmpeg"
)

type recordingExecutor struct {
	calls   [][]string
	binary  []string
	stderr  []string
	failErr error
}

func (r *recordingExecutor) Run(_ context.Context, binary string, args []string, onStderr func(string)) error {
	r.binary = append(r.binary, binary)
	r.calls = append(r.calls, append([]string(nil), args...))
	for _, line := range r.stderr {
		onStderr(line)
	}
	return r.failErr
}

func TestRemuxBuildsConcatInvocation(t *testing.T) {
	exec := &recordingExecutor{}
	client, err := ffmpeg.New("ffmpeg", ffmpeg.WithExecutor(exec))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	dir := t.TempDir()
	output := filepath.Join(dir, "final.mp4")
	segA := filepath.Join(dir, "part1.ts")
	segB := filepath.Join(dir, "part2.ts")

	if err := client.Remux(context.Background(), []string{segA, segB}, output); err != nil {
		t.Fatalf("Remux failed: %v", err)
	}
	if len(exec.calls) != 1 {
		t.Fatalf("expected 1 invocation, got %d", len(exec.calls))
	}

	args := strings.Join(exec.calls[0], " ")
	if !strings.Contains(args, "-f concat") {
		t.Fatalf("expected concat demuxer, got %s", args)
	}
	if !strings.Contains(args, "-c copy") {
		t.Fatalf("expected stream copy, got %s", args)
	}
	if !strings.HasSuffix(args, output) {
		t.Fatalf("expected output path last, got %s", args)
	}

	// The temp list is cleaned up after the invocation.
	if _, err := os.Stat(output + ".concat.txt"); !os.IsNotExist(err) {
		t.Fatal("expected concat list to be removed")
	}
}

func TestRemuxRequiresSegments(t *testing.T) {
	client, err := ffmpeg.New("ffmpeg", ffmpeg.WithExecutor(&recordingExecutor{}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := client.Remux(context.Background(), nil, "/tmp/out.mp4"); err == nil {
		t.Fatal("expected error for empty segment list")
	}
}

func TestInjectMetadataOrdersTags(t *testing.T) {
	exec := &recordingExecutor{}
	client, err := ffmpeg.New("ffmpeg", ffmpeg.WithExecutor(exec))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	tags := map[string]string{"title": "Morning Show", "artist": "alpha"}
	if err := client.InjectMetadata(context.Background(), "/tmp/in.mp4", "/tmp/out.mp4", tags); err != nil {
		t.Fatalf("InjectMetadata failed: %v", err)
	}

	args := strings.Join(exec.calls[0], " ")
	artistIdx := strings.Index(args, "artist=alpha")
	titleIdx := strings.Index(args, "title=Morning Show")
	if artistIdx == -1 || titleIdx == -1 || artistIdx > titleIdx {
		t.Fatalf("expected sorted metadata tags, got %s", args)
	}
}

func TestInjectChaptersWritesMetadataFile(t *testing.T) {
	exec := &recordingExecutor{}
	client, err := ffmpeg.New("ffmpeg", ffmpeg.WithExecutor(exec))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	dir := t.TempDir()
	output := filepath.Join(dir, "final.mp4")
	chapters := []ffmpeg.Chapter{
		{Title: "Segment 1", Start: 0, End: 90 * time.Second},
		{Title: "Segment 2", Start: 90 * time.Second, End: 200 * time.Second},
	}
	if err := client.InjectChapters(context.Background(), "/tmp/in.mp4", output, chapters); err != nil {
		t.Fatalf("InjectChapters failed: %v", err)
	}

	args := strings.Join(exec.calls[0], " ")
	if !strings.Contains(args, "-map_chapters 1") {
		t.Fatalf("expected chapter mapping, got %s", args)
	}
}

func TestExtractThumbnailClampsOffset(t *testing.T) {
	exec := &recordingExecutor{}
	client, err := ffmpeg.New("ffmpeg", ffmpeg.WithExecutor(exec))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := client.ExtractThumbnail(context.Background(), "/tmp/in.mp4", "/tmp/thumb.jpg", -5*time.Second); err != nil {
		t.Fatalf("ExtractThumbnail failed: %v", err)
	}
	args := strings.Join(exec.calls[0], " ")
	if !strings.Contains(args, "-ss 0.000") {
		t.Fatalf("expected clamped offset, got %s", args)
	}
}

func TestDurationParsesProbeOutput(t *testing.T) {
	exec := &recordingExecutor{stderr: []string{"1832.407000"}}
	client, err := ffmpeg.New("/usr/local/bin/ffmpeg", ffmpeg.WithExecutor(exec))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	duration, err := client.Duration(context.Background(), "/tmp/in.mp4")
	if err != nil {
		t.Fatalf("Duration failed: %v", err)
	}
	if duration < 1832*time.Second || duration > 1833*time.Second {
		t.Fatalf("unexpected duration: %s", duration)
	}
	if exec.binary[0] != "/usr/local/bin/ffprobe" {
		t.Fatalf("expected derived ffprobe binary, got %s", exec.binary[0])
	}
}
