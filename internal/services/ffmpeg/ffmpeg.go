// Package ffmpeg wraps the ffmpeg and ffprobe binaries for post-processing:
// lossless segment concatenation, metadata and chapter injection, and
// thumbnail extraction.
package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Executor abstracts command execution for testability.
type Executor interface {
	Run(ctx context.Context, binary string, args []string, onStderr func(string)) error
}

// Runner performs the media transformations used by the pipeline stages.
type Runner interface {
	// Remux losslessly concatenates the segment files into a single
	// container at outputPath.
	Remux(ctx context.Context, segmentPaths []string, outputPath string) error
	// InjectMetadata rewrites the container with the provided key/value
	// metadata tags.
	InjectMetadata(ctx context.Context, inputPath, outputPath string, tags map[string]string) error
	// InjectChapters rewrites the container with chapter markers placed at
	// each segment boundary.
	InjectChapters(ctx context.Context, inputPath, outputPath string, chapters []Chapter) error
	// ExtractThumbnail writes a single frame taken at the given offset.
	ExtractThumbnail(ctx context.Context, inputPath, outputPath string, offset time.Duration) error
	// Duration probes the container's playback length.
	Duration(ctx context.Context, inputPath string) (time.Duration, error)
}

// Chapter is one chapter marker for injection.
type Chapter struct {
	Title string
	Start time.Duration
	End   time.Duration
}

// Option configures the client.
type Option func(*Client)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec Executor) Option {
	return func(c *Client) {
		if exec != nil {
			c.exec = exec
		}
	}
}

// Client wraps ffmpeg CLI interactions.
type Client struct {
	binary string
	exec   Executor
}

// New constructs an ffmpeg client.
func New(binary string, opts ...Option) (*Client, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return nil, errors.New("ffmpeg binary required")
	}
	client := &Client{
		binary: binary,
		exec:   commandExecutor{},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// Remux concatenates segments with the concat demuxer and stream copy so no
// re-encoding happens.
func (c *Client) Remux(ctx context.Context, segmentPaths []string, outputPath string) error {
	if len(segmentPaths) == 0 {
		return errors.New("no segments to remux")
	}
	if outputPath == "" {
		return errors.New("output path required")
	}

	listPath, err := writeConcatList(segmentPaths, outputPath)
	if err != nil {
		return err
	}
	defer os.Remove(listPath)

	args := []string{
		"-hide_banner", "-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		outputPath,
	}
	return c.run(ctx, args, "remux")
}

// InjectMetadata rewrites the container with stream copy, adding tags.
func (c *Client) InjectMetadata(ctx context.Context, inputPath, outputPath string, tags map[string]string) error {
	if inputPath == "" || outputPath == "" {
		return errors.New("input and output paths required")
	}
	args := []string{"-hide_banner", "-y", "-i", inputPath}
	keys := make([]string, 0, len(tags))
	for key := range tags {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		args = append(args, "-metadata", key+"="+tags[key])
	}
	args = append(args, "-c", "copy", outputPath)
	return c.run(ctx, args, "inject metadata")
}

// InjectChapters writes an ffmetadata file and rewrites the container with it.
func (c *Client) InjectChapters(ctx context.Context, inputPath, outputPath string, chapters []Chapter) error {
	if inputPath == "" || outputPath == "" {
		return errors.New("input and output paths required")
	}
	if len(chapters) == 0 {
		return errors.New("no chapters to inject")
	}

	metaPath, err := writeChapterMetadata(chapters, outputPath)
	if err != nil {
		return err
	}
	defer os.Remove(metaPath)

	args := []string{
		"-hide_banner", "-y",
		"-i", inputPath,
		"-i", metaPath,
		"-map_metadata", "1",
		"-map_chapters", "1",
		"-c", "copy",
		outputPath,
	}
	return c.run(ctx, args, "inject chapters")
}

// ExtractThumbnail grabs a single frame at the offset.
func (c *Client) ExtractThumbnail(ctx context.Context, inputPath, outputPath string, offset time.Duration) error {
	if inputPath == "" || outputPath == "" {
		return errors.New("input and output paths required")
	}
	if offset < 0 {
		offset = 0
	}
	args := []string{
		"-hide_banner", "-y",
		"-ss", formatSeconds(offset),
		"-i", inputPath,
		"-frames:v", "1",
		"-q:v", "2",
		outputPath,
	}
	return c.run(ctx, args, "extract thumbnail")
}

// Duration probes the container length via ffprobe. The probe binary is
// derived from the ffmpeg binary name so custom install locations work.
func (c *Client) Duration(ctx context.Context, inputPath string) (time.Duration, error) {
	if inputPath == "" {
		return 0, errors.New("input path required")
	}
	probe := probeBinary(c.binary)
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		inputPath,
	}

	var lines []string
	if err := c.exec.Run(ctx, probe, args, func(line string) {
		lines = append(lines, line)
	}); err != nil {
		return 0, fmt.Errorf("ffprobe duration: %w", err)
	}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		seconds, err := strconv.ParseFloat(line, 64)
		if err != nil {
			continue
		}
		return time.Duration(seconds * float64(time.Second)), nil
	}
	return 0, errors.New("ffprobe returned no duration")
}

func (c *Client) run(ctx context.Context, args []string, op string) error {
	var tail []string
	err := c.exec.Run(ctx, c.binary, args, func(line string) {
		tail = append(tail, line)
		if len(tail) > 16 {
			tail = tail[len(tail)-16:]
		}
	})
	if err != nil {
		if len(tail) > 0 {
			return fmt.Errorf("ffmpeg %s: %w: %s", op, err, strings.Join(tail, " | "))
		}
		return fmt.Errorf("ffmpeg %s: %w", op, err)
	}
	return nil
}

func probeBinary(ffmpegBinary string) string {
	dir, base := filepath.Split(ffmpegBinary)
	replaced := strings.Replace(base, "ffmpeg", "ffprobe", 1)
	if replaced == base {
		return "ffprobe"
	}
	return dir + replaced
}

func writeConcatList(segmentPaths []string, outputPath string) (string, error) {
	var b strings.Builder
	for _, path := range segmentPaths {
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", fmt.Errorf("resolve segment path %q: %w", path, err)
		}
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(abs, "'", `'\''`))
		b.WriteString("'\n")
	}

	listPath := outputPath + ".concat.txt"
	if err := os.WriteFile(listPath, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("write concat list: %w", err)
	}
	return listPath, nil
}

func writeChapterMetadata(chapters []Chapter, outputPath string) (string, error) {
	var b strings.Builder
	b.WriteString(";FFMETADATA1\n")
	for _, ch := range chapters {
		b.WriteString("[CHAPTER]\nTIMEBASE=1/1000\n")
		fmt.Fprintf(&b, "START=%d\n", ch.Start.Milliseconds())
		fmt.Fprintf(&b, "END=%d\n", ch.End.Milliseconds())
		fmt.Fprintf(&b, "title=%s\n", ch.Title)
	}

	metaPath := outputPath + ".ffmeta"
	if err := os.WriteFile(metaPath, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("write chapter metadata: %w", err)
	}
	return metaPath, nil
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

type commandExecutor struct{}

func (commandExecutor) Run(ctx context.Context, binary string, args []string, onStderr func(string)) error {
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start command: %w", err)
	}

	var wg sync.WaitGroup
	scan := func(r io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
		for scanner.Scan() {
			if onStderr != nil {
				onStderr(scanner.Text())
			}
		}
	}
	wg.Add(2)
	go scan(stdout)
	go scan(stderr)
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("run %s: %w", binary, err)
	}
	return nil
}
