package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	StagingDir string `toml:"staging_dir"`
	LibraryDir string `toml:"library_dir"`
	LogDir     string `toml:"log_dir"`
	APIBind    string `toml:"api_bind"`
}

// Capture contains configuration for the external capture tool.
type Capture struct {
	Binary               string   `toml:"binary"`
	ExtraArgs            []string `toml:"extra_args"`
	GraceSeconds         int      `toml:"grace_seconds"`
	MinFreeGiB           int      `toml:"min_free_gib"`
	TransientSignatures  []string `toml:"transient_signatures"`
	SourceEndSignatures  []string `toml:"source_end_signatures"`
	FatalSignatures      []string `toml:"fatal_signatures"`
	MaxRecoveryAttempts  int      `toml:"max_recovery_attempts"`
	RecoveryDelaySeconds int      `toml:"recovery_delay_seconds"`
}

// Proxies contains configuration for relay selection and health probing.
type Proxies struct {
	ProbeInterval          int    `toml:"probe_interval"`
	ProbeTimeout           int    `toml:"probe_timeout"`
	ProbeURL               string `toml:"probe_url"`
	ProbeWorkers           int    `toml:"probe_workers"`
	MaxConsecutiveFailures int    `toml:"max_consecutive_failures"`
	FallbackToDirect       bool   `toml:"fallback_to_direct_connection"`
}

// Liveness contains configuration for the broadcast liveness oracle.
type Liveness struct {
	BaseURL         string `toml:"base_url"`
	RequestTimeout  int    `toml:"request_timeout"`
	RetryAttempts   int    `toml:"retry_attempts"`
	CacheTTLSeconds int    `toml:"cache_ttl_seconds"`
}

// PostProcessing contains configuration for the pipeline worker pool.
type PostProcessing struct {
	Workers              int    `toml:"workers"`
	StageRetryLimit      int    `toml:"stage_retry_limit"`
	RemuxBackoffSeconds  int    `toml:"remux_backoff_seconds"`
	FFmpegBinary         string `toml:"ffmpeg_binary"`
	ThumbnailOffsetSecs  int    `toml:"thumbnail_offset_seconds"`
	EmbedChapterMarkers  bool   `toml:"embed_chapter_markers"`
	FinalContainerFormat string `toml:"final_container_format"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	Started        bool   `toml:"started"`
	Completed      bool   `toml:"completed"`
	Failed         bool   `toml:"failed"`
	Errors         bool   `toml:"errors"`
}

// Workflow contains daemon timing and shutdown intervals.
type Workflow struct {
	QueuePollInterval    int `toml:"queue_poll_interval"`
	ErrorRetryInterval   int `toml:"error_retry_interval"`
	ShutdownGraceSeconds int `toml:"shutdown_grace_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for Strand.
//
// Configuration sections by subsystem:
//   - Paths: directories and API bind address
//   - Capture: external capture tool and failure signature tables
//   - Proxies: relay probing cadence and failover thresholds
//   - Liveness: broadcast liveness oracle endpoint
//   - PostProcessing: pipeline worker pool and ffmpeg settings
//   - Notifications: ntfy push notification settings
//   - Workflow: polling intervals and shutdown grace
//   - Logging: log format and level
type Config struct {
	Paths          Paths          `toml:"paths"`
	Capture        Capture        `toml:"capture"`
	Proxies        Proxies        `toml:"proxies"`
	Liveness       Liveness       `toml:"liveness"`
	PostProcessing PostProcessing `toml:"postprocessing"`
	Notifications  Notifications  `toml:"notifications"`
	Workflow       Workflow       `toml:"workflow"`
	Logging        Logging        `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/strand/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("strand.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
// LibraryDir is created on a best-effort basis so the daemon can run when
// external storage is temporarily unavailable.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StagingDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if strings.TrimSpace(c.Paths.LibraryDir) != "" {
		_ = os.MkdirAll(c.Paths.LibraryDir, 0o755)
	}
	return nil
}

// CaptureBinary returns the capture tool executable name.
func (c *Config) CaptureBinary() string {
	if strings.TrimSpace(c.Capture.Binary) == "" {
		return "streamlink"
	}
	return c.Capture.Binary
}

// FFmpegBinary returns the ffmpeg executable used by the post-processing pipeline.
func (c *Config) FFmpegBinary() string {
	if strings.TrimSpace(c.PostProcessing.FFmpegBinary) == "" {
		return "ffmpeg"
	}
	return c.PostProcessing.FFmpegBinary
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
