// Package capture wraps the external stream capture tool. It launches one
// process per segment, tails its output for failure classification, and
// escalates from SIGTERM to SIGKILL on stop.
package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"strand/internal/config"
)

// Request describes one capture process invocation. A capture writes exactly
// one segment file and exits when the source stops or the process is stopped.
type Request struct {
	StreamRef  string
	OutputPath string
	ProxyURL   string
	Quality    string
}

// Result summarizes a finished capture process.
type Result struct {
	ExitCode int
	Output   string
	Err      error
}

// Process is a handle to a running capture.
type Process interface {
	// Done is closed once the process has exited and its Result is available.
	Done() <-chan struct{}
	// Result returns the exit summary. Valid only after Done is closed.
	Result() Result
	// Stop requests a graceful shutdown: SIGTERM, then SIGKILL once the
	// configured grace period elapses. It returns when the process exits.
	Stop(ctx context.Context) error
}

// Factory launches capture processes.
type Factory interface {
	Start(ctx context.Context, req Request) (Process, error)
}

// NewFactory builds the exec-backed factory for the configured capture tool.
func NewFactory(cfg *config.Config) (Factory, error) {
	binary := strings.TrimSpace(cfg.CaptureBinary())
	if binary == "" {
		return nil, errors.New("capture binary required")
	}
	grace := time.Duration(cfg.Capture.GraceSeconds) * time.Second
	if grace <= 0 {
		grace = 10 * time.Second
	}
	return &execFactory{
		binary:    binary,
		extraArgs: append([]string(nil), cfg.Capture.ExtraArgs...),
		grace:     grace,
	}, nil
}

func buildArgs(extra []string, req Request) ([]string, error) {
	if strings.TrimSpace(req.StreamRef) == "" {
		return nil, errors.New("stream ref required")
	}
	if strings.TrimSpace(req.OutputPath) == "" {
		return nil, errors.New("output path required")
	}
	quality := req.Quality
	if quality == "" {
		quality = "best"
	}

	args := append([]string(nil), extra...)
	if req.ProxyURL != "" {
		args = append(args, "--http-proxy", req.ProxyURL)
	}
	args = append(args, "--output", req.OutputPath, req.StreamRef, quality)
	return args, nil
}

// ExitError is returned in Result.Err when the process exited nonzero.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("capture process exited with code %d", e.Code)
}
