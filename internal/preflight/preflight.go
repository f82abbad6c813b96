// Package preflight verifies the environment before capture work starts:
// directory access, free disk space, and external binary availability.
package preflight

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"

	"strand/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// RunAll executes all applicable preflight checks for the given config.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}
	_ = ctx

	var results []Result

	results = append(results, CheckDirectoryAccess("Staging directory", cfg.Paths.StagingDir))
	if cfg.Paths.LibraryDir != "" {
		results = append(results, CheckDirectoryAccess("Library directory", cfg.Paths.LibraryDir))
	}
	results = append(results, CheckFreeSpace("Staging free space", cfg.Paths.StagingDir, cfg.Capture.MinFreeGiB))
	results = append(results, CheckBinary("Capture tool", cfg.CaptureBinary()))
	results = append(results, CheckBinary("FFmpeg", cfg.FFmpegBinary()))

	return results
}

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckFreeSpace verifies that the filesystem holding path has at least
// minFreeGiB available. A zero minimum always passes.
func CheckFreeSpace(name, path string, minFreeGiB int) Result {
	free, err := FreeSpace(path)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %v)", path, err)}
	}
	freeGiB := float64(free) / (1 << 30)
	if minFreeGiB > 0 && free < uint64(minFreeGiB)<<30 {
		return Result{Name: name, Detail: fmt.Sprintf("%.1f GiB free, need %d GiB", freeGiB, minFreeGiB)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%.1f GiB free", freeGiB)}
}

// CheckBinary verifies the executable resolves on PATH or at its given path.
func CheckBinary(name, binary string) Result {
	resolved, err := exec.LookPath(binary)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s not found", binary)}
	}
	return Result{Name: name, Passed: true, Detail: resolved}
}

// FreeSpace returns the available bytes on the filesystem holding path.
func FreeSpace(path string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

// HasFreeSpace reports whether the filesystem holding path has at least
// minFreeGiB available. A zero or negative minimum always passes.
func HasFreeSpace(path string, minFreeGiB int) (bool, error) {
	if minFreeGiB <= 0 {
		return true, nil
	}
	free, err := FreeSpace(path)
	if err != nil {
		return false, err
	}
	return free >= uint64(minFreeGiB)<<30, nil
}
