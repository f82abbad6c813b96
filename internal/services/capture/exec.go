package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// outputTailLines bounds the retained process output used for failure
// classification.
const outputTailLines = 64

type execFactory struct {
	binary    string
	extraArgs []string
	grace     time.Duration
}

func (f *execFactory) Start(ctx context.Context, req Request) (Process, error) {
	args, err := buildArgs(f.extraArgs, req)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, f.binary, args...) //nolint:gosec
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = f.grace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start capture: %w", err)
	}

	proc := &execProcess{
		cmd:   cmd,
		grace: f.grace,
		done:  make(chan struct{}),
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go proc.tail(stdout, &wg)
	go proc.tail(stderr, &wg)

	go func() {
		wg.Wait()
		waitErr := cmd.Wait()
		proc.finish(waitErr)
	}()

	return proc, nil
}

type execProcess struct {
	cmd   *exec.Cmd
	grace time.Duration

	mu    sync.Mutex
	lines []string

	done   chan struct{}
	result Result
}

func (p *execProcess) tail(r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		p.appendLine(scanner.Text())
	}
}

func (p *execProcess) appendLine(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lines = append(p.lines, line)
	if len(p.lines) > outputTailLines {
		p.lines = p.lines[len(p.lines)-outputTailLines:]
	}
}

func (p *execProcess) finish(waitErr error) {
	p.mu.Lock()
	output := strings.Join(p.lines, "\n")
	p.mu.Unlock()

	result := Result{Output: output}
	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		result.ExitCode = 0
	case errors.As(waitErr, &exitErr):
		result.ExitCode = exitErr.ExitCode()
		result.Err = &ExitError{Code: result.ExitCode}
	default:
		result.ExitCode = -1
		result.Err = waitErr
	}

	p.result = result
	close(p.done)
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) Result() Result {
	select {
	case <-p.done:
		return p.result
	default:
		return Result{}
	}
}

// Stop signals SIGTERM, waits up to the grace period, then kills. It always
// waits for the exit goroutine so Result is valid on return.
func (p *execProcess) Stop(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}

	graceTimer := time.NewTimer(p.grace)
	defer graceTimer.Stop()

	select {
	case <-p.done:
		return nil
	case <-graceTimer.C:
	case <-ctx.Done():
	}

	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
