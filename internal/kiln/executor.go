package kiln

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Executor runs build commands in their own process group so a cancelled
// context takes the whole subprocess tree down with it.
type Executor struct {
	Context           context.Context // The context to use for cancellation
	ApplyIdlePriority bool            // Apply nice -n 19 to every command
	Stdout            io.Writer
	Stderr            io.Writer
}

// NewExecutor returns an Executor bound to ctx.
func NewExecutor(ctx context.Context) *Executor {
	return &Executor{Context: ctx}
}

// Run executes the given command and returns its exit code. A non-nil error
// with a zero exit code means the command could not be started or was
// aborted.
func (e *Executor) Run(cmd *exec.Cmd) (int, error) {
	ctx := e.Context
	if ctx == nil {
		ctx = context.Background()
	}

	// --- Phase 0: wire up stdio ---
	if cmd.Stdout == nil {
		cmd.Stdout = e.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = e.Stderr
	}
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	// --- Phase 1: build the final command ---
	basePath := cmd.Path
	baseArgs := cmd.Args[1:]
	if e.ApplyIdlePriority {
		baseArgs = append([]string{"-n", "19", basePath}, baseArgs...)
		basePath = "nice"
	}

	finalCmd := exec.Command(basePath, baseArgs...)
	finalCmd.Dir = cmd.Dir
	// preserve or inherit the environment
	if cmd.Env != nil {
		finalCmd.Env = cmd.Env
	} else {
		finalCmd.Env = os.Environ()
	}
	finalCmd.Stdin = cmd.Stdin
	finalCmd.Stdout = cmd.Stdout
	finalCmd.Stderr = cmd.Stderr

	// --- Phase 2: isolate process group for context-based cleanup ---
	finalCmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// --- Phase 3: start and watch for cancel ---
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("command aborted: %w", err)
	}
	if err := finalCmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start command: %w", err)
	}

	pgid := finalCmd.Process.Pid
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			syscall.Kill(-pgid, syscall.SIGKILL)
		case <-done:
		}
	}()

	// --- Phase 4: wait and return ---
	if waitErr := finalCmd.Wait(); waitErr != nil {
		if ctx.Err() != nil {
			// let the killed group flush its output
			time.Sleep(100 * time.Millisecond)
			return 0, fmt.Errorf("command aborted: %w", ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return 0, waitErr
	}
	return 0, nil
}
