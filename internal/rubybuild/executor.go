package rubybuild

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"
)

// Executor runs external tools for the duration of one install. Verbose
// tool output is routed to the run's log writer; only short progress lines
// reach the user-facing stream. Children run in their own process group so
// cancellation can take the whole pipeline down, make and all.
type Executor struct {
	Context context.Context
	Stdout  io.Writer
	Stderr  io.Writer
}

func NewExecutor(ctx context.Context, log io.Writer) *Executor {
	return &Executor{Context: ctx, Stdout: log, Stderr: log}
}

// Run executes the given command synchronously. The exit code is the sole
// success signal.
func (e *Executor) Run(cmd *exec.Cmd) error {
	if cmd.Stdout == nil {
		cmd.Stdout = e.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = e.Stderr
	}

	finalCmd := exec.CommandContext(e.Context, cmd.Path, cmd.Args[1:]...)
	finalCmd.Dir = cmd.Dir
	finalCmd.Env = cmd.Env
	finalCmd.Stdin = cmd.Stdin
	finalCmd.Stdout = cmd.Stdout
	finalCmd.Stderr = cmd.Stderr
	finalCmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := finalCmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", cmd.Path, err)
	}

	pgid := finalCmd.Process.Pid
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-e.Context.Done():
			syscall.Kill(-pgid, syscall.SIGKILL)
		case <-done:
		}
	}()

	if waitErr := finalCmd.Wait(); waitErr != nil {
		if e.Context.Err() != nil {
			time.Sleep(100 * time.Millisecond)
			return fmt.Errorf("command aborted: %v", e.Context.Err())
		}
		return waitErr
	}
	return nil
}
