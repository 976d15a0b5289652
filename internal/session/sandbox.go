// Package session owns the lifecycle of CLI agent child processes:
// spawn under a per-workspace cap, stream output, enforce timeouts, and
// release workspace resources on every exit path.
package session

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"syscall"
)

// Spec describes one agent process to launch.
type Spec struct {
	SessionID string
	Command   string
	Args      []string
	Dir       string
	// Env is the complete child environment. Credentials travel here
	// and nowhere else.
	Env   []string
	Image string
}

// Handle is a running sandboxed process.
type Handle interface {
	// PID returns the host process id, or 0 when the sandbox has none.
	PID() int
	// Wait blocks until exit and returns nil only for exit code 0.
	Wait() error
	// Signal requests termination.
	Signal() error
}

// Sandbox launches agent processes with their output attached.
type Sandbox interface {
	Start(ctx context.Context, spec Spec, stdout, stderr io.Writer) (Handle, error)
}

// ExecSandbox runs agents as direct child processes.
type ExecSandbox struct{}

// NewExecSandbox creates the os/exec sandbox.
func NewExecSandbox() *ExecSandbox {
	return &ExecSandbox{}
}

type execHandle struct {
	cmd *exec.Cmd
}

func (h *execHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *execHandle) Wait() error {
	return h.cmd.Wait()
}

func (h *execHandle) Signal() error {
	if h.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	return h.cmd.Process.Signal(syscall.SIGTERM)
}

// Start launches the child. The context bounds startup only; lifetime
// is governed by the caller's timeout timer.
func (s *ExecSandbox) Start(ctx context.Context, spec Spec, stdout, stderr io.Writer) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent process: %w", err)
	}
	return &execHandle{cmd: cmd}, nil
}
