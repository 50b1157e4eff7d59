package recovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Executor runs a shell command and returns its combined output. The
// context carries the action deadline.
type Executor interface {
	Run(ctx context.Context, command string) (string, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, command string) (string, error)

// Run calls f.
func (f ExecutorFunc) Run(ctx context.Context, command string) (string, error) {
	return f(ctx, command)
}

// ShellExecutor runs commands locally through "bash -c".
type ShellExecutor struct {
	Shell string
	Dir   string
}

// Run executes command in its own process group so a timeout kills every
// child it spawned.
func (e ShellExecutor) Run(ctx context.Context, command string) (string, error) {
	shell := e.Shell
	if shell == "" {
		shell = "bash"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.Dir = e.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := stdout.String()
	if stderr.Len() > 0 {
		out += stderr.String()
	}
	if err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				return out, fmt.Errorf("exit status %d", exitErr.ExitCode())
			}
			return out, fmt.Errorf("exit status %d: %s", exitErr.ExitCode(), msg)
		}
		return out, err
	}
	return out, nil
}
