// Package proc runs the external tools the bridge depends on, optionally
// behind a privilege-escalation wrapper such as pkexec.
package proc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
)

// DefaultWrapper is the privilege-escalation wrapper used for tools that
// need root to inspect or shape traffic.
const DefaultWrapper = "pkexec"

// ErrAuthCancelled is returned when the wrapper refused to run the command,
// either because the user dismissed the authentication dialog or because the
// wrapper itself is missing.
var ErrAuthCancelled = errors.New("authentication cancelled or pkexec not available")

// Process represents a running process with stdout/stderr pipes.
type Process interface {
	// Start starts the process but does not wait for it to complete.
	Start() error
	// Wait waits for the process to exit and returns the error.
	Wait() error
	// Kill terminates the process and everything it spawned.
	Kill() error
	// Stdout returns a reader from the process's stdout.
	Stdout() io.ReadCloser
	// Stderr returns a reader from the process's stderr.
	Stderr() io.ReadCloser
}

// ProcessExecutor creates processes for execution.
type ProcessExecutor interface {
	// CreateProcess creates a new process with the given command and arguments.
	CreateProcess(ctx context.Context, name string, args ...string) (Process, error)
}

// Command returns the argv that runs exe through wrapper. An empty wrapper
// runs exe directly, which is what a caller that already has root wants.
func Command(wrapper, exe string, args ...string) (string, []string) {
	if wrapper == "" {
		return exe, args
	}
	return wrapper, append([]string{exe}, args...)
}

// RealExecutor implements ProcessExecutor using os/exec.
type RealExecutor struct{}

// NewRealExecutor creates a new RealExecutor.
func NewRealExecutor() *RealExecutor {
	return &RealExecutor{}
}

// CreateProcess creates a real process using exec.CommandContext.
// The process is started in its own process group so that Kill reaches
// the tool pkexec hands control to.
func (e *RealExecutor) CreateProcess(ctx context.Context, name string, args ...string) (Process, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	return &realProcess{
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
	}, nil
}

type realProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
}

func (p *realProcess) Start() error {
	return p.cmd.Start()
}

func (p *realProcess) Wait() error {
	return p.cmd.Wait()
}

// Kill terminates the process group. bandwhich runs as root once pkexec has
// exec'd into it, so a direct SIGTERM usually fails with EPERM and the signal
// has to be delivered through pkexec as well.
func (p *realProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}

	pgid := p.cmd.Process.Pid

	if err := syscall.Kill(-pgid, syscall.SIGTERM); err == nil {
		return nil
	} else if err == syscall.ESRCH {
		return nil
	}

	// Skip the authentication prompt when the tool already went away on its own.
	if exists, err := process.PidExists(int32(pgid)); err == nil && !exists {
		return nil
	}

	// #nosec G204 -- pgid comes from the process we started, not user input
	killCmd := exec.Command(DefaultWrapper, "kill", "-TERM", "--", fmt.Sprintf("-%d", pgid))
	if err := killCmd.Run(); err != nil {
		if IsAuthCancelled(err) {
			return fmt.Errorf("%w: %v", ErrAuthCancelled, err)
		}
		// #nosec G204 -- pgid comes from the process we started, not user input
		killCmd = exec.Command(DefaultWrapper, "kill", "-KILL", "--", fmt.Sprintf("-%d", pgid))
		if err := killCmd.Run(); err != nil {
			if IsAuthCancelled(err) {
				return fmt.Errorf("%w: %v", ErrAuthCancelled, err)
			}
			return fmt.Errorf("failed to kill process group: %w", err)
		}
	}

	return nil
}

func (p *realProcess) Stdout() io.ReadCloser {
	return p.stdout
}

func (p *realProcess) Stderr() io.ReadCloser {
	return p.stderr
}

// IsAuthCancelled reports whether err is a wrapper exit status meaning the
// command never ran.
// Exit code 126 = pkexec authorization failed/cancelled.
// Exit code 127 = command not found.
func IsAuthCancelled(err error) bool {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		return code == 126 || code == 127
	}
	return false
}
