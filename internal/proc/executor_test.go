package proc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsAuthCancelled(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "nil error",
			err:      nil,
			expected: false,
		},
		{
			name:     "non-exit error",
			err:      errors.New("some other error"),
			expected: false,
		},
		{
			name:     "exit code 126 - authorization cancelled",
			err:      &exec.ExitError{ProcessState: createProcessState(126)},
			expected: true,
		},
		{
			name:     "exit code 127 - command not found",
			err:      &exec.ExitError{ProcessState: createProcessState(127)},
			expected: true,
		},
		{
			name:     "wrapped exit code 126",
			err:      fmt.Errorf("bandwhich: %w", &exec.ExitError{ProcessState: createProcessState(126)}),
			expected: true,
		},
		{
			name:     "exit code 1 - general error",
			err:      &exec.ExitError{ProcessState: createProcessState(1)},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsAuthCancelled(tt.err))
		})
	}
}

func TestCommand(t *testing.T) {
	tests := []struct {
		name     string
		wrapper  string
		exe      string
		args     []string
		wantName string
		wantArgs []string
	}{
		{
			name:     "wrapped",
			wrapper:  "pkexec",
			exe:      "bandwhich",
			args:     []string{"-p", "--raw", "-i", "eth0"},
			wantName: "pkexec",
			wantArgs: []string{"bandwhich", "-p", "--raw", "-i", "eth0"},
		},
		{
			name:     "direct",
			wrapper:  "",
			exe:      "/usr/bin/bandwhich",
			args:     []string{"-i", "wlan0"},
			wantName: "/usr/bin/bandwhich",
			wantArgs: []string{"-i", "wlan0"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, args := Command(tt.wrapper, tt.exe, tt.args...)
			assert.Equal(t, tt.wantName, name)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestRealExecutor_CapturesStdout(t *testing.T) {
	executor := NewRealExecutor()

	p, err := executor.CreateProcess(context.Background(), "sh", "-c", "printf 'hello'")
	require.NoError(t, err)
	require.NoError(t, p.Start())

	out, err := io.ReadAll(p.Stdout())
	require.NoError(t, err)
	require.NoError(t, p.Wait())

	assert.Equal(t, "hello", string(out))
}

func TestRealExecutor_KillAfterExitIsNoop(t *testing.T) {
	executor := NewRealExecutor()

	p, err := executor.CreateProcess(context.Background(), "sh", "-c", "exit 0")
	require.NoError(t, err)
	require.NoError(t, p.Start())
	_, _ = io.ReadAll(p.Stdout())
	require.NoError(t, p.Wait())

	assert.NoError(t, p.Kill())
}

func TestRealExecutor_KillRunningProcess(t *testing.T) {
	executor := NewRealExecutor()

	p, err := executor.CreateProcess(context.Background(), "sleep", "30")
	require.NoError(t, err)
	require.NoError(t, p.Start())

	require.NoError(t, p.Kill())
	assert.Error(t, p.Wait())
}

func TestRealProcess_KillBeforeStart(t *testing.T) {
	executor := NewRealExecutor()

	p, err := executor.CreateProcess(context.Background(), "sleep", "30")
	require.NoError(t, err)

	assert.NoError(t, p.Kill())
}

// createProcessState creates a *os.ProcessState with the given exit code.
func createProcessState(exitCode int) *os.ProcessState {
	cmd := exec.Command("sh", "-c", "exit "+strconv.Itoa(exitCode))
	_ = cmd.Run()
	return cmd.ProcessState
}
