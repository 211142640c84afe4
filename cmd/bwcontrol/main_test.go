package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shini4i/bandwhich-bridge/internal/control/server"
	"github.com/shini4i/bandwhich-bridge/internal/session"
)

func restoreLogger(t *testing.T) {
	t.Helper()
	original := slog.Default()
	t.Cleanup(func() { slog.SetDefault(original) })
}

func TestRun_Usage(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "no interface", args: nil},
		{name: "two interfaces", args: []string{"eth0", "wlan0"}},
		{name: "unknown flag", args: []string{"-bogus", "eth0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stderr bytes.Buffer

			code := run(tt.args, &stderr)

			assert.Equal(t, 1, code)
			assert.Contains(t, stderr.String(), "usage: bwcontrol")
		})
	}
}

func TestRun_Version(t *testing.T) {
	var stderr bytes.Buffer

	code := run([]string{"-version"}, &stderr)

	assert.Equal(t, 0, code)
	assert.Contains(t, stderr.String(), "bwcontrol dev")
}

func TestRun_InvalidConfig(t *testing.T) {
	restoreLogger(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 0\n"), 0600))
	t.Setenv("PORT", "")

	code := run([]string{"-config", path, "eth0"}, &bytes.Buffer{})

	assert.Equal(t, 1, code)
}

func TestRun_InvalidPortEnv(t *testing.T) {
	restoreLogger(t)
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("PORT", "eighty")

	code := run([]string{"eth0"}, &bytes.Buffer{})

	assert.Equal(t, 1, code)
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_STATE_HOME", t.TempDir())
	t.Setenv("PORT", "9000")
	t.Setenv("BANDWHICH", "")
	t.Setenv("BANDWHICH_EXE", "")
	t.Setenv("NETLIMIT", "")

	cfg, paths, err := loadConfig("")

	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "bandwhich", cfg.BandwhichPath)
	assert.Equal(t, "history.json", filepath.Base(paths.HistoryFile))
}

type idleMonitor struct{}

func (idleMonitor) Next(ctx context.Context) (session.Batch, error) {
	<-ctx.Done()
	return session.Batch{}, ctx.Err()
}

func (idleMonitor) Limit(context.Context, string) error { return nil }

func (idleMonitor) Close() error { return nil }

func TestSupervise_ShutsDownAfterSessionStops(t *testing.T) {
	sess := session.New(func(context.Context, string) (session.Monitor, error) {
		return idleMonitor{}, nil
	})
	require.NoError(t, sess.SetInterface(context.Background(), "eth0"))

	srv := server.NewServer("127.0.0.1:0", server.NewDispatcher(sess).HandleRequest)
	require.NoError(t, srv.Start())

	errs := make(chan error, 1)
	go func() { errs <- supervise(sess, srv, 10*time.Millisecond) }()

	sess.Stop()

	select {
	case err := <-errs:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervise did not return after the session stopped")
	}

	select {
	case <-srv.Done():
	default:
		t.Fatal("server is still serving")
	}
}
