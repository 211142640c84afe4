// Package main provides bwshell, a headless stand-in for the desktop shell.
//
// bwshell launches bwcontrol, waits for it to answer, selects the interface
// to monitor and prints every newly observed program on stdout until it is
// interrupted or the control plane stops.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/shini4i/bandwhich-bridge/internal/client"
	"github.com/shini4i/bandwhich-bridge/internal/config"
	"github.com/shini4i/bandwhich-bridge/internal/logging"
	"github.com/shini4i/bandwhich-bridge/internal/proc"
)

const (
	defaultPollInterval = time.Second
	childExitTimeout    = 10 * time.Second
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("bwshell", flag.ContinueOnError)
	flags.SetOutput(stderr)
	controlPath := flags.String("bwcontrol", "bwcontrol", "Path to the bwcontrol binary")
	configPath := flags.String("config", "", "Path to the configuration file")
	interval := flags.Duration("interval", defaultPollInterval, "Delay between two polls")
	limit := flags.String("limit", "", "Program to throttle once monitoring has started")
	flags.Usage = func() {
		fmt.Fprintln(stderr, "usage: bwshell [flags] <interface>")
		flags.PrintDefaults()
	}

	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() != 1 {
		flags.Usage()
		return 1
	}
	iface := flags.Arg(0)

	logging.SetupFromEnv()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	controlArgs := []string{iface}
	if *configPath != "" {
		controlArgs = []string{"-config", *configPath, iface}
	}
	child, err := launch(*controlPath, controlArgs, stderr)
	if err != nil {
		slog.Error("Failed to launch control plane", "path", *controlPath, "error", err)
		return 1
	}

	// The shell gives up as soon as the control plane dies on its own.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go func() {
		select {
		case <-child.exited:
			cancelRun()
		case <-runCtx.Done():
		}
	}()

	sh := &shell{
		client:   client.New(cfg.URL()),
		retry:    client.DefaultRetryConfig(),
		interval: *interval,
		limit:    *limit,
		out:      stdout,
	}
	runErr := sh.run(runCtx, iface)

	if err := child.wait(childExitTimeout); err != nil {
		slog.Warn("Control plane exited with error", "error", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("Shell failed", "error", runErr)
		return 1
	}
	return 0
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		paths, err := config.GetPaths()
		if err != nil {
			return nil, err
		}
		path = paths.ConfigFile
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// shell drives one control plane through the handshake.
type shell struct {
	client   *client.Client
	retry    client.RetryConfig
	interval time.Duration
	limit    string
	out      io.Writer
}

// run waits for the control plane, follows it until ctx ends or it reports
// stop, and then shuts it down.
func (s *shell) run(ctx context.Context, iface string) error {
	if err := s.client.WaitReady(ctx, s.retry); err != nil {
		return err
	}
	if err := s.client.SetInterface(ctx, iface); err != nil {
		return fmt.Errorf("failed to select interface %s: %w", iface, err)
	}
	slog.Info("Monitoring interface", "interface", iface)

	if s.limit != "" {
		if err := s.client.Limit(ctx, s.limit); err != nil {
			slog.Warn("Failed to limit program", "app", s.limit, "error", err)
		}
	}

	stopped, err := s.follow(ctx)
	if err != nil {
		return err
	}
	return s.shutdown(stopped)
}

// follow prints programs as they appear. It returns true when the control
// plane reported stop.
func (s *shell) follow(ctx context.Context) (bool, error) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	printed := 0
	for {
		select {
		case <-ctx.Done():
			return false, nil
		case <-ticker.C:
		}

		programs, stop, err := s.client.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return false, nil
			}
			return false, fmt.Errorf("poll failed: %w", err)
		}
		if stop {
			slog.Info("Control plane reported stop")
			return true, nil
		}

		// The list only grows, so everything past printed is new.
		for _, name := range programs[min(printed, len(programs)):] {
			fmt.Fprintln(s.out, name)
		}
		printed = max(printed, len(programs))
	}
}

func (s *shell) shutdown(stopped bool) error {
	ctx := context.Background()

	if !stopped {
		stopCtx, cancel := context.WithTimeout(ctx, s.retry.Timeout)
		err := s.client.Stop(stopCtx)
		cancel()
		if err != nil {
			if client.IsGone(err) {
				return nil
			}
			return fmt.Errorf("failed to stop control plane: %w", err)
		}
	}

	if err := s.client.AwaitShutdown(ctx, s.retry); err != nil {
		return err
	}
	slog.Info("Control plane stopped")
	return nil
}

// child is the launched control plane.
type child struct {
	process proc.Process
	exited  chan struct{}
	err     error
}

func launch(path string, args []string, logs io.Writer) (*child, error) {
	name, argv := proc.Command("", path, args...)
	process, err := proc.NewRealExecutor().CreateProcess(context.Background(), name, argv...)
	if err != nil {
		return nil, err
	}
	if err := process.Start(); err != nil {
		return nil, err
	}

	c := &child{process: process, exited: make(chan struct{})}

	var copies sync.WaitGroup
	for _, r := range []io.Reader{process.Stdout(), process.Stderr()} {
		copies.Add(1)
		go func() {
			defer copies.Done()
			_, _ = io.Copy(logs, r)
		}()
	}

	go func() {
		copies.Wait()
		c.err = process.Wait()
		close(c.exited)
	}()

	return c, nil
}

// wait waits for the control plane to exit and kills it after timeout.
func (c *child) wait(timeout time.Duration) error {
	select {
	case <-c.exited:
		return c.err
	case <-time.After(timeout):
	}

	slog.Warn("Control plane did not exit, killing it", "timeout", timeout)
	if err := c.process.Kill(); err != nil {
		return err
	}
	<-c.exited
	return c.err
}
