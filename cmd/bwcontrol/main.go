// Package main provides the entry point for the bwcontrol control plane.
//
// bwcontrol monitors one network interface with bandwhich and serves the
// programs it observes to a local shell over HTTP on 127.0.0.1:$PORT.
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
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shini4i/bandwhich-bridge/internal/bandwhich"
	"github.com/shini4i/bandwhich-bridge/internal/config"
	"github.com/shini4i/bandwhich-bridge/internal/control/server"
	"github.com/shini4i/bandwhich-bridge/internal/history"
	"github.com/shini4i/bandwhich-bridge/internal/logging"
	"github.com/shini4i/bandwhich-bridge/internal/netif"
	"github.com/shini4i/bandwhich-bridge/internal/session"
	"github.com/shini4i/bandwhich-bridge/internal/stats"
)

const shutdownTimeout = 5 * time.Second

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

// run parses the command line, serves until shutdown and returns the exit
// status.
func run(args []string, stderr io.Writer) int {
	flags := flag.NewFlagSet("bwcontrol", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.String("config", "", "Path to the configuration file")
	showVersion := flags.Bool("version", false, "Show version and exit")
	autostart := flags.Bool("autostart", false, "Start monitoring the interface without waiting for a shell")
	flags.Usage = func() {
		fmt.Fprintln(stderr, "usage: bwcontrol [flags] <interface>")
		flags.PrintDefaults()
	}

	if err := flags.Parse(args); err != nil {
		return 1
	}
	if *showVersion {
		fmt.Fprintf(stderr, "bwcontrol %s\n", version)
		return 0
	}
	if flags.NArg() != 1 {
		flags.Usage()
		return 1
	}
	iface := flags.Arg(0)

	logging.SetupFromEnv()

	cfg, paths, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return 1
	}
	logging.Setup(logging.LevelFromEnv(logging.ParseLevel(cfg.LogLevel)))

	slog.Info("Starting bwcontrol", "version", version, "interface", iface, "addr", cfg.Addr())

	if err := serve(cfg, paths, iface, *autostart); err != nil {
		slog.Error("Control plane failed", "error", err)
		return 1
	}
	return 0
}

func loadConfig(path string) (*config.Config, *config.Paths, error) {
	paths, err := config.GetPaths()
	if err != nil {
		return nil, nil, err
	}
	if path == "" {
		path = paths.ConfigFile
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, paths, nil
}

// serve runs the control plane. The interface argument names the host
// interface whose counters are summarised; the session stays uninitialized
// until a shell selects an interface unless autostart is set.
func serve(cfg *config.Config, paths *config.Paths, iface string, autostart bool) error {
	if err := paths.EnsurePaths(); err != nil {
		slog.Warn("Failed to create application directories", "error", err)
	}

	if exists, err := netif.Exists(iface); err != nil {
		slog.Warn("Failed to list interfaces", "error", err)
	} else if !exists {
		slog.Warn("Interface not found, bandwhich will likely fail", "interface", iface)
	}

	collector := stats.NewCollector(0, nil)
	collector.OnStats(func(s stats.NetworkStats) {
		slog.Debug("Interface traffic", "interface", s.Interface, "rate", s.Rate())
	})
	if err := collector.Start(iface); err != nil {
		slog.Warn("Failed to read interface counters", "interface", iface, "error", err)
	}

	reader := bandwhich.NewReader(bandwhich.ReaderConfig{
		Executable: cfg.BandwhichPath,
		Wrapper:    cfg.Wrapper,
	}, nil)
	factory := session.NewBandwhichFactory(reader, session.LimiterConfig{
		Executable: cfg.LimiterPath,
		Wrapper:    cfg.Wrapper,
	}, nil)

	sess := session.New(factory)
	sess.OnStateChange(func(old, new session.State) {
		slog.Info("Session state changed", "from", old, "to", new)
	})

	srv := server.NewServer(cfg.Addr(), server.NewDispatcher(sess).HandleRequest)
	if err := srv.Start(); err != nil {
		collector.Stop()
		return err
	}
	notifySystemd("READY=1")

	if autostart {
		startCtx, cancelStart := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := sess.SetInterface(startCtx, iface); err != nil {
			slog.Error("Failed to start monitor", "interface", iface, "error", err)
		}
		cancelStart()
	}

	historyFile := cfg.HistoryFile
	if historyFile == "" {
		historyFile = paths.HistoryFile
	}
	recorder := history.NewRecorder(historyFile, cfg.HistorySchedule, sess)
	if err := recorder.Start(); err != nil {
		slog.Warn("Failed to start history recorder", "error", err)
	}

	err := supervise(sess, srv, cfg.ShutdownGrace)

	notifySystemd("STOPPING=1")
	sess.Stop()
	if err := recorder.Stop(); err != nil {
		slog.Warn("Failed to write history", "path", recorder.Path(), "error", err)
	}
	logSummary(sess, collector)

	slog.Info("Shutdown complete")
	return err
}

// supervise blocks until a signal arrives, the session stops or the server
// fails, then shuts the server down.
func supervise(sess *session.Session, srv *server.Server, grace time.Duration) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		select {
		case sig := <-sigChan:
			slog.Info("Received shutdown signal", "signal", sig)
			sess.Stop()
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	g.Go(func() error {
		select {
		case <-sess.Done():
		case <-gctx.Done():
			return nil
		}

		// Keep answering so the shell's poll can observe the stop.
		slog.Info("Session stopped, shutting down", "grace", grace)
		select {
		case <-time.After(grace):
		case <-gctx.Done():
		}
		cancel()
		return nil
	})

	g.Go(func() error {
		select {
		case <-srv.Done():
			if err := srv.Err(); err != nil {
				return fmt.Errorf("server stopped: %w", err)
			}
			return errors.New("server stopped unexpectedly")
		case <-gctx.Done():
		}

		stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stopCancel()
		return srv.Stop(stopCtx)
	})

	return g.Wait()
}

func logSummary(sess *session.Session, collector *stats.Collector) {
	latest := collector.Latest()
	if collector.IsRunning() {
		if sample, err := collector.Sample(); err == nil {
			latest = sample
		}
		collector.Stop()
	}

	slog.Info("Session summary",
		"interface", sess.Interface(),
		"programs", len(sess.Programs()),
		"traffic", latest.Summary(),
	)
}

// notifySystemd sends a notification to systemd when run as a service.
func notifySystemd(state string) {
	socketPath := os.Getenv("NOTIFY_SOCKET")
	if socketPath == "" {
		return
	}

	conn, err := syscall.Socket(syscall.AF_UNIX, syscall.SOCK_DGRAM, 0)
	if err != nil {
		slog.Warn("Failed to create notify socket", "error", err)
		return
	}
	defer syscall.Close(conn)

	addr := &syscall.SockaddrUnix{Name: socketPath}
	if err := syscall.Sendto(conn, []byte(state), 0, addr); err != nil {
		slog.Warn("Failed to notify systemd", "error", err)
	}
}
