package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/shini4i/bandwhich-bridge/internal/bandwhich"
	"github.com/shini4i/bandwhich-bridge/internal/proc"
)

// DefaultLimiter is the bandwidth limiter looked up in PATH.
const DefaultLimiter = "netlimit"

// LimiterFromEnv returns the limiter named by $NETLIMIT, falling back to
// DefaultLimiter.
func LimiterFromEnv() string {
	if exe := os.Getenv("NETLIMIT"); exe != "" {
		return exe
	}
	return DefaultLimiter
}

// Batch is what a monitor reports for one tick.
type Batch struct {
	// Programs observed during the tick, in the order they were reported.
	Programs []string
	// Stop is set once the monitor has ended and will report nothing more.
	Stop bool
}

// Monitor observes the programs using one network interface.
type Monitor interface {
	// Next blocks until the next batch is available. It returns promptly
	// once Close has been called.
	Next(ctx context.Context) (Batch, error)
	// Limit applies the bandwidth limiter to the named program.
	Limit(ctx context.Context, app string) error
	// Close stops the monitor and releases its process. Safe to call
	// more than once.
	Close() error
}

// Factory creates the monitor for an interface. The context bounds the
// monitor's lifetime.
type Factory func(ctx context.Context, iface string) (Monitor, error)

// LimiterConfig selects the limiter binary and the privilege wrapper it
// runs under.
type LimiterConfig struct {
	Executable string
	Wrapper    string
}

// NewBandwhichFactory returns a Factory producing bandwhich-backed monitors.
// Limiter commands run through the same executor as the reader.
func NewBandwhichFactory(reader *bandwhich.Reader, limiter LimiterConfig, executor proc.ProcessExecutor) Factory {
	if limiter.Executable == "" {
		limiter.Executable = LimiterFromEnv()
	}
	if executor == nil {
		executor = proc.NewRealExecutor()
	}

	return func(ctx context.Context, iface string) (Monitor, error) {
		if iface == "" {
			return nil, errors.New("interface name is required")
		}
		return &BandwhichMonitor{
			iface:    iface,
			stream:   reader.Stream(ctx, iface),
			limiter:  limiter,
			executor: executor,
		}, nil
	}
}

// BandwhichMonitor reports the programs seen by one bandwhich process.
type BandwhichMonitor struct {
	iface    string
	stream   *bandwhich.Stream
	limiter  LimiterConfig
	executor proc.ProcessExecutor
}

// Next returns the names from the next snapshot. The end of the bandwhich
// output is reported as a Stop batch.
func (m *BandwhichMonitor) Next(ctx context.Context) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}

	snapshot, err := m.stream.Next()
	if errors.Is(err, io.EOF) {
		return Batch{Stop: true}, nil
	}
	if err != nil {
		return Batch{}, err
	}
	return Batch{Programs: snapshot.Names()}, nil
}

// Limit runs the limiter once for app on the monitored interface and waits
// for it to finish.
func (m *BandwhichMonitor) Limit(ctx context.Context, app string) error {
	if app == "" {
		return errors.New("application name is required")
	}

	name, args := proc.Command(m.limiter.Wrapper, m.limiter.Executable, "-i", m.iface, app)
	slog.Info("Running limiter", "interface", m.iface, "app", app, "command", name)

	p, err := m.executor.CreateProcess(ctx, name, args...)
	if err != nil {
		return fmt.Errorf("failed to create limiter process: %w", err)
	}
	if err := p.Start(); err != nil {
		return fmt.Errorf("failed to start limiter: %w", err)
	}

	go func() {
		_, _ = io.Copy(io.Discard, p.Stdout())
	}()

	var lastLine string
	scanner := bufio.NewScanner(p.Stderr())
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lastLine = line
			slog.Debug("limiter stderr", "app", app, "line", line)
		}
	}

	if err := p.Wait(); err != nil {
		if proc.IsAuthCancelled(err) {
			return fmt.Errorf("limiter for %s: %w", app, proc.ErrAuthCancelled)
		}
		if lastLine != "" {
			return fmt.Errorf("limiter for %s failed: %w: %s", app, err, lastLine)
		}
		return fmt.Errorf("limiter for %s failed: %w", app, err)
	}
	return nil
}

// Close stops the bandwhich process.
func (m *BandwhichMonitor) Close() error {
	return m.stream.Close()
}
