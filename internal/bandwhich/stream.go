package bandwhich

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/shini4i/bandwhich-bridge/internal/proc"
)

const (
	// DefaultExecutable is the bandwhich binary looked up in PATH.
	DefaultExecutable = "bandwhich"

	// maxBlockSize bounds one tick of output. A busy host prints a line per
	// process, so this is generous.
	maxBlockSize = 1024 * 1024
)

// ExecutableFromEnv returns the bandwhich binary named by $BANDWHICH (or the
// older $BANDWHICH_EXE), falling back to DefaultExecutable.
func ExecutableFromEnv() string {
	if exe := os.Getenv("BANDWHICH"); exe != "" {
		return exe
	}
	if exe := os.Getenv("BANDWHICH_EXE"); exe != "" {
		return exe
	}
	return DefaultExecutable
}

// ReaderConfig selects the binary and the privilege wrapper.
type ReaderConfig struct {
	// Executable is the bandwhich binary.
	Executable string
	// Wrapper runs the binary with elevated privileges. Empty runs it directly.
	Wrapper string
}

// Reader starts bandwhich streams.
type Reader struct {
	cfg      ReaderConfig
	executor proc.ProcessExecutor
}

// NewReader creates a Reader. An empty executable is taken from the
// environment and a nil executor runs real processes.
func NewReader(cfg ReaderConfig, executor proc.ProcessExecutor) *Reader {
	if cfg.Executable == "" {
		cfg.Executable = ExecutableFromEnv()
	}
	if executor == nil {
		executor = proc.NewRealExecutor()
	}
	return &Reader{
		cfg:      cfg,
		executor: executor,
	}
}

// Args returns the bandwhich arguments for the given interface.
func Args(iface string) []string {
	return []string{"-p", "--raw", "-i", iface}
}

// Stream returns a snapshot stream for the interface. Nothing is spawned
// until the first call to Next.
func (r *Reader) Stream(ctx context.Context, iface string) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	return &Stream{
		reader: r,
		iface:  iface,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Stream is a pull-based sequence of snapshots backed by one bandwhich
// process. It is not safe for concurrent calls to Next, but Close may be
// called from any goroutine.
type Stream struct {
	reader *Reader
	iface  string
	ctx    context.Context
	cancel context.CancelFunc

	// Owned by the goroutine calling Next.
	started  bool
	scanner  *bufio.Scanner
	produced int
	err      error

	procMu  sync.Mutex
	process proc.Process

	stderrDone chan struct{}
	lastStderr atomic.Value

	waitOnce sync.Once
	waitErr  error

	closed  atomic.Bool
	closeMu sync.Mutex
	reaped  bool
}

// Interface returns the interface the stream monitors.
func (s *Stream) Interface() string {
	return s.iface
}

// Next blocks until bandwhich finishes the next tick and returns it parsed.
// The first call spawns the process; a spawn failure is returned from it.
// When the process exits Next returns io.EOF.
func (s *Stream) Next() (Snapshot, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.closed.Load() {
		s.err = io.EOF
		return nil, s.err
	}

	if !s.started {
		s.started = true
		if err := s.start(); err != nil {
			s.err = err
			return nil, err
		}
	}

	for s.scanner.Scan() {
		block := s.scanner.Text()
		if strings.TrimSpace(block) == "" {
			continue
		}
		s.produced++
		return ParseBlock(block), nil
	}

	s.err = s.finish(s.scanner.Err())
	return nil, s.err
}

// All adapts the stream to a range-over-func sequence. Iteration stops at the
// end of the stream or after the first error.
func (s *Stream) All() iter.Seq2[Snapshot, error] {
	return func(yield func(Snapshot, error) bool) {
		for {
			snapshot, err := s.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(snapshot, err) || err != nil {
				return
			}
		}
	}
}

// Close stops the bandwhich process and waits for it to exit.
// It is safe to call more than once. When the kill fails the process is
// still running and the next Close tries again.
func (s *Stream) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()

	if s.reaped {
		return nil
	}
	s.closed.Store(true)
	s.cancel()

	s.procMu.Lock()
	p := s.process
	s.procMu.Unlock()

	if p != nil {
		if err := p.Kill(); err != nil {
			return fmt.Errorf("failed to stop bandwhich: %w", err)
		}
		s.wait(p)
	}
	s.reaped = true
	return nil
}

func (s *Stream) start() error {
	cfg := s.reader.cfg
	name, args := proc.Command(cfg.Wrapper, cfg.Executable, Args(s.iface)...)

	// Holding procMu until the process is published means Close either
	// prevents the spawn or sees the process and reaps it.
	s.procMu.Lock()
	defer s.procMu.Unlock()

	if s.closed.Load() {
		return io.EOF
	}

	p, err := s.reader.executor.CreateProcess(s.ctx, name, args...)
	if err != nil {
		return fmt.Errorf("failed to create bandwhich process: %w", err)
	}
	if err := p.Start(); err != nil {
		return fmt.Errorf("failed to start bandwhich: %w", err)
	}
	s.process = p

	slog.Debug("bandwhich started", "interface", s.iface, "command", name, "args", args)

	s.stderrDone = make(chan struct{})
	go s.drainStderr(p.Stderr())

	s.scanner = bufio.NewScanner(p.Stdout())
	s.scanner.Buffer(make([]byte, 0, 64*1024), maxBlockSize)
	s.scanner.Split(splitBlocks)

	return nil
}

// finish reaps the process once stdout is exhausted and decides how the
// sequence ends.
func (s *Stream) finish(scanErr error) error {
	s.procMu.Lock()
	p := s.process
	s.procMu.Unlock()

	<-s.stderrDone
	waitErr := s.wait(p)

	if s.closed.Load() {
		return io.EOF
	}
	if err := s.ctx.Err(); err != nil {
		return err
	}
	if proc.IsAuthCancelled(waitErr) {
		return fmt.Errorf("bandwhich on %s: %w", s.iface, proc.ErrAuthCancelled)
	}
	if scanErr != nil && !errors.Is(scanErr, io.ErrClosedPipe) && !errors.Is(scanErr, os.ErrClosed) {
		return fmt.Errorf("failed to read bandwhich output: %w", scanErr)
	}
	if s.produced == 0 && waitErr != nil {
		if last, _ := s.lastStderr.Load().(string); last != "" {
			return fmt.Errorf("bandwhich exited: %w: %s", waitErr, last)
		}
		return fmt.Errorf("bandwhich exited: %w", waitErr)
	}

	slog.Debug("bandwhich exited", "interface", s.iface, "snapshots", s.produced, "error", waitErr)
	return io.EOF
}

func (s *Stream) wait(p proc.Process) error {
	s.waitOnce.Do(func() {
		s.waitErr = p.Wait()
	})
	return s.waitErr
}

func (s *Stream) drainStderr(stderr io.Reader) {
	defer close(s.stderrDone)

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		s.lastStderr.Store(line)
		slog.Debug("bandwhich stderr", "interface", s.iface, "line", line)
	}
}

// splitBlocks is a bufio.SplitFunc yielding text between blank lines.
// An unterminated block at EOF is dropped.
func splitBlocks(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.Index(data, []byte(blockDelimiter)); i >= 0 {
		return i + len(blockDelimiter), data[:i], nil
	}
	if atEOF {
		if len(bytes.TrimSpace(data)) > 0 {
			slog.Debug("Discarding incomplete bandwhich block", "bytes", len(data))
		}
		return len(data), nil, nil
	}
	return 0, nil, nil
}
