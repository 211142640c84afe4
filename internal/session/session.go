package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrStopped is returned by operations attempted after Stop.
	ErrStopped = errors.New("session is stopped")
	// ErrNotRunning is returned when an operation needs an active monitor.
	ErrNotRunning = errors.New("no interface is being monitored")
)

// PollResult is the answer to a poll: either the observed programs or the
// stop signal.
type PollResult struct {
	Programs []string
	Stop     bool
}

// Session owns at most one monitor at a time and accumulates the names of
// every program it reported, in first-seen order.
type Session struct {
	factory Factory

	// switchMu serialises interface switches and Stop so that the previous
	// monitor is gone before the next one is created. Limit holds it for
	// reading so it never reaches a monitor that is being replaced.
	switchMu sync.RWMutex

	mu       sync.RWMutex
	state    State
	iface    string
	id       string
	monitor  Monitor
	cancel   context.CancelFunc
	loopDone chan struct{}

	programs []string
	seen     map[string]struct{}

	done     chan struct{}
	stopOnce sync.Once

	onStateChange func(old, new State)
}

// New creates an uninitialized session.
func New(factory Factory) *Session {
	return &Session{
		factory:  factory,
		state:    StateUninitialized,
		programs: []string{},
		seen:     make(map[string]struct{}),
		done:     make(chan struct{}),
	}
}

// OnStateChange registers a callback for state changes.
func (s *Session) OnStateChange(callback func(old, new State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStateChange = callback
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Interface returns the interface being monitored, or "" if none.
func (s *Session) Interface() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.iface
}

// ID returns the identifier of the current monitoring epoch.
func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// Programs returns a copy of every program observed so far.
func (s *Session) Programs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.programs))
	copy(out, s.programs)
	return out
}

// Done is closed once the session has stopped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// SetInterface replaces the active monitor with one for iface. The previous
// monitor is closed and its loop has returned before the new one is created.
func (s *Session) SetInterface(ctx context.Context, iface string) error {
	if iface == "" {
		return errors.New("interface name is required")
	}

	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	if !s.State().CanSetInterface() {
		return ErrStopped
	}

	if err := s.teardown(); err != nil {
		s.resetInterface()
		return fmt.Errorf("failed to stop monitor before switching to %s: %w", iface, err)
	}

	// The monitor outlives the request that selected it.
	epochCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	monitor, err := s.factory(epochCtx, iface)
	if err != nil {
		cancel()
		s.resetInterface()
		return fmt.Errorf("failed to start monitor on %s: %w", iface, err)
	}

	id := uuid.NewString()
	loopDone := make(chan struct{})

	s.mu.Lock()
	s.iface = iface
	s.id = id
	s.monitor = monitor
	s.cancel = cancel
	s.loopDone = loopDone
	s.mu.Unlock()

	if err := s.setState(StateRunning); err != nil {
		// The previous monitor reported stop while it was being replaced.
		cancel()
		_ = monitor.Close()
		close(loopDone)
		return ErrStopped
	}

	slog.Info("Session started", "interface", iface, "session", id)
	go s.run(epochCtx, monitor, loopDone, iface, id)
	return nil
}

// Limit applies the bandwidth limiter to app on the current interface.
func (s *Session) Limit(ctx context.Context, app string) error {
	if app == "" {
		return errors.New("application name is required")
	}

	s.switchMu.RLock()
	defer s.switchMu.RUnlock()

	s.mu.RLock()
	state, monitor := s.state, s.monitor
	s.mu.RUnlock()

	if state.IsStopped() {
		return ErrStopped
	}
	if !state.IsRunning() || monitor == nil {
		return ErrNotRunning
	}
	return monitor.Limit(ctx, app)
}

// Poll reports the stop signal once the session has stopped, and otherwise
// a copy of every program observed so far.
func (s *Session) Poll() PollResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state.IsStopped() {
		return PollResult{Stop: true}
	}
	out := make([]string, len(s.programs))
	copy(out, s.programs)
	return PollResult{Programs: out}
}

// Stop ends the session for good. It is safe to call from any state and
// more than once.
func (s *Session) Stop() {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	s.markStopped()
	if err := s.teardown(); err != nil {
		slog.Warn("Failed to stop monitor", "error", err)
	}
}

// run is the only writer of the program history during its epoch.
func (s *Session) run(ctx context.Context, monitor Monitor, done chan struct{}, iface, id string) {
	defer close(done)

	for {
		batch, err := monitor.Next(ctx)
		if ctx.Err() != nil {
			slog.Debug("Monitor loop cancelled", "interface", iface, "session", id)
			return
		}
		if err != nil {
			slog.Error("Monitor failed", "interface", iface, "session", id, "error", err)
			s.endEpoch(id)
			return
		}

		if added := s.record(batch.Programs); len(added) > 0 {
			slog.Debug("New programs observed", "interface", iface, "programs", added)
		}

		if batch.Stop {
			slog.Info("Monitor reported stop", "interface", iface, "session", id)
			s.markStopped()
			if err := monitor.Close(); err != nil {
				slog.Warn("Failed to close monitor", "interface", iface, "error", err)
			}
			return
		}
	}
}

// record appends names not seen before and returns them.
func (s *Session) record(names []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.IsStopped() {
		return nil
	}

	var added []string
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, ok := s.seen[name]; ok {
			continue
		}
		s.seen[name] = struct{}{}
		s.programs = append(s.programs, name)
		added = append(added, name)
	}
	return added
}

// teardown cancels and closes the active monitor, then waits for its loop.
// A monitor that fails to close stays attached to the session, so the next
// switch or Stop closes it again before anything new is started.
// Callers must hold switchMu.
func (s *Session) teardown() error {
	s.mu.RLock()
	monitor, cancel, loopDone := s.monitor, s.cancel, s.loopDone
	s.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if monitor != nil {
		if err := monitor.Close(); err != nil {
			// The loop may still be blocked on a process that refused to die.
			return err
		}
	}
	if loopDone != nil {
		<-loopDone
	}

	s.mu.Lock()
	s.monitor, s.cancel, s.loopDone = nil, nil, nil
	s.mu.Unlock()
	return nil
}

// endEpoch moves a session whose monitor failed back to uninitialized,
// unless a newer epoch or Stop has already taken over.
func (s *Session) endEpoch(id string) {
	s.mu.RLock()
	current := s.id == id && s.state.IsRunning()
	s.mu.RUnlock()

	if current {
		_ = s.setState(StateUninitialized)
	}
}

func (s *Session) resetInterface() {
	s.mu.Lock()
	s.iface = ""
	s.id = ""
	s.mu.Unlock()

	if s.State().IsRunning() {
		_ = s.setState(StateUninitialized)
	}
}

func (s *Session) markStopped() {
	s.stopOnce.Do(func() {
		if err := s.setState(StateStopped); err != nil {
			slog.Warn("Unexpected state while stopping", "error", err)
		}
		close(s.done)
	})
}

// setState transitions to a new state if the transition is valid.
// The state change callback is invoked outside the lock to prevent deadlocks.
func (s *Session) setState(newState State) error {
	s.mu.Lock()
	if !IsValidTransition(s.state, newState) {
		s.mu.Unlock()
		return fmt.Errorf("invalid state transition from %s to %s", s.state, newState)
	}

	oldState := s.state
	s.state = newState
	callback := s.onStateChange
	s.mu.Unlock()

	if callback != nil {
		callback(oldState, newState)
	}
	return nil
}
