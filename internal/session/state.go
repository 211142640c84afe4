// Package session tracks the monitor lifecycle behind the control plane and
// accumulates the programs it has observed.
package session

// State represents the lifecycle state of a Session.
type State string

const (
	// StateUninitialized indicates no interface has been selected yet.
	StateUninitialized State = "uninitialized"
	// StateRunning indicates a monitor is active for the current interface.
	StateRunning State = "running"
	// StateStopped indicates the session has shut down for good.
	StateStopped State = "stopped"
)

// IsRunning returns true if a monitor is active.
func (s State) IsRunning() bool {
	return s == StateRunning
}

// IsStopped returns true once the session reached its terminal state.
func (s State) IsStopped() bool {
	return s == StateStopped
}

// CanSetInterface returns true if a monitor can be (re)started from this state.
func (s State) CanSetInterface() bool {
	return s == StateUninitialized || s == StateRunning
}

// validTransitions defines the allowed state transitions.
var validTransitions = map[State][]State{
	StateUninitialized: {
		StateRunning,
		StateStopped,
	},
	StateRunning: {
		StateRunning,       // Switching interfaces replaces the monitor
		StateUninitialized, // The replacement monitor could not be created
		StateStopped,
	},
	StateStopped: {},
}

// IsValidTransition checks if transitioning from one state to another is allowed.
func IsValidTransition(from, to State) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// AllStates returns all possible session states.
func AllStates() []State {
	return []State{
		StateUninitialized,
		StateRunning,
		StateStopped,
	}
}
