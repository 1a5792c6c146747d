package protocol

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidTransition is returned for a state change the protocol forbids.
var ErrInvalidTransition = errors.New("invalid state transition")

// State is the protocol state of one session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingCoherence
	StateStreaming
	StateDraining
	StateDisconnected
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAwaitingCoherence:
		return "awaiting_coherence"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// transitions lists legal moves other than "any non-idle → disconnected"
// and "any → idle", which are always allowed.
var transitions = map[State][]State{
	StateIdle:              {StateConnecting},
	StateConnecting:        {StateAwaitingCoherence},
	StateAwaitingCoherence: {StateStreaming},
	StateStreaming:         {StateDraining},
	StateDisconnected:      {StateAwaitingCoherence},
}

// CanTransition reports whether from → to is legal.
func CanTransition(from, to State) bool {
	if to == StateIdle {
		return true
	}
	if to == StateDisconnected {
		return from != StateIdle
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Machine tracks the current state. It is safe for concurrent use, though a
// session only drives it from its own goroutine.
type Machine struct {
	mu    sync.Mutex
	state State
}

// NewMachine returns a machine in StateIdle.
func NewMachine() *Machine {
	return &Machine{}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves to the next state and returns the previous one.
// Transitioning to the current state is a no-op.
func (m *Machine) Transition(to State) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	if from == to {
		return from, nil
	}
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.state = to
	return from, nil
}
