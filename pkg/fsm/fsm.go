// Package fsm provides a small finite-state machine with an explicit
// transition table. Orchestrators use it so illegal state jumps surface as
// errors instead of silently corrupting per-project state.
package fsm

import (
	"fmt"
	"sync"
)

// State is a named machine state.
type State string

// Machine tracks a current state and the set of allowed transitions.
type Machine struct {
	mu          sync.Mutex
	current     State
	transitions map[State][]State
}

// New creates a Machine starting in initial with the given transition table.
// The table maps a state to the states reachable from it.
func New(initial State, transitions map[State][]State) *Machine {
	return &Machine{
		current:     initial,
		transitions: transitions,
	}
}

// Current returns the machine's current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Is reports whether the current state equals any of the given states.
func (m *Machine) Is(states ...State) bool {
	cur := m.Current()
	for _, s := range states {
		if cur == s {
			return true
		}
	}
	return false
}

// Transition moves the machine to next, returning an error if the transition
// table does not allow it from the current state.
func (m *Machine) Transition(next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, allowed := range m.transitions[m.current] {
		if allowed == next {
			m.current = next
			return nil
		}
	}
	return fmt.Errorf("illegal transition %s -> %s", m.current, next)
}

// Force sets the state unconditionally. Reserved for transitions that are
// legal from everywhere (e.g. failure states); prefer Transition.
func (m *Machine) Force(next State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = next
}
