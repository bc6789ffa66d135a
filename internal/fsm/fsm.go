// Package fsm is a small table-driven state machine used by the capture
// controller and the login/enrollment flows.
package fsm

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidTransition is returned by Fire when no edge exists for the
// current state and event.
var ErrInvalidTransition = errors.New("invalid transition")

// Transition describes a single edge in the FSM.
// Guard may reject the transition; it runs while the machine is locked.
type Transition[S ~string, E ~string] struct {
	From  S
	Event E
	To    S
	Guard func(from S, event E) error
}

// Machine is a small, test-friendly FSM runner.
// Unknown transitions are errors.
type Machine[S ~string, E ~string] struct {
	mu       sync.Mutex
	state    S
	index    map[string]Transition[S, E]
	terminal map[S]struct{}
}

// New builds a machine starting in initial. States listed in terminal
// accept no events at all.
func New[S ~string, E ~string](initial S, transitions []Transition[S, E], terminal ...S) (*Machine[S, E], error) {
	idx := make(map[string]Transition[S, E], len(transitions))
	term := make(map[S]struct{}, len(terminal))
	for _, s := range terminal {
		term[s] = struct{}{}
	}
	for _, t := range transitions {
		if _, ok := term[t.From]; ok {
			return nil, fmt.Errorf("transition out of terminal state: %s -> %s", t.From, t.Event)
		}
		k := key(t.From, t.Event)
		if _, exists := idx[k]; exists {
			return nil, fmt.Errorf("duplicate transition: %s -> %s", t.From, t.Event)
		}
		idx[k] = t
	}
	return &Machine[S, E]{state: initial, index: idx, terminal: term}, nil
}

// MustNew is New for package-level tables that are known to be valid.
func MustNew[S ~string, E ~string](initial S, transitions []Transition[S, E], terminal ...S) *Machine[S, E] {
	m, err := New(initial, transitions, terminal...)
	if err != nil {
		panic(err)
	}
	return m
}

func (m *Machine[S, E]) State() S {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Terminal reports whether the current state is terminal.
func (m *Machine[S, E]) Terminal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.terminal[m.state]
	return ok
}

// Can reports whether event would be accepted from the current state,
// ignoring guards.
func (m *Machine[S, E]) Can(event E) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.index[key(m.state, event)]
	return ok
}

// Fire applies an event atomically and returns the state it left and the
// state it entered.
func (m *Machine[S, E]) Fire(event E) (from, to S, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from = m.state
	t, ok := m.index[key(from, event)]
	if !ok {
		return from, from, fmt.Errorf("%w: state=%s event=%s", ErrInvalidTransition, from, event)
	}
	if t.Guard != nil {
		if err := t.Guard(from, event); err != nil {
			return from, from, err
		}
	}
	m.state = t.To
	return from, t.To, nil
}

func key[S ~string, E ~string](from S, event E) string {
	return string(from) + "|" + string(event)
}
