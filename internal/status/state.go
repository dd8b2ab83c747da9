package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/fleetchat/internal/bus"
)

// State represents the realtime connection state.
type State string

const (
	Idle         State = "IDLE"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
	AuthRequired State = "AUTH_REQUIRED"
	Closed       State = "CLOSED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Idle:         {Connecting, AuthRequired, Closed},
	Connecting:   {Connected, Reconnecting, AuthRequired, Closed},
	Connected:    {Reconnecting, AuthRequired, Closed},
	Reconnecting: {Connecting, AuthRequired, Closed},
	AuthRequired: {Connecting, Closed},
	Closed:       {},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Idle state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Idle,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.bus.Publish(bus.Event{
		Kind:    bus.ConnStateChanged,
		Payload: StatusChange{From: from, To: to},
	})
	return nil
}

// StatusChange is the payload for state change events.
type StatusChange struct {
	From State
	To   State
}
