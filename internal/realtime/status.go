package realtime

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/courtside-app/courtside/internal/bus"
)

// State represents a realtime connection state.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateError        State = "ERROR"
)

// validTransitions defines allowed state transitions. Neither Error nor
// Disconnected is terminal; both resume via Connecting.
var validTransitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateDisconnected, StateError},
	StateConnected:    {StateDisconnected, StateError},
	StateError:        {StateConnecting, StateDisconnected},
}

// Machine tracks and enforces connection state transitions. Every change is
// published synchronously on the bus as "conn.status_changed" before
// Transition returns, and publication is serialized with the state change,
// so observers see transitions in the order they happened. Observers must
// not call Transition from inside a status handler.
type Machine struct {
	// transitionMu spans validate+set+publish; mu alone guards current so
	// Current stays readable while handlers run.
	transitionMu sync.Mutex
	mu           sync.RWMutex
	current      State
	bus          *bus.Bus
}

// NewMachine creates a state machine starting in Disconnected.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: StateDisconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is not allowed.
func (m *Machine) Transition(to State) error {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()

	m.mu.Lock()
	if !slices.Contains(validTransitions[m.current], to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	from := m.current
	m.current = to
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "conn.status_changed",
			Timestamp: time.Now(),
			Payload:   StatusChange{From: from, To: to},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
