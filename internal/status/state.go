package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pulsehq/pulse/internal/bus"
)

// State represents a realtime connection lifecycle state.
type State string

const (
	Idle         State = "IDLE"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
	Failed       State = "FAILED"
	Closed       State = "CLOSED"
)

// validTransitions defines allowed state transitions. Closed is terminal
// and reachable from everywhere; Failed parks the connection until the
// caller explicitly re-invokes connect.
var validTransitions = map[State][]State{
	Idle:         {Connecting, Closed},
	Connecting:   {Connected, Failed, Closed},
	Connected:    {Reconnecting, Closed},
	Reconnecting: {Connected, Failed, Closed},
	Failed:       {Connecting, Closed},
	Closed:       {},
}

// Machine tracks and enforces lifecycle transitions for one connection.
// Every successful transition is published on the bus so observers see
// connectivity as state, never as errors.
type Machine struct {
	mu      sync.RWMutex
	current State
	connID  string
	bus     *bus.Bus
}

// NewMachine creates a state machine for the given connection id,
// starting in Idle.
func NewMachine(connID string, b *bus.Bus) *Machine {
	return &Machine{
		current: Idle,
		connID:  connID,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Online reports whether the connection is usable for sends right now.
func (m *Machine) Online() bool {
	return m.Current() == Connected
}

// Recovering reports whether an automatic reconnect is in progress.
func (m *Machine) Recovering() bool {
	return m.Current() == Reconnecting
}

// Transition attempts to move to a new state. Returns an error if the
// transition is not allowed from the current state.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "conn.state_changed",
			Timestamp: time.Now(),
			Payload: Change{
				ConnID: m.connID,
				From:   from,
				To:     to,
			},
		})
	}
	return nil
}

// Change is the payload for conn.state_changed events.
type Change struct {
	ConnID string
	From   State
	To     State
}
