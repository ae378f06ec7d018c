package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/wastechat/internal/bus"
)

// State is the connection state of the job event stream.
type State string

const (
	Idle       State = "IDLE"
	Connecting State = "CONNECTING"
	Streaming  State = "STREAMING"
	Done       State = "DONE"
	Error      State = "ERROR"
)

// validTransitions defines allowed state transitions. Streaming may fall back
// to Connecting on a transport error; a new job may start from any settled state.
var validTransitions = map[State][]State{
	Idle:       {Connecting},
	Connecting: {Streaming, Connecting, Error, Idle},
	Streaming:  {Connecting, Done, Error, Idle},
	Done:       {Connecting, Idle},
	Error:      {Connecting, Idle},
}

// Busy reports whether a generation is in progress in this state.
func (s State) Busy() bool {
	return s == Connecting || s == Streaming
}

// Machine tracks and enforces stream state transitions.
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
	m.set(to)
	return nil
}

// Reset forces the machine back to Idle. Used by disconnect and by a new
// connect that tears down the previous job.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != Idle {
		m.set(Idle)
	}
}

func (m *Machine) set(to State) {
	from := m.current
	m.current = to
	m.bus.Publish(bus.NewEvent(bus.KindStreamState, "", StatusChange{From: from, To: to}))
}

// StatusChange is the payload for state change events.
type StatusChange struct {
	From State
	To   State
}
