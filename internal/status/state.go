package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/chatline/internal/bus"
)

// State is the lifecycle state of a realtime connection handle.
type State string

const (
	Idle         State = "idle"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Reconnecting State = "reconnecting"
	Closed       State = "closed"
)

// All lists every state, e.g. for exporting one gauge per state.
var All = []string{string(Idle), string(Connecting), string(Connected), string(Reconnecting), string(Closed)}

// validTransitions defines allowed state transitions. Closed is terminal: a
// handle is never reused once closed.
var validTransitions = map[State][]State{
	Idle:         {Connecting, Closed},
	Connecting:   {Connected, Reconnecting, Closed},
	Connected:    {Reconnecting, Closed},
	Reconnecting: {Connected, Closed},
	Closed:       {},
}

// Machine tracks and enforces the state of one connection handle.
type Machine struct {
	mu             sync.RWMutex
	current        State
	conversationID string
	bus            *bus.Bus
	watchers       []func(StatusChange)
}

// NewMachine creates a machine in Idle state bound to a conversation.
func NewMachine(conversationID string, b *bus.Bus) *Machine {
	return &Machine{
		current:        Idle,
		conversationID: conversationID,
		bus:            b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Watch registers fn to run after every successful transition.
func (m *Machine) Watch(fn func(StatusChange)) {
	m.mu.Lock()
	m.watchers = append(m.watchers, fn)
	m.mu.Unlock()
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	change := StatusChange{
		ConversationID: m.conversationID,
		From:           m.current,
		To:             to,
	}
	m.current = to
	watchers := slices.Clone(m.watchers)
	m.mu.Unlock()

	for _, fn := range watchers {
		fn(change)
	}
	m.bus.Emit(bus.KindConnState, change)
	return nil
}

// StatusChange is the payload for connection state events.
type StatusChange struct {
	ConversationID string
	From           State
	To             State
}
