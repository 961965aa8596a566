package statemachine

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// State is the lifecycle state of one bot instance.
type State string

const (
	Initializing State = "INITIALIZING"
	Syncing      State = "SYNCING"
	Running      State = "RUNNING"
	Error        State = "ERROR"
	ShuttingDown State = "SHUTTING_DOWN"
)

// ErrInvalidTransition is wrapped by every rejected transition.
var ErrInvalidTransition = fmt.Errorf("invalid state transition")

// validTransitions holds the permitted edges of the lifecycle graph. ERROR is
// reachable from everywhere; SHUTTING_DOWN is terminal.
var validTransitions = map[State][]State{
	Initializing: {Syncing, Error, ShuttingDown},
	Syncing:      {Running, Error, ShuttingDown},
	Running:      {Syncing, Error, ShuttingDown},
	Error:        {Syncing, ShuttingDown},
	ShuttingDown: {},
}

// Observer is called after every committed transition, outside the lock.
type Observer func(from, to State)

// Machine guards the lifecycle of one bot instance. State may be read and
// transitioned from the event loop and from signal handlers concurrently, so
// access is synchronized. Each instance owns its machine; there is no
// process-wide singleton.
type Machine struct {
	mu        sync.RWMutex
	current   State
	observers []Observer
	logger    *zap.SugaredLogger
}

// New creates a machine starting in the given state. Restoring a persisted
// RUNNING state is not allowed: a restarted process must re-sync first.
func New(initial State, logger *zap.SugaredLogger) *Machine {
	if initial == "" || initial == Running || initial == Syncing {
		initial = Initializing
	}
	return &Machine{current: initial, logger: logger}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// TransitionTo moves the machine to the target state, failing with
// ErrInvalidTransition for edges outside the lifecycle graph. A transition to
// the current state is a no-op.
func (m *Machine) TransitionTo(target State) error {
	m.mu.Lock()
	from := m.current
	if from == target {
		m.mu.Unlock()
		return nil
	}
	allowed := false
	for _, s := range validTransitions[from] {
		if s == target {
			allowed = true
			break
		}
	}
	if !allowed {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, target)
	}
	m.current = target
	observers := m.observers
	m.mu.Unlock()

	m.logger.Infow("State transition", "from", from, "to", target)
	for _, obs := range observers {
		obs(from, target)
	}
	return nil
}

// OnTransition registers an observer for committed transitions.
func (m *Machine) OnTransition(obs Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, obs)
}

// CanTrade reports whether new orders may be placed in the current state.
// RUNNING is the only trading state; SHUTTING_DOWN still allows in-flight
// actions to complete but this gate stops new placements.
func (m *Machine) CanTrade() bool {
	return m.State() == Running
}

// Halted reports whether the instance is in ERROR.
func (m *Machine) Halted() bool {
	return m.State() == Error
}
