// Package types holds the upstream connection state machine shared by the
// manager and its observers.
package types

import (
	"fmt"
	"sync"
	"time"
)

// LoadingState represents the lifecycle state of an upstream connection.
type LoadingState int

const (
	// StatePending means the upstream is configured but not yet scheduled.
	StatePending LoadingState = iota
	// StateLoading means transport start or handshake is in progress.
	StateLoading
	// StateAwaitingOAuth means the upstream rejected the handshake with an
	// authorization URL; sticky until an external OAuth-completed signal.
	StateAwaitingOAuth
	// StateReady means the handshake succeeded and requests may flow.
	StateReady
	// StateFailed means the connect-retry budget is exhausted.
	StateFailed
	// StateCancelled means the upstream was removed or the proxy shut down.
	StateCancelled
)

// String returns the state name.
func (s LoadingState) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateLoading:
		return "Loading"
	case StateAwaitingOAuth:
		return "AwaitingOAuth"
	case StateReady:
		return "Ready"
	case StateFailed:
		return "Failed"
	case StateCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further automatic transitions happen from s.
func (s LoadingState) Terminal() bool {
	return s == StateCancelled
}

// Info is a snapshot of an upstream's state with bookkeeping fields.
type Info struct {
	State            LoadingState `json:"state"`
	LastError        error        `json:"-"`
	RetryCount       int          `json:"retry_count"`
	RestartCount     int          `json:"restart_count"`
	AuthorizationURL string       `json:"authorization_url,omitempty"`
	EnteredAt        time.Time    `json:"entered_at"`
	// Duration covers the time spent in the previous state.
	Duration time.Duration `json:"duration"`
}

// ChangeCallback observes a state transition. Invoked outside the machine's
// lock, in transition order for any single upstream.
type ChangeCallback func(oldState, newState LoadingState, info Info)

// Machine is the per-upstream state machine. Transitions are validated
// against the lifecycle graph; observers see them in order.
type Machine struct {
	mu               sync.Mutex
	state            LoadingState
	lastError        error
	retryCount       int
	restartCount     int
	authorizationURL string
	enteredAt        time.Time
	onChange         ChangeCallback
}

// NewMachine creates a machine in StatePending.
func NewMachine() *Machine {
	return &Machine{state: StatePending, enteredAt: time.Now()}
}

// SetChangeCallback registers the transition observer.
func (m *Machine) SetChangeCallback(cb ChangeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = cb
}

// State returns the current state.
func (m *Machine) State() LoadingState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns the current state with bookkeeping fields.
func (m *Machine) Snapshot() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.infoLocked()
}

func (m *Machine) infoLocked() Info {
	return Info{
		State:            m.state,
		LastError:        m.lastError,
		RetryCount:       m.retryCount,
		RestartCount:     m.restartCount,
		AuthorizationURL: m.authorizationURL,
		EnteredAt:        m.enteredAt,
	}
}

var validTransitions = map[LoadingState][]LoadingState{
	StatePending:       {StateLoading, StateCancelled},
	StateLoading:       {StateReady, StateFailed, StateAwaitingOAuth, StateCancelled},
	StateAwaitingOAuth: {StateLoading, StateCancelled},
	// Ready -> Failed covers a lost connection with no restart budget;
	// only Ready -> Loading counts as a restart.
	StateReady:         {StateLoading, StateFailed, StateCancelled},
	StateFailed:        {StateLoading, StateCancelled},
	StateCancelled:     {},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to LoadingState) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves to a new state. Illegal edges are rejected so observers
// never see back-in-time transitions.
func (m *Machine) Transition(to LoadingState) error {
	return m.transition(to, nil, "")
}

// Fail records err and moves to StateFailed.
func (m *Machine) Fail(err error) error {
	return m.transition(StateFailed, err, "")
}

// AwaitOAuth records the authorization URL and moves to StateAwaitingOAuth.
func (m *Machine) AwaitOAuth(err error, authorizationURL string) error {
	return m.transition(StateAwaitingOAuth, err, authorizationURL)
}

func (m *Machine) transition(to LoadingState, err error, authorizationURL string) error {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return nil
	}
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}

	now := time.Now()
	duration := now.Sub(m.enteredAt)
	m.state = to
	m.enteredAt = now

	switch to {
	case StateReady:
		m.lastError = nil
		m.retryCount = 0
		m.authorizationURL = ""
	case StateFailed:
		m.lastError = err
	case StateAwaitingOAuth:
		m.lastError = err
		m.authorizationURL = authorizationURL
	case StateLoading:
		if from == StateReady {
			m.restartCount++
		} else if from == StateFailed || from == StateAwaitingOAuth || from == StatePending {
			// retry bookkeeping happens via RecordRetry
		}
	case StateCancelled:
	case StatePending:
	}

	info := m.infoLocked()
	info.Duration = duration
	cb := m.onChange
	m.mu.Unlock()

	if cb != nil {
		cb(from, to, info)
	}
	return nil
}

// RecordRetry increments the connect-retry counter and stores the error that
// triggered the retry.
func (m *Machine) RecordRetry(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retryCount++
	m.lastError = err
}

// RetryCount returns the connect-retry counter.
func (m *Machine) RetryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retryCount
}

// RestartCount returns how many times the upstream bounced out of Ready.
func (m *Machine) RestartCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restartCount
}
