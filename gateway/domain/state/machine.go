// Package state holds the per-instance connectivity state machine.
package state

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

type Kind string

const (
	Uninitialized Kind = "uninitialized"
	AwaitingQR    Kind = "awaiting_qr"
	Authenticated Kind = "authenticated"
	Ready         Kind = "ready"
	Disconnected  Kind = "disconnected"
	Error         Kind = "error"
)

// ErrIllegalTransition is returned when a transition is not part of the graph.
// The current state is left unchanged.
var ErrIllegalTransition = errors.New("state: illegal transition")

// State is one connectivity value. Reason is only set for Error.
type State struct {
	Kind   Kind   `json:"kind"`
	Reason string `json:"reason,omitempty"`
}

func Of(kind Kind) State { return State{Kind: kind} }

func Failed(reason string) State { return State{Kind: Error, Reason: reason} }

func (s State) String() string {
	if s.Kind == Error && s.Reason != "" {
		return fmt.Sprintf("%s(%s)", s.Kind, s.Reason)
	}
	return string(s.Kind)
}

// CanSend reports whether outbound sends are permitted.
func (s State) CanSend() bool { return s.Kind == Ready }

var graph = map[Kind][]Kind{
	Uninitialized: {AwaitingQR, Disconnected, Error},
	AwaitingQR:    {AwaitingQR, Authenticated, Disconnected, Error},
	Authenticated: {Ready, Disconnected, Error},
	Ready:         {Disconnected, Error},
	Disconnected:  {AwaitingQR, Error},
	Error:         {AwaitingQR, Disconnected, Error},
}

// Allowed reports whether from -> to is an edge of the graph.
func Allowed(from, to Kind) bool {
	for _, k := range graph[from] {
		if k == to {
			return true
		}
	}
	return false
}

// Transition records one applied change.
type Transition struct {
	From  State     `json:"from"`
	To    State     `json:"to"`
	Cause string    `json:"cause,omitempty"`
	At    time.Time `json:"at"`
}

const historySize = 32

// Machine serializes every transition of one instance.
type Machine struct {
	mu      sync.Mutex
	current State
	since   time.Time
	history []Transition
	now     func() time.Time
}

func NewMachine() *Machine {
	return &Machine{
		current: Of(Uninitialized),
		since:   time.Now().UTC(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.since
}

func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// Fire moves the machine to `to`. Re-entering the current state is a no-op
// (changed is false) except for the AwaitingQR self-loop and an Error with a
// different reason.
func (m *Machine) Fire(to State, cause string) (t Transition, changed bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.current
	if from == to && to.Kind != AwaitingQR {
		return Transition{From: from, To: to}, false, nil
	}
	if !Allowed(from.Kind, to.Kind) {
		return Transition{}, false, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}

	t = Transition{From: from, To: to, Cause: cause, At: m.now()}
	m.current = to
	m.since = t.At
	m.history = append(m.history, t)
	if len(m.history) > historySize {
		m.history = m.history[len(m.history)-historySize:]
	}
	return t, true, nil
}

// Steps returns the transitions needed to reflect a provider-reported state,
// starting from current. An empty result means nothing changes.
func Steps(current State, provider string) []State {
	switch provider {
	case "authorized":
		switch current.Kind {
		case Ready:
			return nil
		case Authenticated:
			return []State{Of(Ready)}
		case AwaitingQR:
			return []State{Of(Authenticated), Of(Ready)}
		default:
			return []State{Of(AwaitingQR), Of(Authenticated), Of(Ready)}
		}
	case "notAuthorized":
		switch current.Kind {
		case AwaitingQR:
			return nil
		case Authenticated, Ready:
			return []State{Of(Disconnected)}
		default:
			return []State{Of(AwaitingQR)}
		}
	case "starting":
		return nil
	case "blocked", "yellowCard":
		return []State{Failed(provider)}
	case "sleepMode", "unknown", "":
		if current.Kind == Disconnected {
			return nil
		}
		return []State{Of(Disconnected)}
	default:
		return []State{Failed("unexpected provider state " + provider)}
	}
}
