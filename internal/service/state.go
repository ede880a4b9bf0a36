package service

import "fmt"

// State is the lifecycle state of a managed service.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateStarting      State = "starting"
	StateRunning       State = "running"
	StateRecovering    State = "recovering"
	StateStopping      State = "stopping"
	StateStopped       State = "stopped"
	StateFailed        State = "failed"
)

// transitions is the full table of permitted state changes. Anything not
// listed here is an invalid transition and must be rejected by callers.
var transitions = map[State][]State{
	StateUninitialized: {StateStarting},
	StateStarting:      {StateRunning, StateFailed},
	StateRunning:       {StateRecovering, StateStopping},
	StateRecovering:    {StateRunning, StateFailed},
	StateStopping:      {StateStopped, StateFailed},
	StateStopped:       {StateStarting},
	StateFailed:        {StateStarting},
}

// CanTransition reports whether from -> to is a permitted state change.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to and returns to, or an error describing the
// rejected change.
func Transition(from, to State) (State, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("invalid state transition %s -> %s", from, to)
	}
	return to, nil
}

// Terminal reports whether the state requires an explicit restart to leave.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

func (s State) String() string { return string(s) }
