// Package session resolves login attempts into owner or sub-user sessions and
// keeps the session-scoped permission cache.
package session

import "fmt"

// State is a step of one login attempt.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateResolving       State = "resolving_identity"
	StateOwner           State = "owner_session"
	StateSubUser         State = "sub_user_session"
	StateRejected        State = "rejected"
)

var transitions = map[State][]State{
	StateUnauthenticated: {StateResolving},
	StateResolving:       {StateOwner, StateSubUser, StateRejected},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// CanMove reports whether to is a legal successor of s.
func (s State) CanMove(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// attempt records the states one login passes through. Every attempt starts
// Unauthenticated.
type attempt struct {
	trace []State
}

func newAttempt() *attempt {
	return &attempt{trace: []State{StateUnauthenticated}}
}

func (a *attempt) current() State { return a.trace[len(a.trace)-1] }

func (a *attempt) move(to State) error {
	from := a.current()
	if !from.CanMove(to) {
		return fmt.Errorf("session: illegal transition %s -> %s", from, to)
	}
	a.trace = append(a.trace, to)
	return nil
}
