package session

import (
	"errors"
	"fmt"

	"HeimLog/internal/protocol"
)

// ErrIllegalTransition is returned when a lifecycle change would move backward
var ErrIllegalTransition = errors.New("illegal lifecycle transition")

// Lifecycle is the phase of a room connection
type Lifecycle int

const (
	// Connected waits for hello and snapshot
	Connected Lifecycle = iota
	// Authing means the room bounced us and wants authentication
	Authing
	// Joined is the steady state of a plain client
	Joined
	// Catchup pages backward through history
	Catchup
	// Tailing logs live events only
	Tailing
	// Ending is terminal and reachable from every state
	Ending
)

// String returns the string representation of Lifecycle
func (l Lifecycle) String() string {
	switch l {
	case Connected:
		return "connected"
	case Authing:
		return "authing"
	case Joined:
		return "joined"
	case Catchup:
		return "catchup"
	case Tailing:
		return "tailing"
	case Ending:
		return "ending"
	default:
		return fmt.Sprintf("lifecycle(%d)", int(l))
	}
}

var transitions = map[Lifecycle][]Lifecycle{
	Connected: {Authing, Joined, Catchup},
	Authing:   {Joined, Catchup},
	Catchup:   {Tailing},
}

// CanTransition reports whether to is reachable from l in one step
func (l Lifecycle) CanTransition(to Lifecycle) bool {
	if to == Ending || to == l {
		return true
	}
	for _, next := range transitions[l] {
		if next == to {
			return true
		}
	}
	return false
}

// State is the mutable part of a Session. It is only touched while the
// session lock is held: by handlers during dispatch, or through Session.Update.
type State struct {
	Lifecycle Lifecycle
	// HaltedFrom is the lifecycle the session was in when it moved to Ending
	HaltedFrom Lifecycle
	WhoAmI     string
	// CatchupTo is the id of the last durably checkpointed message
	CatchupTo string
	// LastSeen is the newest message observed this run
	LastSeen *protocol.Message
}

// Transition moves the lifecycle forward
func (st *State) Transition(to Lifecycle) error {
	if !st.Lifecycle.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, st.Lifecycle, to)
	}
	if to == Ending {
		st.end()
		return nil
	}
	st.Lifecycle = to
	return nil
}

func (st *State) end() {
	if st.Lifecycle == Ending {
		return
	}
	st.HaltedFrom = st.Lifecycle
	st.Lifecycle = Ending
}

// Observe records msg as last seen if it is newer than the current one
func (st *State) Observe(msg protocol.Message) bool {
	if st.LastSeen != nil && !st.LastSeen.Before(msg) {
		return false
	}
	m := msg
	st.LastSeen = &m
	return true
}
