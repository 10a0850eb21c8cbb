package chat

import (
	"errors"
	"fmt"
)

// State is the chat session's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingWelcome
	StateRegistering
	StateJoining
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingWelcome:
		return "awaiting_welcome"
	case StateRegistering:
		return "registering"
	case StateJoining:
		return "joining"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Connected reports whether a connection is open in this state.
func (s State) Connected() bool {
	return s >= StateAwaitingWelcome && s <= StateReady
}

type event int

const (
	evDial         event = iota // connection attempt begins
	evDialFailed                // attempt failed; a later broadcast retries
	evConnected                 // stream open, identity sent
	evWelcome                   // welcome banner or end-of-MOTD seen
	evRegistered                // identity confirmed sent
	evJoinSent                  // JOIN written
	evRemoteClosed              // peer closed or read failed
	evShutdown                  // local shutdown or quit command
)

func (e event) String() string {
	switch e {
	case evDial:
		return "dial"
	case evDialFailed:
		return "dial_failed"
	case evConnected:
		return "connected"
	case evWelcome:
		return "welcome"
	case evRegistered:
		return "registered"
	case evJoinSent:
		return "join_sent"
	case evRemoteClosed:
		return "remote_closed"
	case evShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

var errIllegalTransition = errors.New("illegal transition")

// transition is the session's whole state machine. It has no side effects;
// the owner loop performs the I/O that belongs to each step.
func transition(from State, ev event) (State, error) {
	if from == StateClosed {
		return from, fmt.Errorf("%w: %s on %s", errIllegalTransition, ev, from)
	}
	switch ev {
	case evShutdown:
		return StateClosed, nil
	case evRemoteClosed:
		if from.Connected() {
			return StateClosed, nil
		}
	case evDial:
		if from == StateDisconnected {
			return StateConnecting, nil
		}
	case evDialFailed:
		if from == StateConnecting {
			return StateDisconnected, nil
		}
	case evConnected:
		if from == StateConnecting {
			return StateAwaitingWelcome, nil
		}
	case evWelcome:
		if from == StateAwaitingWelcome {
			return StateRegistering, nil
		}
	case evRegistered:
		if from == StateRegistering {
			return StateJoining, nil
		}
	case evJoinSent:
		if from == StateJoining {
			return StateReady, nil
		}
	}
	return from, fmt.Errorf("%w: %s on %s", errIllegalTransition, ev, from)
}
