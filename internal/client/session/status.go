package session

import (
	"fmt"
	"time"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is what subscribers observe. RetryAt is set for Reconnecting,
// Reason for Error.
type Status struct {
	State   State
	RetryAt time.Time
	Reason  string
}

func (s Status) String() string {
	switch s.State {
	case Reconnecting:
		return fmt.Sprintf("reconnecting at %s", s.RetryAt.Format(time.RFC3339))
	case Error:
		return "error: " + s.Reason
	default:
		return s.State.String()
	}
}
