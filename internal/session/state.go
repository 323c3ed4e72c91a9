package session

import "fmt"

// Role names the sensor a session is responsible for.
type Role string

const (
	RoleMachine   Role = "machine"
	RoleHeartRate Role = "heart_rate"
)

// ParseRole accepts "machine" and "heart_rate" (also "hr" and "heart-rate").
func ParseRole(s string) (Role, error) {
	switch s {
	case "machine", "ftms":
		return RoleMachine, nil
	case "heart_rate", "heart-rate", "hr":
		return RoleHeartRate, nil
	}
	return "", fmt.Errorf("session: unknown role %q", s)
}

// State is a connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateSearching
	StateConnecting
	StateConnected
	StateError
)

var stateNames = [...]string{
	StateDisconnected: "disconnected",
	StateSearching:    "searching",
	StateConnecting:   "connecting",
	StateConnected:    "connected",
	StateError:        "error",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("session: unknown state %q", b)
}

// transitions lists, per state, the states it may move to.
var transitions = map[State][]State{
	StateDisconnected: {StateSearching},
	StateSearching:    {StateConnecting, StateError, StateDisconnected},
	StateConnecting:   {StateConnected, StateError, StateDisconnected},
	StateConnected:    {StateError, StateDisconnected},
	StateError:        {StateSearching, StateDisconnected},
}

// CanTransition reports whether from -> to is an allowed transition.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
