package healthcheck

import "fmt"

// State is the lifecycle position of one service within a run.
//
// Transitions:
//
//	pending -> testing
//	testing -> up | down | error
//
// up, down and error are terminal for the rest of the run.
type State uint8

const (
	StatePending State = iota
	StateTesting
	StateUp
	StateDown
	StateError
)

var stateNames = [...]string{
	StatePending: "pending",
	StateTesting: "testing",
	StateUp:      "up",
	StateDown:    "down",
	StateError:   "error",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Terminal reports whether s ends an entry's lifecycle.
func (s State) Terminal() bool {
	return s == StateUp || s == StateDown || s == StateError
}

// Failed reports whether s counts toward the "down" side of a summary.
func (s State) Failed() bool {
	return s == StateDown || s == StateError
}

// CanTransition reports whether moving from s to next is legal.
func (s State) CanTransition(next State) bool {
	switch s {
	case StatePending:
		return next == StateTesting
	case StateTesting:
		return next.Terminal()
	}
	return false
}

// ParseState is the inverse of String.
func ParseState(v string) (State, error) {
	for i, name := range stateNames {
		if name == v {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown state %q", v)
}

func (s State) MarshalText() ([]byte, error) {
	if int(s) >= len(stateNames) {
		return nil, fmt.Errorf("invalid state %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
