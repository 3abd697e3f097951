package proof

import (
	"errors"
	"fmt"
)

// State is the lifecycle position of a week's proof.
type State int

const (
	StateNone State = iota
	StateDraft
	StateSubmitted
	StateFinalized
)

var ErrInvalidTransition = errors.New("invalid proof state transition")

func (s State) String() string {
	switch s {
	case StateDraft:
		return "draft"
	case StateSubmitted:
		return "submitted"
	case StateFinalized:
		return "finalized"
	default:
		return "none"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	st, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

func ParseState(s string) (State, error) {
	switch s {
	case "none", "":
		return StateNone, nil
	case "draft":
		return StateDraft, nil
	case "submitted":
		return StateSubmitted, nil
	case "finalized":
		return StateFinalized, nil
	}
	return StateNone, fmt.Errorf("unknown proof state %q", s)
}

// Transition validates a move between states. Only the three forward steps
// exist; nothing leaves finalized.
func Transition(from, to State) error {
	if to == from+1 && to <= StateFinalized {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
