package session

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when an operation is not allowed in the
// session's current state. The session is left unchanged.
var ErrInvalidTransition = errors.New("invalid session transition")

var (
	// ErrNoPlayers is returned by Start without any players.
	ErrNoPlayers = errors.New("session requires at least one player")
	// ErrBlankPlayer rejects a player with neither customer id nor name.
	ErrBlankPlayer = errors.New("player requires a customer id or name")
)

// TransitionError describes a rejected operation.
type TransitionError struct {
	Op   string
	From Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s a %s session", e.Op, e.From)
}

// Is lets errors.Is match ErrInvalidTransition.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
