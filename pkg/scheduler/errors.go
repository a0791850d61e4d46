package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation classifies input/config validation failures.
	ErrValidation = errors.New("scheduler validation error")
	// ErrConflict classifies state conflicts (for example duplicate job, already running).
	ErrConflict = errors.New("scheduler conflict")
	// ErrNotLeader classifies leader-only operations attempted by a follower.
	ErrNotLeader = errors.New("scheduler not leader")
	// ErrNotInitialized classifies missing runtime initialization.
	ErrNotInitialized = errors.New("scheduler not initialized")
)

func schedulerError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}
