package coordination

import (
	"errors"
	"fmt"
)

var (
	// ErrKeyNotFound classifies reads of absent or expired keys.
	ErrKeyNotFound = errors.New("coordination key not found")
	// ErrLeaseLost classifies renew/release attempts on a lease the caller no longer holds.
	ErrLeaseLost = errors.New("coordination lease lost")
	// ErrInvalidArgument classifies invalid caller arguments.
	ErrInvalidArgument = errors.New("coordination invalid argument")
	// ErrRetryable classifies transient store failures safe to retry.
	ErrRetryable = errors.New("coordination retryable error")
	// ErrNotInitialized classifies operations on an uninitialized store.
	ErrNotInitialized = errors.New("coordination store not initialized")
)

func coordError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}
