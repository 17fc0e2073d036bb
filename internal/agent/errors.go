package agent

import (
	"errors"
	"fmt"
)

// ErrCapacityExhausted indicates the working set is full and no resident
// session became evictable before the acquire timeout elapsed.
var ErrCapacityExhausted = errors.New("working set at capacity and no session evictable")

// ErrNotInitialized indicates the pair has no durable state; the create
// operation must run before messages can be processed.
var ErrNotInitialized = errors.New("agent not initialized")

// ErrAlreadyExists indicates create was called for a pair that already has
// durable state.
var ErrAlreadyExists = errors.New("agent already exists")

// GenerationError wraps a failed or timed-out generation call. The message
// that triggered it was not applied to session state, so the whole process
// call is safe to retry.
type GenerationError struct {
	Stage string // "backstory", "chat", "summary", "diary"
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed at %s: %v", e.Stage, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// IsGenerationFailed reports whether err is a GenerationError.
func IsGenerationFailed(err error) bool {
	var ge *GenerationError
	return errors.As(err, &ge)
}
