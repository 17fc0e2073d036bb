package store

import (
	"errors"
	"fmt"
)

// ErrDuplicateDate indicates a diary entry already exists for the
// (character, player, date) triple. Diary entries are append-only; a given
// date is written at most once.
var ErrDuplicateDate = errors.New("diary entry already exists for date")

// ErrUnsupported indicates the requested operation is not defined, such as
// overwriting an existing diary entry.
var ErrUnsupported = errors.New("operation not supported")

// NotFoundError indicates no durable row exists for the pair.
type NotFoundError struct {
	CharacterID   int64
	PlayerAddress string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("agent state not found: character %d, player %s", e.CharacterID, e.PlayerAddress)
}

// UnavailableError wraps a transport or database failure: the store could not
// be reached, as opposed to a row not existing.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsUnavailable reports whether err is an UnavailableError.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}
