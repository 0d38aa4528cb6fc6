package lazy

import (
	"fmt"

	"golang.org/x/xerrors"
)

var (
	// ErrReentrant is returned when a constructor loads its own Cell using the
	// context it was given. Waiting would deadlock.
	ErrReentrant = xerrors.New("lazy: cell loaded from within its own constructor")

	// ErrRetryBackoff is returned, wrapped together with the last construction
	// failure, when a retrying cell is still inside its backoff window.
	ErrRetryBackoff = xerrors.New("lazy: construction retry is backing off")

	// ErrConstructorExited is the cause of a ConstructionError whose
	// constructor ended its goroutine (runtime.Goexit) instead of returning.
	ErrConstructorExited = xerrors.New("lazy: constructor exited without returning")
)

// ConstructionError is returned when a constructor fails. Every caller that
// raced on the failed attempt receives the same *ConstructionError.
type ConstructionError struct {
	// Name is the name of the cell, if one was configured.
	Name string
	// Attempt is the 1-based construction attempt that failed.
	Attempt int
	// Panicked is true if the constructor panicked. Err then holds the
	// recovered value.
	Panicked bool
	Err      error
}

func (e *ConstructionError) Error() string {
	name := e.Name
	if name == "" {
		name = "value"
	}
	verb := "failed"
	if e.Panicked {
		verb = "panicked"
	}
	return fmt.Sprintf("construct %s: attempt %d %s: %s", name, e.Attempt, verb, e.Err)
}

func (e *ConstructionError) Unwrap() error {
	return e.Err
}

// backoffError joins ErrRetryBackoff with the failure that started the
// backoff window.
type backoffError struct {
	last *ConstructionError
}

func (e *backoffError) Error() string {
	return fmt.Sprintf("%s: %s", ErrRetryBackoff, e.last)
}

func (e *backoffError) Is(target error) bool {
	return target == ErrRetryBackoff
}

func (e *backoffError) Unwrap() error {
	return e.last
}
