package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks missing or invalid configuration: schema entries,
	// target tables, buckets. Never retried.
	ErrConfiguration = errors.New("configuration error")

	// ErrUnknownType is returned when a column declares a type with no mapping.
	ErrUnknownType = fmt.Errorf("%w: unknown column type", ErrConfiguration)
)

// EntityFailure aborts a single entity of a load run. Sibling entities still load.
type EntityFailure struct {
	Entity string
	Err    error
}

func (e *EntityFailure) Error() string {
	return fmt.Sprintf("entity %s: %v", e.Entity, e.Err)
}

func (e *EntityFailure) Unwrap() error { return e.Err }

// FatalAbort aborts the whole scope of a run before any data is touched.
type FatalAbort struct {
	Scope string
	Err   error
}

func (e *FatalAbort) Error() string {
	return fmt.Sprintf("%s aborted: %v", e.Scope, e.Err)
}

func (e *FatalAbort) Unwrap() error { return e.Err }

// IsEntityFailure reports whether err is scoped to one entity.
func IsEntityFailure(err error) bool {
	var target *EntityFailure
	return errors.As(err, &target)
}

// IsFatal reports whether err aborts the enclosing run.
func IsFatal(err error) bool {
	var target *FatalAbort
	return errors.As(err, &target)
}
