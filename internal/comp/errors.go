package comp

import (
	"errors"
	"fmt"
)

// TimeoutError marks a remote peer as unresponsive within the call budget.
// Callers treat it as transient: the next natural tick retries.
type TimeoutError struct {
	Comp string
	Op   string
	Err  error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s(%s): timed out: %v", e.Op, e.Comp, e.Err)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// LoadError marks remote data as malformed or missing. Callers treat it
// as structural: log loudly and substitute a cached value where one exists.
type LoadError struct {
	Comp string
	Op   string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s(%s): cannot load data: %v", e.Op, e.Comp, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

func IsLoadFailure(err error) bool {
	var le *LoadError
	return errors.As(err, &le)
}
