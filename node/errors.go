package node

import (
	"errors"
	"fmt"
)

// ErrSessionClosed reports that the broker session ended.
var ErrSessionClosed = errors.New("broker session closed")

// FatalError marks a failure that must terminate the simulated-node process.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal: %v", e.Err) }

func (e *FatalError) Unwrap() error { return e.Err }

func fatal(format string, args ...any) error {
	return &FatalError{Err: fmt.Errorf(format, args...)}
}

// IsFatal reports whether err carries a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
