package pmd

import (
	"errors"
	"fmt"
)

// Error classes reported by the session. Callers classify with errors.Is.
var (
	ErrTransport        = errors.New("transport failure")
	ErrTimeout          = errors.New("read timed out")
	ErrProtocolMismatch = errors.New("protocol mismatch")
	ErrConfiguration    = errors.New("invalid configuration")
	ErrInvalidState     = errors.New("invalid session state")
	ErrClosed           = errors.New("session is closed")
)

// LayoutError is returned when a buffer handed to a decoder does not have the
// exact size of the wire structure.
type LayoutError struct {
	Struct string
	Want   int
	Got    int
}

func (e *LayoutError) Error() string {
	return fmt.Sprintf("layout error: %s needs %d bytes, got %d", e.Struct, e.Want, e.Got)
}

func checkLayout(name string, buf []byte, want int) error {
	if len(buf) != want {
		return &LayoutError{Struct: name, Want: want, Got: len(buf)}
	}
	return nil
}

func transportErr(step string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransport, step, err)
}
