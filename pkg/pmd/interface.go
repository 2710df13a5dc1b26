package pmd

import (
	"io"
	"time"

	"go.bug.st/serial"
)

// Port is the byte-oriented duplex channel the session drives. A Read that
// hits the read timeout returns 0 bytes and a nil error.
type Port interface {
	io.ReadWriteCloser
	SetMode(mode *serial.Mode) error
	SetReadTimeout(t time.Duration) error
	// Drain blocks until all written bytes have been transmitted.
	Drain() error
	ResetInputBuffer() error
	ResetOutputBuffer() error
}

// Ensure serial ports satisfy Port.
var _ Port = (serial.Port)(nil)

// Ensure Emulator satisfies Port.
var _ Port = (*Emulator)(nil)
