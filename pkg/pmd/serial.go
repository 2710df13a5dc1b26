package pmd

import (
	"fmt"
	"slices"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

const (
	// DefaultBaudRate is the baud rate the device boots with.
	DefaultBaudRate = 115200
	// FastBaudRate is the rate used by the fastest acquisition level.
	FastBaudRate = 460800
	// DefaultReadTimeout bounds every request/response read.
	DefaultReadTimeout = 100 * time.Millisecond
)

// SupportedBaudRates lists the rates the device firmware accepts.
var SupportedBaudRates = []int{115200, 230400, 460800, 921600, 1500000, 2000000}

// ValidBaudRate reports whether baud is in SupportedBaudRates.
func ValidBaudRate(baud int) bool {
	return slices.Contains(SupportedBaudRates, baud)
}

// PortInfo describes a serial port present on the host.
type PortInfo struct {
	Name        string
	Description string
	IsUSB       bool
	VID         string
	PID         string
}

// Mode returns the 8-N-1 serial mode for the baud rate.
func Mode(baud int) *serial.Mode {
	return &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// Ports returns a list of available serial ports.
func Ports() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	result := make([]PortInfo, 0, len(details))
	for _, d := range details {
		desc := d.Product
		if desc == "" {
			desc = d.Name
		}
		result = append(result, PortInfo{
			Name:        d.Name,
			Description: desc,
			IsUSB:       d.IsUSB,
			VID:         d.VID,
			PID:         d.PID,
		})
	}
	return result, nil
}

// ValidatePort checks that name is one of the host's serial ports.
func ValidatePort(name string) error {
	names, err := serial.GetPortsList()
	if err != nil {
		return fmt.Errorf("failed to list serial ports: %w", err)
	}
	if !slices.Contains(names, name) {
		return fmt.Errorf("%w: invalid port name %q", ErrConfiguration, name)
	}
	return nil
}

// OpenSerial opens a serial port at the default baud rate with 8-N-1 framing.
func OpenSerial(name string) (serial.Port, error) {
	port, err := serial.Open(name, Mode(DefaultBaudRate))
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", name, err)
	}
	return port, nil
}
