// Package serialport abstracts the serial connection to an instrument so
// that protocol code can be exercised against a test double.
package serialport

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// Port is the minimal surface the stage controller needs from a serial
// connection. go.bug.st/serial's Port satisfies it directly.
type Port interface {
	io.ReadWriteCloser

	// SetReadTimeout bounds how long a single Read may block.
	SetReadTimeout(t time.Duration) error

	// ResetInputBuffer discards unread bytes in the receive buffer.
	ResetInputBuffer() error
}

// Open opens the serial device at the given path and baud rate, 8N1.
func Open(path string, baudRate int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", path, err)
	}
	return port, nil
}

// List returns the serial device paths visible on this machine.
func List() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	return ports, nil
}
