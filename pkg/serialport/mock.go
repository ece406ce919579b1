package serialport

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

// MockPort implements Port with configurable behaviour for testing. Reads
// are served from a buffer the test fills with AddReadData; writes are
// captured for inspection.
type MockPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls.
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port.
	WriteBuffer *bytes.Buffer

	// ReadError is returned by the next Read call if set.
	ReadError error

	// WriteError is returned by the next Write call if set.
	WriteError error

	// CloseError is returned by Close if set.
	CloseError error

	// Closed indicates whether Close was called.
	Closed bool

	// ReadCalls records the number of Read calls.
	ReadCalls int

	// WriteCalls records the number of Write calls.
	WriteCalls int

	// ResetCalls records the number of ResetInputBuffer calls.
	ResetCalls int

	// ReadTimeout is the last timeout passed to SetReadTimeout.
	ReadTimeout time.Duration

	// frames records each Write call separately, in order.
	frames [][]byte
}

// NewMockPort creates an empty MockPort.
func NewMockPort() *MockPort {
	return &MockPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
}

// Read reads from the read buffer. An empty buffer behaves like a timed-out
// serial read and returns (0, nil), matching go.bug.st/serial semantics when
// a read timeout is set.
func (m *MockPort) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ReadCalls++

	if m.Closed {
		return 0, errors.New("serial port closed")
	}
	if m.ReadError != nil {
		err := m.ReadError
		m.ReadError = nil
		return 0, err
	}
	if m.ReadBuffer.Len() == 0 {
		return 0, nil
	}
	return m.ReadBuffer.Read(p)
}

// Write appends to the write buffer and records the frame.
func (m *MockPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.WriteCalls++

	if m.Closed {
		return 0, errors.New("serial port closed")
	}
	if m.WriteError != nil {
		err := m.WriteError
		m.WriteError = nil
		return 0, err
	}

	frame := make([]byte, len(p))
	copy(frame, p)
	m.frames = append(m.frames, frame)

	return m.WriteBuffer.Write(p)
}

// Close marks the port as closed.
func (m *MockPort) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Closed = true
	return m.CloseError
}

// SetReadTimeout records the requested timeout.
func (m *MockPort) SetReadTimeout(t time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ReadTimeout = t
	return nil
}

// ResetInputBuffer discards any unread data.
func (m *MockPort) ResetInputBuffer() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ResetCalls++
	m.ReadBuffer.Reset()
	return nil
}

// AddReadData queues data to be returned by subsequent Read calls.
func (m *MockPort) AddReadData(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ReadBuffer.Write(data)
}

// WrittenData returns all bytes written to the port.
func (m *MockPort) WrittenData() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.WriteBuffer.Bytes()
}

// Frames returns each Write call's payload, in order.
func (m *MockPort) Frames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([][]byte, len(m.frames))
	copy(out, m.frames)
	return out
}

// Reset clears all buffers and recorded state.
func (m *MockPort) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ReadBuffer.Reset()
	m.WriteBuffer.Reset()
	m.frames = nil
	m.ReadCalls = 0
	m.WriteCalls = 0
	m.ResetCalls = 0
	m.Closed = false
	m.ReadError = nil
	m.WriteError = nil
	m.CloseError = nil
}
