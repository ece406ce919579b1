package mcm3000

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"
)

// defaultSimStep is how many encoder counts a simulated stage travels per
// position poll. At the 100 ms poll interval this crosses the full ZFM
// travel (~120k counts) within the 6 s move timeout.
const defaultSimStep = 2500

// SimPort emulates the device side of the MCM3000 wire protocol behind the
// serialport.Port interface. Each position poll advances every channel
// toward its move target by a fixed number of counts, so motion completes
// deterministically without real delays.
type SimPort struct {
	mu       sync.Mutex
	resp     []byte
	frames   [][]byte
	closed   bool
	step     int32
	channels [NumChannels]simChannel
}

type simChannel struct {
	current int32
	target  int32
}

// NewSimPort creates a simulated controller with all channels at encoder
// zero. stepCounts <= 0 selects the default travel rate.
func NewSimPort(stepCounts int32) *SimPort {
	if stepCounts <= 0 {
		stepCounts = defaultSimStep
	}
	return &SimPort{step: stepCounts}
}

// Write accepts a command frame and, for position requests, queues the
// 12-byte response.
func (s *SimPort) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, errors.New("simulated port closed")
	}

	frame := make([]byte, len(p))
	copy(frame, p)
	s.frames = append(s.frames, frame)

	switch {
	case len(p) == 6 && p[0] == opReqPosCounter && p[1] == opFamily:
		idx := int(p[2])
		if idx < 0 || idx >= NumChannels {
			return 0, errors.New("simulated port: channel index out of range")
		}
		s.advance(idx)
		resp := make([]byte, PositionResponseLength)
		resp[0] = 0x12 // response opcode, not inspected by the host
		resp[1] = opFamily
		resp[6] = byte(idx)
		binary.LittleEndian.PutUint32(resp[8:], uint32(s.channels[idx].current))
		s.resp = append(s.resp, resp...)

	case len(p) == 12 && p[0] == opSetPosCounter && p[1] == opFamily:
		idx := int(binary.LittleEndian.Uint16(p[6:8]))
		if idx >= 0 && idx < NumChannels {
			s.channels[idx].current = 0
			s.channels[idx].target = 0
		}

	case len(p) == 12 && p[0] == opMoveAbsolute && p[1] == opFamily:
		idx := int(binary.LittleEndian.Uint16(p[6:8]))
		if idx >= 0 && idx < NumChannels {
			s.channels[idx].target = int32(binary.LittleEndian.Uint32(p[8:12]))
		}
	}

	return len(p), nil
}

// advance moves a channel toward its target by one step.
func (s *SimPort) advance(idx int) {
	ch := &s.channels[idx]
	diff := ch.target - ch.current
	switch {
	case diff > s.step:
		ch.current += s.step
	case diff < -s.step:
		ch.current -= s.step
	default:
		ch.current = ch.target
	}
}

// Read drains queued response bytes. An empty queue behaves like a timed-out
// serial read and returns (0, nil).
func (s *SimPort) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, errors.New("simulated port closed")
	}
	if len(s.resp) == 0 {
		return 0, nil
	}
	n := copy(p, s.resp)
	s.resp = s.resp[n:]
	return n, nil
}

// Close marks the port closed.
func (s *SimPort) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// SetReadTimeout is a no-op; simulated reads never block.
func (s *SimPort) SetReadTimeout(time.Duration) error { return nil }

// ResetInputBuffer discards any queued response bytes.
func (s *SimPort) ResetInputBuffer() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resp = nil
	return nil
}

// Frames returns every command frame written so far, in order.
func (s *SimPort) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.frames))
	copy(out, s.frames)
	return out
}

// SetEncoder overrides a channel's current and target counts, for seeding
// test scenarios.
func (s *SimPort) SetEncoder(idx ChannelIndex, counts int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(idx) >= 0 && int(idx) < NumChannels {
		s.channels[idx].current = counts
		s.channels[idx].target = counts
	}
}
