package mcm3000

import (
	"errors"
	"fmt"
)

// ErrClosed is returned when a command is issued after Close.
var ErrClosed = errors.New("mcm3000: controller closed")

// ChannelNotConfiguredError reports a motion or position command against a
// channel that has no stage fitted.
type ChannelNotConfiguredError struct {
	Label int
}

func (e *ChannelNotConfiguredError) Error() string {
	return fmt.Sprintf("mcm3000: channel %d has no stage configured", e.Label)
}

// UnknownChannelError reports a channel label the controller was not
// constructed with.
type UnknownChannelError struct {
	Label int
}

func (e *UnknownChannelError) Error() string {
	return fmt.Sprintf("mcm3000: channel %d not available", e.Label)
}

// LimitError reports a requested target outside the effective bounds. The
// move is rejected, never clamped.
type LimitError struct {
	Label    int
	TargetUm float64
	LowerUm  float64
	UpperUm  float64
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("mcm3000: channel %d: requested %.3f um exceeds limits [%.3f, %.3f]",
		e.Label, e.TargetUm, e.LowerUm, e.UpperUm)
}

// ChannelMismatchError reports a position response attributed to a different
// channel than the one queried. It indicates framing desync on the link.
type ChannelMismatchError struct {
	Want byte
	Got  byte
}

func (e *ChannelMismatchError) Error() string {
	return fmt.Sprintf("mcm3000: position response for channel index %d, expected %d", e.Got, e.Want)
}

// UnexpectedDataError reports unread bytes left in the receive buffer after
// a transaction completed.
type UnexpectedDataError struct {
	Bytes int
}

func (e *UnexpectedDataError) Error() string {
	return fmt.Sprintf("mcm3000: %d unexpected byte(s) in receive buffer after command", e.Bytes)
}

// MotionTimeoutError reports a blocking move that did not settle within the
// move timeout. It is returned only when Config.StrictTimeout is set;
// otherwise the timeout is logged and the controller stays usable.
type MotionTimeoutError struct {
	Label int
	// PositionError is the residual error in encoder counts
	// (observed - target).
	PositionError int32
}

func (e *MotionTimeoutError) Error() string {
	return fmt.Sprintf("mcm3000: channel %d: motion timed out, position error %d counts",
		e.Label, e.PositionError)
}
