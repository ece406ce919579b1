package mcm3000

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gwillem/thorstage/pkg/serialport"
)

// DefaultBaudRate is the fixed line rate of the MCM3000 serial interface.
const DefaultBaudRate = 460800

const (
	defaultPollInterval = 100 * time.Millisecond
	defaultMoveTimeout  = 6 * time.Second // max time between travel extremes

	// responseTimeout bounds a single response read; a healthy controller
	// answers well within this.
	responseTimeout = 2 * time.Second

	// drainProbeTimeout is the near-zero read used to verify the receive
	// buffer is empty after each transaction.
	drainProbeTimeout = time.Millisecond

	// bumpMoveUm is the relative move used to escape the encoder deadband
	// before a small motion.
	bumpMoveUm = 10
)

// Config configures a Controller. Only Port (or Simulated) and at least one
// Stages entry are required.
type Config struct {
	// Port is the serial device path, e.g. /dev/ttyUSB0 or COM3.
	Port string

	// Name identifies the controller in logs and metadata.
	Name string

	// Stages assigns a stage module to each channel. Empty entries leave
	// the channel unconfigured; commands against them are rejected.
	Stages [NumChannels]StageType

	// Reverse flips the motion direction of the corresponding channel.
	Reverse [NumChannels]bool

	// Labels are the external channel identifiers. Zero values default to
	// 1, 2, 3 to match the front-panel numbering.
	Labels [NumChannels]int

	// Simulated replaces the serial link with a deterministic in-memory
	// device.
	Simulated bool

	// StrictTimeout makes blocking moves return MotionTimeoutError when
	// the move deadline passes. By default the timeout is logged with the
	// residual position error and the controller stays usable.
	StrictTimeout bool

	// PollInterval and MoveTimeout tune the settle-polling loop. Zero
	// values select 100ms and 6s.
	PollInterval time.Duration
	MoveTimeout  time.Duration

	Logger *zap.Logger

	// Clock overrides the time source, for tests.
	Clock Clock

	// Transport overrides the serial connection, for tests. Takes
	// precedence over Port and Simulated.
	Transport serialport.Port
}

// MoveOpts controls how a move is issued.
type MoveOpts struct {
	// Relative interprets the distance as an offset from the in-flight
	// target if a move is pending, else from the current position.
	Relative bool
	// Block waits for the move to settle (or time out) before returning.
	Block bool
}

// Controller owns the serial connection to one MCM3000 and the per-channel
// state. The protocol has no request multiplexing beyond the channel byte,
// so all operations are serialized on an internal mutex; methods are safe
// for concurrent use.
type Controller struct {
	mu sync.Mutex

	name      string
	port      serialport.Port
	table     *channelTable
	log       *zap.Logger
	clock     Clock
	strict    bool
	simulated bool
	closed    bool

	pollInterval time.Duration
	moveTimeout  time.Duration
}

// New opens the controller and seeds each configured channel's position with
// a real (or simulated) encoder read.
func New(cfg Config) (*Controller, error) {
	if cfg.Name == "" {
		cfg.Name = "MCM3000"
	}
	if cfg.Labels == ([NumChannels]int{}) {
		cfg.Labels = [NumChannels]int{1, 2, 3}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MoveTimeout <= 0 {
		cfg.MoveTimeout = defaultMoveTimeout
	}

	log := cfg.Logger.Named(cfg.Name)

	table, err := newChannelTable(cfg.Stages, cfg.Reverse, cfg.Labels, log)
	if err != nil {
		return nil, err
	}

	var port serialport.Port
	switch {
	case cfg.Transport != nil:
		port = cfg.Transport
	case cfg.Simulated:
		log.Info("using simulated transport")
		port = NewSimPort(0)
	default:
		port, err = serialport.Open(cfg.Port, DefaultBaudRate)
		if err != nil {
			return nil, fmt.Errorf("mcm3000: no connection on port %s: %w", cfg.Port, err)
		}
	}

	c := &Controller{
		name:         cfg.Name,
		port:         port,
		table:        table,
		log:          log,
		clock:        cfg.Clock,
		strict:       cfg.StrictTimeout,
		simulated:    cfg.Simulated || cfg.Transport != nil,
		pollInterval: cfg.PollInterval,
		moveTimeout:  cfg.MoveTimeout,
	}

	for _, ch := range c.table.channels {
		if !ch.configured() {
			continue
		}
		v, err := c.getEncoderValue(ch)
		if err != nil {
			port.Close()
			return nil, fmt.Errorf("mcm3000: seed channel %d position: %w", ch.label, err)
		}
		ch.current = v
		log.Debug("seeded channel position",
			zap.Int("channel", ch.label),
			zap.Int32("encoder", v),
			zap.Float64("position_um", ch.conv.UmFromCounts(v)))
	}

	return c, nil
}

// Name returns the controller's name.
func (c *Controller) Name() string { return c.name }

// Labels returns the external channel labels in index order.
func (c *Controller) Labels() [NumChannels]int {
	var labels [NumChannels]int
	for i, ch := range c.table.channels {
		labels[i] = ch.label
	}
	return labels
}

// StageFor returns the stage type fitted to a channel; empty when
// unconfigured.
func (c *Controller) StageFor(label int) (StageType, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, err := c.table.lookup(label)
	if err != nil {
		return "", err
	}
	return ch.stage, nil
}

// HardLimitsUm returns the channel's absolute travel bounds.
func (c *Controller) HardLimitsUm(label int) (lower, upper float64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, err := c.table.lookupConfigured(label)
	if err != nil {
		return 0, 0, err
	}
	return ch.lowerLimitUm, ch.upperLimitUm, nil
}

// ScanRangeUm returns the channel's current safe operating range.
func (c *Controller) ScanRangeUm(label int) (lowest, highest float64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, err := c.table.lookupConfigured(label)
	if err != nil {
		return 0, 0, err
	}
	return ch.lowestScanUm, ch.highestScanUm, nil
}

// RetractPointUm returns the channel's retract position.
func (c *Controller) RetractPointUm(label int) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, err := c.table.lookupConfigured(label)
	if err != nil {
		return 0, err
	}
	return ch.retractUm, nil
}

// PendingEncoder returns the in-flight motion target, if any.
func (c *Controller) PendingEncoder(label int) (counts int32, pending bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, err := c.table.lookupConfigured(label)
	if err != nil {
		return 0, false, err
	}
	return ch.pending, ch.hasPending, nil
}

// CurrentEncoder returns the last confirmed encoder count without touching
// the transport.
func (c *Controller) CurrentEncoder(label int) (int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, err := c.table.lookupConfigured(label)
	if err != nil {
		return 0, err
	}
	return ch.current, nil
}

// GetPositionUm reads the channel's position from the device and converts it
// to micrometres. This is always a fresh protocol read.
func (c *Controller) GetPositionUm(label int) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, err := c.table.lookupConfigured(label)
	if err != nil {
		return 0, err
	}
	v, err := c.getEncoderValue(ch)
	if err != nil {
		return 0, err
	}
	return ch.conv.UmFromCounts(v), nil
}

// MoveUm moves a channel by (or to) the given distance in micrometres. It
// returns the legalized target actually commanded and whether any motion was
// needed; moved == false with a nil error means the stage was already in
// position.
//
// The request is rejected with LimitError when the target falls outside the
// channel's effective bounds, and with ChannelNotConfiguredError when no
// stage is fitted.
func (c *Controller) MoveUm(ctx context.Context, label int, um float64, opts MoveOpts) (target float64, moved bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, err := c.table.lookupConfigured(label)
	if err != nil {
		return 0, false, err
	}
	return c.moveUm(ctx, ch, um, opts.Relative, opts.Block)
}

// MoveZero moves a channel to absolute position zero.
func (c *Controller) MoveZero(ctx context.Context, label int, block bool) (float64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, err := c.table.lookupConfigured(label)
	if err != nil {
		return 0, false, err
	}
	c.log.Debug("moving to zero", zap.Int("channel", label))
	return c.moveUm(ctx, ch, 0, false, block)
}

// Retract moves a channel to its retract point and waits for it to settle.
// Used before lateral motion to avoid collisions.
func (c *Controller) Retract(ctx context.Context, label int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, err := c.table.lookupConfigured(label)
	if err != nil {
		return err
	}
	c.log.Debug("moving to retract position",
		zap.Int("channel", label), zap.Float64("retract_um", ch.retractUm))
	_, _, err = c.moveUm(ctx, ch, ch.retractUm, false, true)
	return err
}

// FinishMove blocks until the channel's pending move settles or the move
// timeout passes. It returns immediately when no move is pending.
func (c *Controller) FinishMove(ctx context.Context, label int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, err := c.table.lookupConfigured(label)
	if err != nil {
		return err
	}
	return c.finishMove(ctx, ch)
}

// SetStageLimitUm narrows the channel's scan range. lower selects which end
// is set. The value must lie within the hardware travel and may not cross
// the opposite scan limit. A scan limit that leaves the retract point
// outside the range drags the retract point along to the new limit.
func (c *Controller) SetStageLimitUm(label int, limitUm float64, lower bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, err := c.table.lookupConfigured(label)
	if err != nil {
		return err
	}
	return c.setStageLimit(ch, limitUm, lower)
}

// MarkStageLimit sets the scan limit to the channel's current position, read
// fresh from the device.
func (c *Controller) MarkStageLimit(label int, lower bool) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, err := c.table.lookupConfigured(label)
	if err != nil {
		return 0, err
	}
	v, err := c.getEncoderValue(ch)
	if err != nil {
		return 0, err
	}
	limit := ch.conv.UmFromCounts(v)
	return limit, c.setStageLimit(ch, limit, lower)
}

func (c *Controller) setStageLimit(ch *channel, limitUm float64, lower bool) error {
	if limitUm < ch.lowerLimitUm || limitUm > ch.upperLimitUm {
		return &LimitError{
			Label:    ch.label,
			TargetUm: limitUm,
			LowerUm:  ch.lowerLimitUm,
			UpperUm:  ch.upperLimitUm,
		}
	}
	if lower {
		if limitUm > ch.highestScanUm {
			return &LimitError{
				Label:    ch.label,
				TargetUm: limitUm,
				LowerUm:  ch.lowerLimitUm,
				UpperUm:  ch.highestScanUm,
			}
		}
		ch.lowestScanUm = limitUm
		c.log.Info("lowest scan point set",
			zap.Int("channel", ch.label), zap.Float64("limit_um", limitUm))
		if ch.retractUm < ch.lowestScanUm {
			ch.retractUm = ch.lowestScanUm
			c.log.Info("retract point pulled up to new scan limit",
				zap.Int("channel", ch.label), zap.Float64("retract_um", ch.retractUm))
		}
		return nil
	}
	if limitUm < ch.lowestScanUm {
		return &LimitError{
			Label:    ch.label,
			TargetUm: limitUm,
			LowerUm:  ch.lowestScanUm,
			UpperUm:  ch.upperLimitUm,
		}
	}
	ch.highestScanUm = limitUm
	c.log.Info("highest scan point set",
		zap.Int("channel", ch.label), zap.Float64("limit_um", limitUm))
	if ch.retractUm > ch.highestScanUm {
		ch.retractUm = ch.highestScanUm
		c.log.Info("retract point pulled down to new scan limit",
			zap.Int("channel", ch.label), zap.Float64("retract_um", ch.retractUm))
	}
	return nil
}

// SetRetractPointUm sets the channel's retract position. With relative set,
// the value is an offset from the current position. The result must lie
// within the scan range.
func (c *Controller) SetRetractPointUm(label int, retractUm float64, relative bool) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, err := c.table.lookupConfigured(label)
	if err != nil {
		return 0, err
	}
	target := retractUm
	if relative {
		v, err := c.getEncoderValue(ch)
		if err != nil {
			return 0, err
		}
		target += ch.conv.UmFromCounts(v)
	}
	return target, c.setRetractPoint(ch, target)
}

// MarkRetractPoint sets the retract point to the channel's current position.
func (c *Controller) MarkRetractPoint(label int) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, err := c.table.lookupConfigured(label)
	if err != nil {
		return 0, err
	}
	v, err := c.getEncoderValue(ch)
	if err != nil {
		return 0, err
	}
	target := ch.conv.UmFromCounts(v)
	return target, c.setRetractPoint(ch, target)
}

func (c *Controller) setRetractPoint(ch *channel, retractUm float64) error {
	if retractUm < ch.lowestScanUm || retractUm > ch.highestScanUm {
		return &LimitError{
			Label:    ch.label,
			TargetUm: retractUm,
			LowerUm:  ch.lowestScanUm,
			UpperUm:  ch.highestScanUm,
		}
	}
	ch.retractUm = retractUm
	c.log.Info("retract point set",
		zap.Int("channel", ch.label), zap.Float64("retract_um", retractUm))
	return nil
}

// SetEncoderToZero overwrites the channel's encoder count with zero and
// waits for the device to confirm. Zeroing shifts the absolute frame: the
// configured limits no longer reflect hardware travel unless the stage was
// at the centre of its range, so callers must re-derive limits afterwards.
func (c *Controller) SetEncoderToZero(ctx context.Context, label int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, err := c.table.lookupConfigured(label)
	if err != nil {
		return err
	}

	if _, err := c.send(ch, EncodeZeroEncoder(ch.index), 0); err != nil {
		return err
	}

	deadline := c.clock.Now().Add(c.moveTimeout)
	for {
		v, err := c.getEncoderValue(ch)
		if err != nil {
			return err
		}
		if v == 0 {
			break
		}
		if c.clock.Now().After(deadline) {
			return fmt.Errorf("mcm3000: channel %d: encoder did not reset to zero", label)
		}
		if err := c.clock.Sleep(ctx, c.pollInterval); err != nil {
			return err
		}
	}

	ch.current = 0
	ch.hasPending = false
	c.log.Warn("encoder zeroed; stage limits no longer reflect hardware travel",
		zap.Int("channel", label))
	return nil
}

// Metadata returns a description of the channel and its current state.
func (c *Controller) Metadata(label int) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, err := c.table.lookup(label)
	if err != nil {
		return nil, err
	}
	md := map[string]any{
		"controller": c.name,
		"channel":    ch.label,
		"stage":      string(ch.stage),
		"simulated":  c.simulated,
	}
	if ch.configured() {
		md["reverse"] = ch.conv.Reverse
		md["conversion_um_per_count"] = ch.conv.UmPerCount
		md["hard_limit_lower_um"] = ch.lowerLimitUm
		md["hard_limit_upper_um"] = ch.upperLimitUm
		md["scan_lowest_um"] = ch.lowestScanUm
		md["scan_highest_um"] = ch.highestScanUm
		md["retract_um"] = ch.retractUm
		md["current_encoder"] = ch.current
		md["position_um"] = ch.conv.UmFromCounts(ch.current)
	}
	return md, nil
}

// Close releases the serial connection. It is safe to call more than once.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.log.Debug("closing")
	return c.port.Close()
}

// --- internal motion engine; callers hold c.mu ---

func (c *Controller) moveUm(ctx context.Context, ch *channel, um float64, relative, block bool) (float64, bool, error) {
	legal, needed, err := c.legalizeMoveUm(ctx, ch, um, relative)
	if err != nil {
		return 0, false, err
	}
	if !needed {
		c.log.Debug("already in position",
			zap.Int("channel", ch.label), zap.Float64("requested_um", um))
		return 0, false, nil
	}
	c.log.Debug("moving",
		zap.Int("channel", ch.label),
		zap.Float64("target_um", legal),
		zap.Bool("relative", relative))
	counts := ch.conv.CountsFromUm(legal)
	if err := c.moveToEncoder(ctx, ch, counts, block); err != nil {
		return 0, false, err
	}
	return legal, true, nil
}

// legalizeMoveUm converts a requested displacement into a legal absolute
// target in micrometres, or reports that no motion is needed. Targets within
// the encoder deadband of the current state trigger a corrective bump move
// first.
func (c *Controller) legalizeMoveUm(ctx context.Context, ch *channel, um float64, relative bool) (float64, bool, error) {
	target := ch.conv.CountsFromUm(um)
	if relative {
		target += ch.targetBase()
	}

	needed, err := c.checkMinMotion(ctx, ch, target)
	if err != nil {
		return 0, false, err
	}
	if !needed {
		return 0, false, nil
	}

	// Rounding through the encoder grid may shift the target by less
	// than one count; that error is below the stage resolution.
	targetUm := ch.conv.UmFromCounts(target)

	lower, upper := ch.effectiveBounds()
	if targetUm < lower || targetUm > upper {
		return 0, false, &LimitError{
			Label:    ch.label,
			TargetUm: targetUm,
			LowerUm:  lower,
			UpperUm:  upper,
		}
	}
	return targetUm, true, nil
}

// checkMinMotion reports whether motion is required and, when the requested
// target sits inside the deadband, first bumps the stage out of it so the
// subsequent direct move is reliable.
func (c *Controller) checkMinMotion(ctx context.Context, ch *channel, target int32) (bool, error) {
	base := ch.targetBase()
	if target == base {
		if ch.hasPending {
			c.log.Debug("motion already in progress", zap.Int("channel", ch.label))
		} else {
			c.log.Debug("already at position", zap.Int("channel", ch.label))
		}
		return false, nil
	}
	if abs32(target-base) <= minMotionCounts {
		c.log.Debug("target within deadband, bumping",
			zap.Int("channel", ch.label), zap.Int32("delta_counts", target-base))
		if _, _, err := c.moveUm(ctx, ch, bumpMoveUm, true, true); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (c *Controller) moveToEncoder(ctx context.Context, ch *channel, counts int32, block bool) error {
	if ch.hasPending {
		if err := c.finishMove(ctx, ch); err != nil {
			return err
		}
	}
	if _, err := c.send(ch, EncodeMoveTo(ch.index, counts), 0); err != nil {
		return err
	}
	ch.pending = counts
	ch.hasPending = true
	c.log.Debug("move command sent",
		zap.Int("channel", ch.label), zap.Int32("target_counts", counts))
	if block {
		return c.finishMove(ctx, ch)
	}
	return nil
}

// finishMove polls the encoder until it reaches the pending target or the
// move timeout passes. A timeout is soft: the residual position error is
// logged, state is reconciled to the observed position, and the controller
// stays usable. StrictTimeout promotes it to a returned error.
func (c *Controller) finishMove(ctx context.Context, ch *channel) error {
	if !ch.hasPending {
		return nil
	}

	observed, err := c.getEncoderValue(ch)
	if err != nil {
		return err
	}

	deadline := c.clock.Now().Add(c.moveTimeout)
	timedOut := false
	for observed != ch.pending {
		if c.clock.Now().After(deadline) {
			timedOut = true
			break
		}
		if err := c.clock.Sleep(ctx, c.pollInterval); err != nil {
			return err
		}
		observed, err = c.getEncoderValue(ch)
		if err != nil {
			return err
		}
	}

	pending := ch.pending
	ch.current = observed
	ch.hasPending = false

	if timedOut {
		posErr := observed - pending
		c.log.Warn("motion timed out",
			zap.Int("channel", ch.label),
			zap.Int32("position_error_counts", posErr))
		if abs32(posErr) > 1 {
			c.log.Error("position error after timeout",
				zap.Int("channel", ch.label),
				zap.Int32("position_error_counts", posErr))
		}
		if c.strict {
			return &MotionTimeoutError{Label: ch.label, PositionError: posErr}
		}
		return nil
	}

	c.log.Debug("move settled",
		zap.Int("channel", ch.label),
		zap.Float64("position_um", ch.conv.UmFromCounts(observed)))
	return nil
}

func (c *Controller) getEncoderValue(ch *channel) (int32, error) {
	resp, err := c.send(ch, EncodeGetPosition(ch.index), PositionResponseLength)
	if err != nil {
		return 0, err
	}
	return DecodePositionResponse(resp, ch.index)
}

// send writes one command frame and reads the fixed-length response, if any.
// After every transaction the receive buffer must be empty; residue means
// the link has desynced and is reported as UnexpectedDataError.
func (c *Controller) send(ch *channel, cmd []byte, respLen int) ([]byte, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if !ch.configured() {
		return nil, &ChannelNotConfiguredError{Label: ch.label}
	}

	n, err := c.port.Write(cmd)
	if err != nil {
		return nil, fmt.Errorf("mcm3000: write command: %w", err)
	}
	if n != len(cmd) {
		return nil, fmt.Errorf("mcm3000: short write: %d of %d bytes", n, len(cmd))
	}

	var resp []byte
	if respLen > 0 {
		if err := c.port.SetReadTimeout(responseTimeout); err != nil {
			return nil, fmt.Errorf("mcm3000: set read timeout: %w", err)
		}
		resp = make([]byte, respLen)
		if err := c.readFull(resp); err != nil {
			return nil, err
		}
	}

	if err := c.checkDrained(); err != nil {
		return nil, err
	}
	return resp, nil
}

// readFull reads exactly len(buf) bytes, treating a zero-byte read (how the
// serial layer reports a timeout) as failure.
func (c *Controller) readFull(buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := c.port.Read(buf[total:])
		if err != nil {
			return fmt.Errorf("mcm3000: read response: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("mcm3000: response timed out after %d of %d bytes", total, len(buf))
		}
		total += n
	}
	return nil
}

// checkDrained probes the receive buffer with a near-zero timeout and
// rejects any residue, resetting the buffer so the next command starts from
// a clean link.
func (c *Controller) checkDrained() error {
	if err := c.port.SetReadTimeout(drainProbeTimeout); err != nil {
		return fmt.Errorf("mcm3000: set read timeout: %w", err)
	}
	var b [1]byte
	n, err := c.port.Read(b[:])
	if err != nil {
		return fmt.Errorf("mcm3000: drain probe: %w", err)
	}
	if n > 0 {
		c.port.ResetInputBuffer()
		return &UnexpectedDataError{Bytes: n}
	}
	return nil
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}
