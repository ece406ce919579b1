package mcm3000

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/thorstage/pkg/serialport"
)

// fakeClock advances simulated time by the full sleep duration so polling
// loops run without real delays.
type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.now = f.now.Add(d)
	return nil
}

func simController(t *testing.T, transport serialport.Port, mutate func(*Config)) *Controller {
	t.Helper()
	cfg := Config{
		Stages:    [NumChannels]StageType{StageZFM2020},
		Transport: transport,
		Clock:     &fakeClock{now: time.Unix(0, 0)},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	ctrl, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { ctrl.Close() })
	return ctrl
}

func positionResponse(idx byte, counts int32) []byte {
	resp := make([]byte, PositionResponseLength)
	resp[0] = 0x12
	resp[1] = opFamily
	resp[6] = idx
	binary.LittleEndian.PutUint32(resp[8:], uint32(counts))
	return resp
}

func moveTargets(frames [][]byte) []int32 {
	var targets []int32
	for _, f := range frames {
		if len(f) == 12 && f[0] == opMoveAbsolute {
			targets = append(targets, int32(binary.LittleEndian.Uint32(f[8:12])))
		}
	}
	return targets
}

func TestNewSeedsPosition(t *testing.T) {
	sim := NewSimPort(0)
	sim.SetEncoder(0, 4724) // about 1000 um

	ctrl := simController(t, sim, nil)

	counts, err := ctrl.CurrentEncoder(1)
	require.NoError(t, err)
	assert.Equal(t, int32(4724), counts)

	pos, err := ctrl.GetPositionUm(1)
	require.NoError(t, err)
	assert.InDelta(t, 4724*zfmUmPerCount, pos, 1e-9)
}

func TestMoveUmAbsolute(t *testing.T) {
	sim := NewSimPort(0)
	ctrl := simController(t, sim, nil)

	target, moved, err := ctrl.MoveUm(context.Background(), 1, 8000, MoveOpts{Block: true})
	require.NoError(t, err)
	assert.True(t, moved)

	// 8000 um truncates to 37795 counts on the encoder grid.
	wantCounts := int32(8000 / zfmUmPerCount)
	assert.Equal(t, int32(37795), wantCounts)
	assert.InDelta(t, float64(wantCounts)*zfmUmPerCount, target, 1e-9)

	counts, err := ctrl.CurrentEncoder(1)
	require.NoError(t, err)
	assert.Equal(t, wantCounts, counts)

	_, pending, err := ctrl.PendingEncoder(1)
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestMoveUmBeyondLimits(t *testing.T) {
	ctrl := simController(t, NewSimPort(0), nil)

	_, _, err := ctrl.MoveUm(context.Background(), 1, 20000, MoveOpts{Block: true})
	var limitErr *LimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, 1, limitErr.Label)
	assert.Equal(t, float64(-12700), limitErr.LowerUm)
	assert.Equal(t, float64(12700), limitErr.UpperUm)

	// The move must be rejected, not clamped: nothing was sent.
	assert.Empty(t, moveTargets(ctrl.port.(*SimPort).Frames()))
}

func TestMoveUmUnconfiguredChannel(t *testing.T) {
	ctrl := simController(t, NewSimPort(0), nil)

	_, _, err := ctrl.MoveUm(context.Background(), 2, 100, MoveOpts{})
	var notConfigured *ChannelNotConfiguredError
	require.ErrorAs(t, err, &notConfigured)
	assert.Equal(t, 2, notConfigured.Label)

	_, err = ctrl.GetPositionUm(9)
	var unknown *UnknownChannelError
	require.ErrorAs(t, err, &unknown)
}

func TestMoveUmAlreadyInPosition(t *testing.T) {
	sim := NewSimPort(0)
	ctrl := simController(t, sim, nil)

	_, moved, err := ctrl.MoveUm(context.Background(), 1, 0, MoveOpts{Block: true})
	require.NoError(t, err)
	assert.False(t, moved)
	assert.Empty(t, moveTargets(sim.Frames()))
}

func TestMoveUmDeadbandBump(t *testing.T) {
	sim := NewSimPort(0)
	ctrl := simController(t, sim, nil)

	// 0.5 um is 2 counts, inside the 5-count deadband: expect a 10 um bump
	// move first, then the real one.
	target, moved, err := ctrl.MoveUm(context.Background(), 1, 0.5, MoveOpts{Block: true})
	require.NoError(t, err)
	assert.True(t, moved)
	assert.InDelta(t, 2*zfmUmPerCount, target, 1e-9)

	targets := moveTargets(sim.Frames())
	require.Len(t, targets, 2)
	assert.Equal(t, int32(10/zfmUmPerCount), targets[0]) // bump, 47 counts
	assert.Equal(t, int32(2), targets[1])
}

func TestMoveUmDeadbandAgainstPendingTarget(t *testing.T) {
	sim := NewSimPort(0)
	ctrl := simController(t, sim, nil)
	ctx := context.Background()

	// Leave a pending move at 4724 counts.
	_, _, err := ctrl.MoveUm(ctx, 1, 1000, MoveOpts{})
	require.NoError(t, err)

	// 1000.5 um is 4726 counts, 2 counts off the pending target: the bump
	// (relative to the pending target) must be sent before the real move.
	_, moved, err := ctrl.MoveUm(ctx, 1, 1000.5, MoveOpts{Block: true})
	require.NoError(t, err)
	assert.True(t, moved)

	targets := moveTargets(sim.Frames())
	require.Len(t, targets, 3)
	assert.Equal(t, int32(4724), targets[0])
	assert.Equal(t, int32(4724+47), targets[1]) // bump
	assert.Equal(t, int32(4726), targets[2])
}

func TestMoveUmRelativeUsesPendingTarget(t *testing.T) {
	sim := NewSimPort(0)
	ctrl := simController(t, sim, nil)
	ctx := context.Background()

	// Non-blocking move leaves a pending target.
	_, moved, err := ctrl.MoveUm(ctx, 1, 1000, MoveOpts{})
	require.NoError(t, err)
	assert.True(t, moved)

	pendingCounts, pending, err := ctrl.PendingEncoder(1)
	require.NoError(t, err)
	assert.True(t, pending)
	assert.Equal(t, int32(1000/zfmUmPerCount), pendingCounts)

	// A relative move stacks on the in-flight target, not the position.
	_, moved, err = ctrl.MoveUm(ctx, 1, 1000, MoveOpts{Relative: true, Block: true})
	require.NoError(t, err)
	assert.True(t, moved)

	counts, err := ctrl.CurrentEncoder(1)
	require.NoError(t, err)
	assert.Equal(t, 2*int32(1000/zfmUmPerCount), counts)
}

func TestMoveUmReversedChannel(t *testing.T) {
	sim := NewSimPort(0)
	ctrl := simController(t, sim, func(cfg *Config) {
		cfg.Reverse = [NumChannels]bool{true}
	})

	_, moved, err := ctrl.MoveUm(context.Background(), 1, -1000, MoveOpts{Block: true})
	require.NoError(t, err)
	assert.True(t, moved)

	// Reversed channels negate on the wire: -1000 um commands +4724 counts.
	targets := moveTargets(sim.Frames())
	require.Len(t, targets, 1)
	assert.Equal(t, int32(4724), targets[0])

	pos, err := ctrl.GetPositionUm(1)
	require.NoError(t, err)
	assert.InDelta(t, -4724*zfmUmPerCount, pos, 1e-9)
}

func TestMoveZeroAndRetract(t *testing.T) {
	sim := NewSimPort(0)
	ctrl := simController(t, sim, nil)
	ctx := context.Background()

	_, _, err := ctrl.MoveUm(ctx, 1, 5000, MoveOpts{Block: true})
	require.NoError(t, err)

	_, moved, err := ctrl.MoveZero(ctx, 1, true)
	require.NoError(t, err)
	assert.True(t, moved)

	pos, err := ctrl.GetPositionUm(1)
	require.NoError(t, err)
	assert.InDelta(t, 0, pos, 1e-9)

	require.NoError(t, ctrl.Retract(ctx, 1))

	retract, err := ctrl.RetractPointUm(1)
	require.NoError(t, err)
	pos, err = ctrl.GetPositionUm(1)
	require.NoError(t, err)
	assert.InDelta(t, retract, pos, zfmUmPerCount)
}

func TestFinishMove(t *testing.T) {
	sim := NewSimPort(0)
	ctrl := simController(t, sim, nil)
	ctx := context.Background()

	_, _, err := ctrl.MoveUm(ctx, 1, 8000, MoveOpts{})
	require.NoError(t, err)

	require.NoError(t, ctrl.FinishMove(ctx, 1))

	counts, err := ctrl.CurrentEncoder(1)
	require.NoError(t, err)
	assert.Equal(t, int32(8000/zfmUmPerCount), counts)

	// No pending move: immediate no-op.
	require.NoError(t, ctrl.FinishMove(ctx, 1))
}

func TestMoveTimeoutSoft(t *testing.T) {
	// One count per poll never reaches the target inside the timeout.
	sim := NewSimPort(1)
	ctrl := simController(t, sim, func(cfg *Config) {
		cfg.MoveTimeout = 300 * time.Millisecond
	})

	_, moved, err := ctrl.MoveUm(context.Background(), 1, 8000, MoveOpts{Block: true})
	require.NoError(t, err)
	assert.True(t, moved)

	// The timeout is soft: pending is cleared and the observed position
	// becomes authoritative.
	_, pending, err := ctrl.PendingEncoder(1)
	require.NoError(t, err)
	assert.False(t, pending)

	counts, err := ctrl.CurrentEncoder(1)
	require.NoError(t, err)
	assert.Less(t, counts, int32(8000/zfmUmPerCount))

	// The controller stays usable.
	_, err = ctrl.GetPositionUm(1)
	require.NoError(t, err)
}

func TestMoveTimeoutStrict(t *testing.T) {
	sim := NewSimPort(1)
	ctrl := simController(t, sim, func(cfg *Config) {
		cfg.MoveTimeout = 300 * time.Millisecond
		cfg.StrictTimeout = true
	})

	_, _, err := ctrl.MoveUm(context.Background(), 1, 8000, MoveOpts{Block: true})
	var timeout *MotionTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 1, timeout.Label)
	assert.NotZero(t, timeout.PositionError)

	// State is still reconciled after a strict timeout.
	_, pending, err := ctrl.PendingEncoder(1)
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestMoveCancelled(t *testing.T) {
	sim := NewSimPort(1)
	ctrl := simController(t, sim, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := ctrl.MoveUm(ctx, 1, 8000, MoveOpts{Block: true})
	require.ErrorIs(t, err, context.Canceled)
}

func TestSetEncoderToZero(t *testing.T) {
	sim := NewSimPort(0)
	ctrl := simController(t, sim, nil)
	ctx := context.Background()

	_, _, err := ctrl.MoveUm(ctx, 1, 8000, MoveOpts{Block: true})
	require.NoError(t, err)

	require.NoError(t, ctrl.SetEncoderToZero(ctx, 1))

	counts, err := ctrl.CurrentEncoder(1)
	require.NoError(t, err)
	assert.Equal(t, int32(0), counts)

	pos, err := ctrl.GetPositionUm(1)
	require.NoError(t, err)
	assert.InDelta(t, 0, pos, 1e-9)
}

func TestScanLimits(t *testing.T) {
	sim := NewSimPort(0)
	ctrl := simController(t, sim, nil)
	ctx := context.Background()

	require.NoError(t, ctrl.SetStageLimitUm(1, 5000, false))
	require.NoError(t, ctrl.SetStageLimitUm(1, -5000, true))

	lowest, highest, err := ctrl.ScanRangeUm(1)
	require.NoError(t, err)
	assert.Equal(t, float64(-5000), lowest)
	assert.Equal(t, float64(5000), highest)

	// Moves are checked against the narrowed range.
	_, _, err = ctrl.MoveUm(ctx, 1, 6000, MoveOpts{Block: true})
	var limitErr *LimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, float64(5000), limitErr.UpperUm)

	// Hard limits are unchanged.
	lower, upper, err := ctrl.HardLimitsUm(1)
	require.NoError(t, err)
	assert.Equal(t, float64(-12700), lower)
	assert.Equal(t, float64(12700), upper)

	// A limit outside the hardware travel is rejected.
	err = ctrl.SetStageLimitUm(1, 20000, false)
	require.ErrorAs(t, err, &limitErr)
}

func TestScanLimitsMayNotCross(t *testing.T) {
	ctrl := simController(t, NewSimPort(0), nil)

	require.NoError(t, ctrl.SetStageLimitUm(1, -5000, true))
	require.NoError(t, ctrl.SetStageLimitUm(1, 5000, false))

	var limitErr *LimitError
	require.ErrorAs(t, ctrl.SetStageLimitUm(1, 6000, true), &limitErr)
	require.ErrorAs(t, ctrl.SetStageLimitUm(1, -6000, false), &limitErr)

	lowest, highest, err := ctrl.ScanRangeUm(1)
	require.NoError(t, err)
	assert.Equal(t, float64(-5000), lowest)
	assert.Equal(t, float64(5000), highest)
}

func TestScanLimitPullsRetractUp(t *testing.T) {
	ctrl := simController(t, NewSimPort(0), nil)

	_, err := ctrl.SetRetractPointUm(1, 0, false)
	require.NoError(t, err)

	require.NoError(t, ctrl.SetStageLimitUm(1, 2000, true))

	retract, err := ctrl.RetractPointUm(1)
	require.NoError(t, err)
	assert.Equal(t, float64(2000), retract)
}

func TestScanLimitPullsRetractDown(t *testing.T) {
	ctrl := simController(t, NewSimPort(0), nil)

	retract, err := ctrl.RetractPointUm(1)
	require.NoError(t, err)
	assert.Greater(t, retract, float64(5000))

	require.NoError(t, ctrl.SetStageLimitUm(1, 5000, false))

	retract, err = ctrl.RetractPointUm(1)
	require.NoError(t, err)
	assert.Equal(t, float64(5000), retract)
}

func TestSetRetractPoint(t *testing.T) {
	sim := NewSimPort(0)
	ctrl := simController(t, sim, nil)

	got, err := ctrl.SetRetractPointUm(1, 1000, false)
	require.NoError(t, err)
	assert.Equal(t, float64(1000), got)

	retract, err := ctrl.RetractPointUm(1)
	require.NoError(t, err)
	assert.Equal(t, float64(1000), retract)

	// Outside the scan range is rejected.
	_, err = ctrl.SetRetractPointUm(1, -20000, false)
	var limitErr *LimitError
	require.ErrorAs(t, err, &limitErr)
}

func TestMarkStageLimitAndRetract(t *testing.T) {
	sim := NewSimPort(0)
	ctrl := simController(t, sim, nil)
	ctx := context.Background()

	_, _, err := ctrl.MoveUm(ctx, 1, 3000, MoveOpts{Block: true})
	require.NoError(t, err)

	limit, err := ctrl.MarkStageLimit(1, false)
	require.NoError(t, err)
	assert.InDelta(t, 3000, limit, zfmUmPerCount)

	_, highest, err := ctrl.ScanRangeUm(1)
	require.NoError(t, err)
	assert.Equal(t, limit, highest)

	point, err := ctrl.MarkRetractPoint(1)
	require.NoError(t, err)
	assert.InDelta(t, 3000, point, zfmUmPerCount)
}

func TestMetadata(t *testing.T) {
	ctrl := simController(t, NewSimPort(0), nil)

	md, err := ctrl.Metadata(1)
	require.NoError(t, err)
	assert.Equal(t, "MCM3000", md["controller"])
	assert.Equal(t, string(StageZFM2020), md["stage"])
	assert.Equal(t, zfmUmPerCount, md["conversion_um_per_count"])
	assert.Equal(t, float64(-12700), md["hard_limit_lower_um"])

	// Unconfigured channels only describe themselves.
	md, err = ctrl.Metadata(2)
	require.NoError(t, err)
	assert.NotContains(t, md, "conversion_um_per_count")
}

func TestClose(t *testing.T) {
	ctrl := simController(t, NewSimPort(0), nil)

	require.NoError(t, ctrl.Close())
	require.NoError(t, ctrl.Close()) // idempotent

	_, err := ctrl.GetPositionUm(1)
	require.ErrorIs(t, err, ErrClosed)
}

func TestDrainCheck(t *testing.T) {
	mock := serialport.NewMockPort()
	mock.AddReadData(positionResponse(0, 0)) // seed read at construction

	ctrl := simController(t, mock, nil)

	// A response with a trailing residue byte means the link desynced.
	mock.AddReadData(positionResponse(0, 100))
	mock.AddReadData([]byte{0xFF})

	_, err := ctrl.GetPositionUm(1)
	var unexpected *UnexpectedDataError
	require.ErrorAs(t, err, &unexpected)
	assert.Equal(t, 1, unexpected.Bytes)

	// The buffer was reset so the next transaction starts clean.
	assert.Equal(t, 1, mock.ResetCalls)
}

func TestResponseTimeout(t *testing.T) {
	mock := serialport.NewMockPort()
	mock.AddReadData(positionResponse(0, 0))

	ctrl := simController(t, mock, nil)

	// No response queued: the read times out.
	_, err := ctrl.GetPositionUm(1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestResponseChannelMismatch(t *testing.T) {
	mock := serialport.NewMockPort()
	mock.AddReadData(positionResponse(0, 0))

	ctrl := simController(t, mock, nil)

	mock.AddReadData(positionResponse(1, 100)) // wrong channel echo

	_, err := ctrl.GetPositionUm(1)
	var mismatch *ChannelMismatchError
	require.ErrorAs(t, err, &mismatch)
}

func TestMoveFramesOnWire(t *testing.T) {
	mock := serialport.NewMockPort()
	mock.AddReadData(positionResponse(0, 0))

	ctrl := simController(t, mock, nil)

	_, _, err := ctrl.MoveUm(context.Background(), 1, 8000, MoveOpts{})
	require.NoError(t, err)

	frames := mock.Frames()
	require.Len(t, frames, 2) // seed position request, then the move
	assert.Equal(t, EncodeGetPosition(0), frames[0])
	assert.Equal(t, EncodeMoveTo(0, int32(8000/zfmUmPerCount)), frames[1])
}
