package mcm3000

import (
	"fmt"

	"go.uber.org/zap"
)

// NumChannels is the number of motor channels on an MCM3000.
const NumChannels = 3

// minMotionCounts is the deadband: moves of this many encoder counts or
// fewer are unreliable on this hardware and need a corrective bump first.
const minMotionCounts = 5

// ChannelIndex is the 0-based channel index used on the wire. External
// callers address channels by label (normally 1..3); the label-to-index
// table is built once at construction.
type ChannelIndex int

// channel holds the per-axis state. All fields are guarded by the
// controller's mutex.
type channel struct {
	label int
	index ChannelIndex
	stage StageType
	conv  Converter

	// Absolute physical travel bounds.
	lowerLimitUm float64
	upperLimitUm float64

	// Caller-narrowed safe operating range, within the hard limits.
	lowestScanUm  float64
	highestScanUm float64

	// Position to park at before lateral motion, within the scan range.
	retractUm float64

	// Last confirmed encoder count; authoritative position between moves.
	current int32

	// In-flight motion target. Valid only while hasPending is set.
	pending    int32
	hasPending bool
}

func (ch *channel) configured() bool {
	return ch.stage != ""
}

// effectiveBounds returns the bounds a move is checked against: the scan
// range, which defaults to the hard limits at construction.
func (ch *channel) effectiveBounds() (lower, upper float64) {
	return ch.lowestScanUm, ch.highestScanUm
}

// targetBase returns the encoder count a relative move is applied to: the
// in-flight target if a move is pending, else the last confirmed position.
func (ch *channel) targetBase() int32 {
	if ch.hasPending {
		return ch.pending
	}
	return ch.current
}

// channelTable is the immutable-after-construction channel set with a label
// lookup built once.
type channelTable struct {
	channels [NumChannels]*channel
	byLabel  map[int]ChannelIndex
}

func newChannelTable(stages [NumChannels]StageType, reverse [NumChannels]bool,
	labels [NumChannels]int, log *zap.Logger) (*channelTable, error) {

	t := &channelTable{byLabel: make(map[int]ChannelIndex, NumChannels)}
	for i := 0; i < NumChannels; i++ {
		label := labels[i]
		if _, dup := t.byLabel[label]; dup {
			return nil, fmt.Errorf("mcm3000: duplicate channel label %d", label)
		}
		t.byLabel[label] = ChannelIndex(i)

		ch := &channel{
			label: label,
			index: ChannelIndex(i),
			stage: stages[i],
		}
		if ch.configured() {
			spec, ok := SpecFor(ch.stage)
			if !ok {
				return nil, fmt.Errorf("mcm3000: stage %q not supported", ch.stage)
			}
			spec = spec.normalized(ch.stage, log)

			ch.conv = Converter{UmPerCount: spec.UmPerCount, Reverse: reverse[i]}
			ch.lowerLimitUm = spec.LowerLimitUm
			ch.upperLimitUm = spec.UpperLimitUm

			// Scan range starts at the full travel; callers narrow it.
			ch.lowestScanUm = spec.LowerLimitUm
			ch.highestScanUm = spec.UpperLimitUm

			// Park just short of the highest scan point by default.
			ch.retractUm = ch.highestScanUm - spec.UmPerCount*10
		}
		t.channels[i] = ch
	}
	return t, nil
}

// lookup resolves an external channel label.
func (t *channelTable) lookup(label int) (*channel, error) {
	idx, ok := t.byLabel[label]
	if !ok {
		return nil, &UnknownChannelError{Label: label}
	}
	return t.channels[idx], nil
}

// lookupConfigured resolves a label and requires a stage to be fitted.
func (t *channelTable) lookupConfigured(label int) (*channel, error) {
	ch, err := t.lookup(label)
	if err != nil {
		return nil, err
	}
	if !ch.configured() {
		return nil, &ChannelNotConfiguredError{Label: label}
	}
	return ch, nil
}
