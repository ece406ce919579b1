// Package stage defines the narrow interfaces orchestration code programs
// against: a single-axis stage and metadata-reporting instruments. Concrete
// camera and spectrometer drivers live outside this module and only need to
// satisfy these interfaces.
package stage

import (
	"context"
	"fmt"
)

// Metadata is a flat description of an instrument's identity and state.
type Metadata map[string]any

// Stage is a single motion axis addressed in micrometres.
type Stage interface {
	// MoveUm moves by (relative) or to (absolute) the given distance and
	// blocks until the move settles. It returns the legalized target and
	// whether any motion was needed.
	MoveUm(ctx context.Context, um float64, relative bool) (target float64, moved bool, err error)

	// PositionUm reads the current position from the hardware.
	PositionUm(ctx context.Context) (float64, error)

	// Home moves the stage to its zero position.
	Home(ctx context.Context) error

	// Retract parks the stage at its retract point, clear of the sample,
	// before any lateral motion.
	Retract(ctx context.Context) error

	// Metadata describes the stage and its current limits.
	Metadata() Metadata
}

// MetadataProvider is implemented by instruments that can describe
// themselves (cameras, spectrometers).
type MetadataProvider interface {
	Metadata() Metadata
}

// SensorSizeProvider is implemented by imaging devices whose physical sensor
// extent matters to scan planning.
type SensorSizeProvider interface {
	SensorSizeUm() (width, height float64)
}

// unitToUm maps length unit names to their factor in micrometres.
var unitToUm = map[string]float64{
	"um": 1,
	"mm": 1e3,
	"cm": 1e4,
	"m":  1e6,
	"nm": 1e-3,
	"pm": 1e-6,
}

// ToUm converts a length in the named unit to micrometres.
func ToUm(value float64, unit string) (float64, error) {
	f, ok := unitToUm[unit]
	if !ok {
		return 0, fmt.Errorf("stage: unsupported unit %q", unit)
	}
	return value * f, nil
}

// FromUm converts a length in micrometres to the named unit.
func FromUm(um float64, unit string) (float64, error) {
	f, ok := unitToUm[unit]
	if !ok {
		return 0, fmt.Errorf("stage: unsupported unit %q", unit)
	}
	return um / f, nil
}
