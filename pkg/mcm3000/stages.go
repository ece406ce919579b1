package mcm3000

import "go.uber.org/zap"

// StageType names a supported stage module. The empty string means the
// channel is unconfigured.
type StageType string

// Stage modules tested with this controller family.
const (
	StageZFM2020 StageType = "ZFM2020"
	StageZFM2030 StageType = "ZFM2030"
)

// StageSpec describes a stage module: absolute travel bounds and the encoder
// resolution used to convert counts to micrometres.
type StageSpec struct {
	LowerLimitUm float64
	UpperLimitUm float64
	// UmPerCount is the encoder resolution. MCM3001-class controllers
	// resolve 0.2116667 um per count; MCM3002-class resolve 0.5 um.
	UmPerCount float64
}

// Both ZFM modules have 1 inch (25.4 mm) of travel, centred on zero.
var supportedStages = map[StageType]StageSpec{
	StageZFM2020: {LowerLimitUm: -12700, UpperLimitUm: 12700, UmPerCount: 0.2116667},
	StageZFM2030: {LowerLimitUm: -12700, UpperLimitUm: 12700, UmPerCount: 0.2116667},
}

// SpecFor returns the specification for a stage type.
func SpecFor(t StageType) (StageSpec, bool) {
	spec, ok := supportedStages[t]
	return spec, ok
}

// SupportedStages returns the stage types this package knows how to drive.
func SupportedStages() []StageType {
	return []StageType{StageZFM2020, StageZFM2030}
}

// normalized repairs degenerate limit pairs so that lower <= upper always
// holds: equal limits are widened to a symmetric range, inverted limits are
// swapped. Either repair is logged since it points at a bad spec entry.
func (s StageSpec) normalized(stage StageType, log *zap.Logger) StageSpec {
	switch {
	case s.LowerLimitUm == s.UpperLimitUm:
		s.UpperLimitUm = abs64(s.LowerLimitUm)
		s.LowerLimitUm = -s.UpperLimitUm
		log.Warn("stage has equal upper and lower limits, assuming symmetric range",
			zap.String("stage", string(stage)))
	case s.LowerLimitUm > s.UpperLimitUm:
		s.LowerLimitUm, s.UpperLimitUm = s.UpperLimitUm, s.LowerLimitUm
		log.Warn("stage has upper limit below lower limit, swapping",
			zap.String("stage", string(stage)))
	}
	if s.UmPerCount < 0 {
		s.UmPerCount = -s.UmPerCount
	}
	return s
}

func abs64(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
