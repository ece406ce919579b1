package mcm3000

// Converter converts between encoder counts and micrometres for a single
// channel. Reverse flips the sign of every conversion, for stages mounted so
// that positive counts run downward.
//
// UmFromCounts and CountsFromUm are inverses up to integer truncation: for
// any um, |UmFromCounts(CountsFromUm(um)) - um| <= UmPerCount.
type Converter struct {
	UmPerCount float64
	Reverse    bool
}

// UmFromCounts converts an encoder count to micrometres.
func (c Converter) UmFromCounts(counts int32) float64 {
	um := float64(counts) * c.UmPerCount
	if c.Reverse {
		um = -um
	}
	return um + 0 // normalize -0.0
}

// CountsFromUm converts micrometres to an encoder count, truncating toward
// zero.
func (c Converter) CountsFromUm(um float64) int32 {
	counts := int32(um / c.UmPerCount)
	if c.Reverse {
		counts = -counts
	}
	return counts
}
