package domain

// Hard ceilings of the entity-ID space.
const (
	MaxEntityOrdinal = 99_999
	MaxTileOrdinal   = 99_999
	MaxTaskOrdinal   = 9
	MaxTypeOffset    = 99
)

// DigitCount returns the number of decimal digits of a non-negative value.
func DigitCount(v int64) int {
	if v < 10 {
		return 1
	}
	n := 0
	for v > 0 {
		v /= 10
		n++
	}
	return n
}
