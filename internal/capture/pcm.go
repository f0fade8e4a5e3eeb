package capture

import (
	"encoding/binary"
	"math"
)

// toPCM16 converts a normalized sample to a signed 16-bit value, clamping
// anything outside [-1, 1].
func toPCM16(v float64) int16 {
	s := math.Round(v * 32768)
	switch {
	case s > math.MaxInt16:
		return math.MaxInt16
	case s < math.MinInt16:
		return math.MinInt16
	default:
		return int16(s)
	}
}

// fromPCM16 is the inverse of toPCM16 for in-range values.
func fromPCM16(s int16) float32 {
	return float32(s) / 32768
}

// EncodePCM16 returns the little-endian byte form of samples.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
