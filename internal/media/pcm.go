package media

import (
	"encoding/binary"
	"math"
)

// F32ToS16LE converts interleaved little-endian float32 PCM to interleaved
// little-endian int16, appending to dst. Samples are clipped to [-1, 1].
func F32ToS16LE(dst, src []byte) []byte {
	n := len(src) / 4
	for i := 0; i < n; i++ {
		v := math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
		dst = binary.LittleEndian.AppendUint16(dst, uint16(floatToS16(v)))
	}
	return dst
}

func floatToS16(v float32) int16 {
	switch {
	case v != v: // NaN
		return 0
	case v >= 1:
		return math.MaxInt16
	case v <= -1:
		return -math.MaxInt16
	}
	return int16(math.Round(float64(v) * math.MaxInt16))
}
