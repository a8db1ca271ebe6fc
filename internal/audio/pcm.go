package audio

import (
	"encoding/binary"
	"math"
)

// DecodePCM converts little-endian PCM16 bytes to float32 samples in [-1, 1].
func DecodePCM(data []byte) []float32 {
	n := len(data) / 2
	samples := make([]float32, n)
	for i := range n {
		s := int16(binary.LittleEndian.Uint16(data[i*2:]))
		samples[i] = float32(s) / math.MaxInt16
	}
	return samples
}

// EncodePCM converts float32 samples in [-1, 1] to little-endian PCM16 bytes.
func EncodePCM(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		clamped := max(float32(-1.0), min(float32(1.0), s))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(clamped*math.MaxInt16)))
	}
	return out
}

// PCM16FromBytes reinterprets little-endian PCM16 bytes as int16 samples.
// A trailing odd byte is dropped.
func PCM16FromBytes(data []byte) []int16 {
	n := len(data) / 2
	samples := make([]int16, n)
	for i := range n {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}

// RMS returns the root-mean-square energy of normalized samples.
// Zero for an empty or all-zero buffer, increasing with signal amplitude.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
