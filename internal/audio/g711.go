package audio

import "math"

const (
	muLawBias = 0x84
	muLawClip = 32635
)

var ulawTable [256]int16
var alawTable [256]int16

func init() {
	for i := range 256 {
		ulawTable[i] = decodeUlawSample(byte(i))
		alawTable[i] = decodeAlawSample(byte(i))
	}
}

func decodeUlawSample(b byte) int16 {
	b = ^b
	sign := int16(1)
	if b&0x80 != 0 {
		sign = -1
		b &= 0x7F
	}
	exponent := int16((b >> 4) & 0x07)
	mantissa := int16(b & 0x0F)
	sample := (mantissa<<3 + 0x84) << exponent
	sample -= 0x84
	return sign * sample
}

func decodeAlawSample(b byte) int16 {
	b ^= 0x55
	sign := int16(1)
	if b&0x80 == 0 {
		sign = -1
	}
	b &= 0x7F
	exponent := int16((b >> 4) & 0x07)
	mantissa := int16(b & 0x0F)
	if exponent == 0 {
		return sign * (mantissa<<4 + 8)
	}
	return sign * ((mantissa<<4 + 0x108) << (exponent - 1))
}

// encodeUlawSample compresses one linear PCM16 sample to a G.711 mu-law byte.
// Round-tripping through decodeUlawSample is lossy but stays within one
// quantization step.
func encodeUlawSample(s int16) byte {
	v := int32(s)
	sign := byte(0)
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > muLawClip {
		v = muLawClip
	}
	v += muLawBias

	exponent := byte(7)
	for mask := int32(0x4000); exponent > 0 && v&mask == 0; exponent-- {
		mask >>= 1
	}
	mantissa := byte((v >> (uint32(exponent) + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}

// DecodeUlaw converts G.711 mu-law bytes to float32 samples normalized to [-1, 1].
func DecodeUlaw(data []byte) []float32 {
	samples := make([]float32, len(data))
	for i, b := range data {
		samples[i] = float32(ulawTable[b]) / math.MaxInt16
	}
	return samples
}

// DecodeAlaw converts G.711 A-law bytes to float32 samples normalized to [-1, 1].
func DecodeAlaw(data []byte) []float32 {
	samples := make([]float32, len(data))
	for i, b := range data {
		samples[i] = float32(alawTable[b]) / math.MaxInt16
	}
	return samples
}

// EncodeUlaw converts float32 samples normalized to [-1, 1] into G.711 mu-law
// bytes for the 8 kHz telephony leg.
func EncodeUlaw(samples []float32) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		clamped := max(float32(-1.0), min(float32(1.0), s))
		out[i] = encodeUlawSample(int16(clamped * math.MaxInt16))
	}
	return out
}

// EncodeUlawPCM16 converts linear PCM16 samples directly to mu-law bytes.
func EncodeUlawPCM16(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = encodeUlawSample(s)
	}
	return out
}
