package audio

import "fmt"

type Codec string

const (
	CodecPCM      Codec = "pcm"
	CodecG711Ulaw Codec = "g711_ulaw"
	CodecG711Alaw Codec = "g711_alaw"
)

// decoder holds a codec's decode function and its fixed output sample rate.
// A rate of 0 means "use the caller-supplied sampleRate" (e.g. PCM passthrough).
type decoder struct {
	fn   func([]byte) []float32
	rate int
}

// decoders maps each supported inbound codec to its decode function and rate.
// The telephony codecs are pinned at 8 kHz narrowband.
var decoders = map[Codec]decoder{
	CodecPCM:      {fn: DecodePCM, rate: 0},
	CodecG711Ulaw: {fn: DecodeUlaw, rate: 8000},
	CodecG711Alaw: {fn: DecodeAlaw, rate: 8000},
}

// Decode converts encoded audio bytes to float32 PCM samples normalized to [-1, 1].
// Returns samples and the sample rate.
func Decode(data []byte, codec Codec, sampleRate int) ([]float32, int, error) {
	dec, ok := decoders[codec]
	if !ok {
		return nil, 0, fmt.Errorf("unsupported codec: %s", codec)
	}
	rate := dec.rate
	if rate == 0 {
		rate = sampleRate
	}
	return dec.fn(data), rate, nil
}
