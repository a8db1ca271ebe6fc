package session

import "time"

// UtteranceConfig bounds one captured speech segment. Both caps force an
// early flush so a stuck-open microphone or echo loop cannot grow memory or
// delay the response unboundedly.
type UtteranceConfig struct {
	MaxBytes    int           // PCM16 byte ceiling (samples * 2)
	MaxDuration time.Duration // speech duration ceiling
	SampleRate  int           // rate of the buffered samples
}

// DefaultUtteranceConfig caps a segment at 15 seconds of 8 kHz audio.
func DefaultUtteranceConfig() UtteranceConfig {
	return UtteranceConfig{
		MaxBytes:    8000 * 2 * 15,
		MaxDuration: 15 * time.Second,
		SampleRate:  8000,
	}
}

// UtteranceBuffer accumulates the frames of one speech segment.
type UtteranceBuffer struct {
	cfg       UtteranceConfig
	samples   []float32
	startedAt time.Time
	active    bool
}

// NewUtteranceBuffer creates an idle buffer.
func NewUtteranceBuffer(cfg UtteranceConfig) *UtteranceBuffer {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 8000
	}
	return &UtteranceBuffer{cfg: cfg}
}

// Begin opens a segment, seeding it with the VAD's pre-roll frames.
func (u *UtteranceBuffer) Begin(preRoll [][]float32, now time.Time) {
	u.samples = u.samples[:0]
	for _, frame := range preRoll {
		u.samples = append(u.samples, frame...)
	}
	u.startedAt = now
	u.active = true
}

// Append adds one frame to the open segment; no-op while idle.
func (u *UtteranceBuffer) Append(frame []float32) {
	if !u.active {
		return
	}
	u.samples = append(u.samples, frame...)
}

// ShouldFlush reports whether a backpressure cap has been hit.
func (u *UtteranceBuffer) ShouldFlush(now time.Time) bool {
	if !u.active {
		return false
	}
	if u.cfg.MaxBytes > 0 && len(u.samples)*2 >= u.cfg.MaxBytes {
		return true
	}
	if u.cfg.MaxDuration > 0 && now.Sub(u.startedAt) >= u.cfg.MaxDuration {
		return true
	}
	return false
}

// Flush returns the segment's samples and start time, resetting the buffer
// to idle first so the next frame cannot be mis-attributed to this segment.
func (u *UtteranceBuffer) Flush() ([]float32, time.Time) {
	samples := make([]float32, len(u.samples))
	copy(samples, u.samples)
	startedAt := u.startedAt
	u.samples = u.samples[:0]
	u.active = false
	u.startedAt = time.Time{}
	return samples, startedAt
}

// Active reports whether a segment is open.
func (u *UtteranceBuffer) Active() bool { return u.active }

// Len returns the buffered sample count.
func (u *UtteranceBuffer) Len() int { return len(u.samples) }
