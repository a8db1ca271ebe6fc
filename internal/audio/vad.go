package audio

import "time"

// VADConfig controls adaptive voice activity detection. The thresholds and
// window lengths are empirically tuned for 8 kHz telephony audio and are
// deliberately runtime-configurable.
type VADConfig struct {
	FrameSamples int // samples per frame (160 = 20 ms at 8 kHz)

	StaticFloor     float64 // absolute RMS floor for the speech threshold
	NoiseMultiplier float64 // dynamic threshold = noiseFloor * this
	NoiseFastAlpha  float64 // floor smoothing during calibration
	NoiseSlowAlpha  float64 // floor smoothing otherwise

	StartFrames   int // consecutive above-threshold frames to open speech
	EndFrames     int // consecutive below-threshold frames to close speech
	PreRollFrames int // frames retained before a detected start

	// Barge-in discrimination while the agent is speaking. The telephony
	// leg has no acoustic echo cancellation, so the mic is deafened during
	// playback unless a stronger, longer signal is observed.
	BargeInMultiplier     float64
	BargeInFrames         int
	MinPlaybackForBargeIn time.Duration

	CooldownFrames    int // frames discarded entirely after playback ends (echo tail)
	CalibrationFrames int // fast noise-floor convergence window after cooldown
}

// DefaultVADConfig returns tuned defaults for 20 ms frames of 8 kHz mu-law audio.
func DefaultVADConfig() VADConfig {
	return VADConfig{
		FrameSamples:          160,
		StaticFloor:           0.012,
		NoiseMultiplier:       2.5,
		NoiseFastAlpha:        0.35,
		NoiseSlowAlpha:        0.03,
		StartFrames:           3,
		EndFrames:             35,
		PreRollFrames:         5,
		BargeInMultiplier:     5.0,
		BargeInFrames:         8,
		MinPlaybackForBargeIn: 600 * time.Millisecond,
		CooldownFrames:        15,
		CalibrationFrames:     10,
	}
}

// PlaybackState is the slice of the playback engine the detector needs for
// barge-in math.
type PlaybackState interface {
	Playing() bool
	StartedAt() time.Time
}

// FrameEvent classifies one processed audio frame.
type FrameEvent int

const (
	FrameNone        FrameEvent = iota // silence / noise, nothing buffered
	FrameSpeechStart                   // hysteresis satisfied; caller should drain PreRoll first
	FrameSpeech                        // inside an utterance
	FrameSpeechEnd                     // utterance closed; caller flushes its buffer
	FrameBargeIn                       // sustained caller speech over active playback
	FrameDiscarded                     // deafened (playback active or echo cooldown)
)

// VAD is an energy detector with an adaptive noise floor, start/end
// hysteresis, pre-roll retention, and playback-aware barge-in detection.
// Not safe for concurrent use; each call session owns one.
type VAD struct {
	cfg      VADConfig
	playback PlaybackState

	noiseFloor  float64
	speaking    bool
	startCount  int
	endCount    int
	bargeCount  int
	cooldown    int
	calibration int
	prevPlaying bool

	preRoll [][]float32
}

// NewVAD creates a detector bound to the given playback state.
func NewVAD(cfg VADConfig, playback PlaybackState) *VAD {
	return &VAD{
		cfg:      cfg,
		playback: playback,
		preRoll:  make([][]float32, 0, cfg.PreRollFrames),
	}
}

// ProcessFrame classifies one fixed-size frame of normalized samples.
func (v *VAD) ProcessFrame(frame []float32) FrameEvent {
	rms := RMS(frame)

	if v.playback != nil && v.playback.Playing() {
		v.prevPlaying = true
		return v.processDuringPlayback(rms)
	}

	if v.prevPlaying {
		// Playback just drained or was cleared: the echo tail is still on
		// the wire, so discard outright, then recalibrate the floor.
		v.prevPlaying = false
		v.cooldown = v.cfg.CooldownFrames
		v.calibration = v.cfg.CalibrationFrames
		v.resetSegmentState()
	}

	if v.cooldown > 0 {
		v.cooldown--
		return FrameDiscarded
	}

	if v.speaking {
		return v.processSpeaking(rms)
	}
	return v.processIdle(frame, rms)
}

func (v *VAD) processDuringPlayback(rms float64) FrameEvent {
	if time.Since(v.playback.StartedAt()) < v.cfg.MinPlaybackForBargeIn {
		v.bargeCount = 0
		return FrameDiscarded
	}

	threshold := max(v.cfg.StaticFloor, v.noiseFloor*v.cfg.BargeInMultiplier)
	if rms < threshold {
		v.bargeCount = 0
		return FrameDiscarded
	}

	v.bargeCount++
	if v.bargeCount < v.cfg.BargeInFrames {
		return FrameDiscarded
	}
	v.bargeCount = 0
	return FrameBargeIn
}

func (v *VAD) processSpeaking(rms float64) FrameEvent {
	if rms >= v.threshold() {
		v.endCount = 0
		return FrameSpeech
	}
	v.endCount++
	if v.endCount < v.cfg.EndFrames {
		return FrameSpeech
	}
	v.speaking = false
	v.endCount = 0
	v.updateNoiseFloor(rms)
	return FrameSpeechEnd
}

func (v *VAD) processIdle(frame []float32, rms float64) FrameEvent {
	if rms >= v.threshold() {
		v.startCount++
		if v.startCount >= v.cfg.StartFrames {
			v.speaking = true
			v.startCount = 0
			return FrameSpeechStart
		}
		// Still inside the hysteresis window; keep the frame so the
		// utterance isn't clipped if speech is confirmed.
		v.pushPreRoll(frame)
		return FrameNone
	}

	v.startCount = 0
	v.updateNoiseFloor(rms)
	v.pushPreRoll(frame)
	return FrameNone
}

// PreRoll returns the retained pre-speech frames and clears them. Called once
// on FrameSpeechStart so the utterance includes its leading edge.
func (v *VAD) PreRoll() [][]float32 {
	frames := v.preRoll
	v.preRoll = make([][]float32, 0, v.cfg.PreRollFrames)
	return frames
}

// Speaking reports whether the detector is inside an utterance.
func (v *VAD) Speaking() bool {
	return v.speaking
}

// NoiseFloor exposes the current adaptive floor estimate.
func (v *VAD) NoiseFloor() float64 {
	return v.noiseFloor
}

// Reset clears all segment state and restarts calibration.
func (v *VAD) Reset() {
	v.resetSegmentState()
	v.noiseFloor = 0
	v.cooldown = 0
	v.calibration = v.cfg.CalibrationFrames
	v.prevPlaying = false
}

func (v *VAD) resetSegmentState() {
	v.speaking = false
	v.startCount = 0
	v.endCount = 0
	v.bargeCount = 0
	v.preRoll = v.preRoll[:0]
}

func (v *VAD) threshold() float64 {
	return max(v.cfg.StaticFloor, v.noiseFloor*v.cfg.NoiseMultiplier)
}

func (v *VAD) updateNoiseFloor(rms float64) {
	if v.noiseFloor == 0 {
		v.noiseFloor = rms
		return
	}
	alpha := v.cfg.NoiseSlowAlpha
	if v.calibration > 0 {
		alpha = v.cfg.NoiseFastAlpha
		v.calibration--
	}
	v.noiseFloor = (1-alpha)*v.noiseFloor + alpha*rms
}

func (v *VAD) pushPreRoll(frame []float32) {
	if v.cfg.PreRollFrames == 0 {
		return
	}
	snap := make([]float32, len(frame))
	copy(snap, frame)
	v.preRoll = append(v.preRoll, snap)
	if len(v.preRoll) > v.cfg.PreRollFrames {
		v.preRoll = v.preRoll[1:]
	}
}
