package session

import (
	"context"
	"sync"
	"time"
)

// PlaybackConfig tunes the paced outbound frame stream.
type PlaybackConfig struct {
	FrameBytes    int           // encoded frame size (160 = 20 ms of 8 kHz mu-law)
	FrameInterval time.Duration // wall-clock spacing between frames

	// OnFrame delivers one encoded frame to the transport.
	OnFrame func(frame []byte)
	// OnCleared tells the remote end to discard buffered audio.
	OnCleared func()
	// OnDrained fires when the queue empties naturally; the transport sends
	// a boundary checkpoint and the VAD's echo cooldown arms off the
	// playing-state transition.
	OnDrained func()
}

// DefaultPlaybackConfig paces 160-byte mu-law frames at 20 ms.
func DefaultPlaybackConfig() PlaybackConfig {
	return PlaybackConfig{FrameBytes: 160, FrameInterval: 20 * time.Millisecond}
}

// PlaybackEngine holds a FIFO of fixed-size encoded frames plus a residue
// buffer for re-chunking arbitrary synthesis output. Frames drain against
// absolute deadlines (start + n*interval) so pacing never drifts over long
// utterances. Implements the pipeline sink and the VAD's playback state.
type PlaybackEngine struct {
	cfg PlaybackConfig

	mu         sync.Mutex
	queue      [][]byte
	residue    []byte
	playing    bool
	startedAt  time.Time
	frameIndex int

	wake chan struct{}
}

// NewPlaybackEngine creates an engine; call Run to start draining.
func NewPlaybackEngine(cfg PlaybackConfig) *PlaybackEngine {
	if cfg.FrameBytes == 0 {
		cfg.FrameBytes = 160
	}
	if cfg.FrameInterval == 0 {
		cfg.FrameInterval = 20 * time.Millisecond
	}
	return &PlaybackEngine{cfg: cfg, wake: make(chan struct{}, 1)}
}

// Enqueue appends encoded audio, re-chunking it into fixed transport frames.
// Residue shorter than one frame is held for the next Enqueue.
func (p *PlaybackEngine) Enqueue(encoded []byte) {
	p.mu.Lock()
	p.residue = append(p.residue, encoded...)
	for len(p.residue) >= p.cfg.FrameBytes {
		frame := make([]byte, p.cfg.FrameBytes)
		copy(frame, p.residue[:p.cfg.FrameBytes])
		p.residue = p.residue[p.cfg.FrameBytes:]
		p.queue = append(p.queue, frame)
	}
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Clear drops all queued and residual audio and marks not-playing. The
// remote endpoint is told to discard anything already buffered.
func (p *PlaybackEngine) Clear() {
	p.mu.Lock()
	p.queue = nil
	p.residue = nil
	p.playing = false
	p.frameIndex = 0
	p.mu.Unlock()

	if p.cfg.OnCleared != nil {
		p.cfg.OnCleared()
	}
}

// Playing reports whether frames are actively draining.
func (p *PlaybackEngine) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// StartedAt returns when the current playback run began.
func (p *PlaybackEngine) StartedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startedAt
}

// Run drains frames until ctx is done. Each frame's send deadline is
// computed from playback start, not from the previous send, so scheduling
// jitter never accumulates.
func (p *PlaybackEngine) Run(ctx context.Context) {
	for {
		frame, wait, drained, ok := p.next()
		if drained && p.cfg.OnDrained != nil {
			p.cfg.OnDrained()
		}
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-p.wake:
			}
			continue
		}
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		if p.cfg.OnFrame != nil {
			p.cfg.OnFrame(frame)
		}
	}
}

// muLawSilence is the mu-law encoding of a zero sample.
const muLawSilence = 0xFF

// next pops the next frame and computes its deadline delta. When the queue
// empties mid-run it pads any residue out to a full frame; once nothing is
// left it reports the drain transition exactly once.
func (p *PlaybackEngine) next() (frame []byte, wait time.Duration, drained, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// A sub-frame tail pads out with silence whenever the queue runs dry,
	// even if playback never started; otherwise an utterance shorter than
	// one frame would be dropped on the floor.
	if len(p.queue) == 0 && len(p.residue) > 0 {
		padded := make([]byte, p.cfg.FrameBytes)
		for i := range padded {
			padded[i] = muLawSilence
		}
		copy(padded, p.residue)
		p.residue = p.residue[:0]
		p.queue = append(p.queue, padded)
	}

	if len(p.queue) == 0 {
		if p.playing {
			p.playing = false
			p.frameIndex = 0
			drained = true
		}
		return nil, 0, drained, false
	}

	frame = p.queue[0]
	p.queue = p.queue[1:]

	if !p.playing {
		p.playing = true
		p.startedAt = time.Now()
		p.frameIndex = 0
	}
	deadline := p.startedAt.Add(time.Duration(p.frameIndex) * p.cfg.FrameInterval)
	p.frameIndex++
	wait = time.Until(deadline)
	return frame, wait, false, true
}
