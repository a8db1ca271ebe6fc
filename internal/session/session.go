// Package session owns the per-call lifecycle: media framing through the
// VAD, utterance capture, paced playback, timers, and one-shot finalization.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/relayfone/voicegate/internal/audio"
	"github.com/relayfone/voicegate/internal/fsm"
	"github.com/relayfone/voicegate/internal/metrics"
	"github.com/relayfone/voicegate/internal/pipeline"
)

// Finalization is everything persisted when a call ends.
type Finalization struct {
	CallID       string
	CallerNumber string
	Language     string
	Direction    string
	Reason       string
	StartedAt    time.Time
	EndedAt      time.Time
	Transcript   []pipeline.TranscriptEntry
	Snapshot     fsm.Snapshot
}

// Config wires one call session.
type Config struct {
	CallID       string
	CallerNumber string
	Direction    string // "inbound" or "outbound"
	Language     string

	VAD       audio.VADConfig
	Utterance UtteranceConfig
	Playback  PlaybackConfig

	SilenceTimeout time.Duration // per-turn caller silence before reprompt
	MaxDuration    time.Duration // hard call length ceiling

	// NewRunner builds the pipeline runner once the session's sink,
	// recorder, and machine exist.
	NewRunner func(machine *fsm.Machine, sink pipeline.Sink, recorder pipeline.Recorder, onHangup func(reason string)) Driver

	// Hangup asks call control to end the call now.
	Hangup func(callID, reason string)
	// Finalize persists the call record; invoked exactly once.
	Finalize func(fin Finalization)
}

// Driver is the slice of the pipeline runner a session drives. Satisfied by
// pipeline.Runner.
type Driver interface {
	Greet(parent context.Context)
	Trigger(parent context.Context, utt pipeline.Utterance)
	Interrupt()
	HandleSilence(parent context.Context)
	Terminate(parent context.Context, reason string)
	// Snapshot must serialize against the driver's own machine mutations;
	// finalization reads it while a run may still be in flight.
	Snapshot() fsm.Snapshot
}

// transcriptLog is the session's pipeline.Recorder.
type transcriptLog struct {
	mu      sync.Mutex
	entries []pipeline.TranscriptEntry
}

func (l *transcriptLog) Append(entry pipeline.TranscriptEntry) {
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
}

func (l *transcriptLog) all() []pipeline.TranscriptEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]pipeline.TranscriptEntry(nil), l.entries...)
}

// Session is one active call. Inbound messages are handled by a single
// transport goroutine in arrival order; playback and pipeline work run as
// separately scheduled goroutines.
type Session struct {
	cfg       Config
	ctx       context.Context
	cancel    context.CancelFunc
	startedAt time.Time

	vad     *audio.VAD
	utt     *UtteranceBuffer
	engine  *PlaybackEngine
	runner  Driver
	machine *fsm.Machine
	log     *transcriptLog

	pending []float32 // partial frame carry-over between media messages

	silenceTimer *time.Timer
	maxTimer     *time.Timer

	finalizeOnce sync.Once
}

// New creates and starts a session: the playback engine begins draining and
// lifecycle timers arm.
func New(parent context.Context, cfg Config) *Session {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		startedAt: time.Now(),
		machine:   fsm.New(),
		log:       &transcriptLog{},
	}
	s.engine = NewPlaybackEngine(cfg.Playback)
	s.vad = audio.NewVAD(cfg.VAD, s.engine)
	s.utt = NewUtteranceBuffer(cfg.Utterance)
	s.runner = cfg.NewRunner(s.machine, s.engine, s.log, s.onHangupRequested)

	go s.engine.Run(ctx)

	if cfg.SilenceTimeout > 0 {
		s.silenceTimer = time.AfterFunc(cfg.SilenceTimeout, s.onSilenceTimeout)
	}
	if cfg.MaxDuration > 0 {
		s.maxTimer = time.AfterFunc(cfg.MaxDuration, func() {
			slog.Info("max call duration reached", "callId", cfg.CallID)
			s.runner.Terminate(s.ctx, "max duration")
		})
	}

	metrics.CallsActive.Inc()
	metrics.CallsTotal.WithLabelValues(cfg.Direction).Inc()
	return s
}

// ID returns the call id.
func (s *Session) ID() string { return s.cfg.CallID }

// Answered starts the scripted greeting.
func (s *Session) Answered() {
	s.runner.Greet(s.ctx)
}

// HandleMedia processes one inbound chunk of decoded mu-law payload bytes.
func (s *Session) HandleMedia(ulaw []byte) {
	metrics.AudioFrames.Inc()

	samples := audio.DecodeUlaw(ulaw)
	if len(s.pending) > 0 {
		samples = append(s.pending, samples...)
		s.pending = nil
	}

	frameLen := s.cfg.VAD.FrameSamples
	for len(samples) >= frameLen {
		s.processFrame(samples[:frameLen])
		samples = samples[frameLen:]
	}
	if len(samples) > 0 {
		s.pending = append(s.pending, samples...)
	}
}

func (s *Session) processFrame(frame []float32) {
	switch s.vad.ProcessFrame(frame) {
	case audio.FrameSpeechStart:
		s.resetSilenceTimer()
		s.utt.Begin(s.vad.PreRoll(), time.Now())
		s.utt.Append(frame)
	case audio.FrameSpeech:
		s.utt.Append(frame)
		if s.utt.ShouldFlush(time.Now()) {
			slog.Debug("utterance backpressure flush", "callId", s.cfg.CallID, "samples", s.utt.Len())
			s.flushUtterance()
			// The caller is still mid-speech; keep capturing into a
			// continuation segment.
			s.utt.Begin(nil, time.Now())
		}
	case audio.FrameSpeechEnd:
		s.resetSilenceTimer()
		s.flushUtterance()
	case audio.FrameBargeIn:
		slog.Info("barge-in", "callId", s.cfg.CallID)
		s.resetSilenceTimer()
		s.runner.Interrupt()
	}
}

// flushUtterance hands the captured segment to the pipeline, resampled to
// 16 kHz for transcription.
func (s *Session) flushUtterance() {
	samples8k, startedAt := s.utt.Flush()
	if len(samples8k) == 0 {
		return
	}
	samples16k := audio.Resample(samples8k, 8000, 16000)
	s.runner.Trigger(s.ctx, pipeline.Utterance{Samples: samples16k, StartedAt: startedAt})
}

func (s *Session) onSilenceTimeout() {
	if s.ctx.Err() != nil {
		return
	}
	// Agent speech doesn't count toward caller silence.
	if s.engine.Playing() || s.vad.Speaking() {
		s.resetSilenceTimer()
		return
	}
	s.runner.HandleSilence(s.ctx)
	s.resetSilenceTimer()
}

func (s *Session) resetSilenceTimer() {
	if s.silenceTimer != nil {
		s.silenceTimer.Reset(s.cfg.SilenceTimeout)
	}
}

// onHangupRequested runs the graceful termination: let queued farewell audio
// drain, then hang up through call control and finalize.
func (s *Session) onHangupRequested(reason string) {
	go func() {
		s.awaitDrain(10 * time.Second)
		if s.cfg.Hangup != nil {
			s.cfg.Hangup(s.cfg.CallID, reason)
		}
		s.Finalize(reason)
	}()
}

// awaitDrain waits for playback to finish, bounded by max.
func (s *Session) awaitDrain(max time.Duration) {
	deadline := time.Now().Add(max)
	// Give the runner a moment to queue the farewell before checking.
	time.Sleep(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		if !s.engine.Playing() {
			return
		}
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Finalize tears the session down exactly once, irrespective of trigger:
// explicit stop, transport close, error, timeout, or budget/FSM hangup.
func (s *Session) Finalize(reason string) {
	s.finalizeOnce.Do(func() {
		if s.silenceTimer != nil {
			s.silenceTimer.Stop()
		}
		if s.maxTimer != nil {
			s.maxTimer.Stop()
		}
		s.cancel()
		metrics.CallsActive.Dec()

		fin := Finalization{
			CallID:       s.cfg.CallID,
			CallerNumber: s.cfg.CallerNumber,
			Language:     s.cfg.Language,
			Direction:    s.cfg.Direction,
			Reason:       reason,
			StartedAt:    s.startedAt,
			EndedAt:      time.Now(),
			Transcript:   s.log.all(),
			Snapshot:     s.runner.Snapshot(),
		}
		slog.Info("call finalized", "callId", s.cfg.CallID, "reason", reason,
			"turns", len(fin.Transcript), "state", fin.Snapshot.State,
			"duration_s", fin.EndedAt.Sub(fin.StartedAt).Seconds())
		if s.cfg.Finalize != nil {
			s.cfg.Finalize(fin)
		}
	})
}
