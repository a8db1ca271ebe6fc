package session

import (
	"testing"
	"time"
)

func frameOf(value float32, n int) []float32 {
	frame := make([]float32, n)
	for i := range frame {
		frame[i] = value
	}
	return frame
}

func TestBeginSeedsPreRoll(t *testing.T) {
	u := NewUtteranceBuffer(DefaultUtteranceConfig())
	pre := [][]float32{frameOf(0.1, 160), frameOf(0.2, 160)}

	u.Begin(pre, time.Now())
	if u.Len() != 320 {
		t.Errorf("Len = %d after pre-roll seed, want 320", u.Len())
	}
	u.Append(frameOf(0.3, 160))
	if u.Len() != 480 {
		t.Errorf("Len = %d after append, want 480", u.Len())
	}
}

func TestAppendIgnoredWhileIdle(t *testing.T) {
	u := NewUtteranceBuffer(DefaultUtteranceConfig())
	u.Append(frameOf(0.5, 160))
	if u.Len() != 0 {
		t.Errorf("idle buffer accepted samples, Len = %d", u.Len())
	}
	if u.Active() {
		t.Error("buffer active without Begin")
	}
}

func TestShouldFlushOnByteCap(t *testing.T) {
	cfg := DefaultUtteranceConfig()
	cfg.MaxBytes = 160 * 2 * 3 // three frames of PCM16
	u := NewUtteranceBuffer(cfg)

	now := time.Now()
	u.Begin(nil, now)
	for i := 0; i < 2; i++ {
		u.Append(frameOf(0.1, 160))
	}
	if u.ShouldFlush(now) {
		t.Fatal("flushed below the byte cap")
	}
	u.Append(frameOf(0.1, 160))
	if !u.ShouldFlush(now) {
		t.Fatal("byte cap reached but ShouldFlush is false")
	}
}

func TestShouldFlushOnDurationCap(t *testing.T) {
	cfg := DefaultUtteranceConfig()
	cfg.MaxDuration = 5 * time.Second
	u := NewUtteranceBuffer(cfg)

	start := time.Now()
	u.Begin(nil, start)
	u.Append(frameOf(0.1, 160))
	if u.ShouldFlush(start.Add(4 * time.Second)) {
		t.Fatal("flushed before the duration cap")
	}
	if !u.ShouldFlush(start.Add(5 * time.Second)) {
		t.Fatal("duration cap reached but ShouldFlush is false")
	}
}

func TestFlushResetsBeforeHandoff(t *testing.T) {
	u := NewUtteranceBuffer(DefaultUtteranceConfig())
	start := time.Now()
	u.Begin(nil, start)
	u.Append(frameOf(0.25, 160))

	samples, startedAt := u.Flush()
	if len(samples) != 160 {
		t.Fatalf("flushed %d samples, want 160", len(samples))
	}
	if !startedAt.Equal(start) {
		t.Error("flush lost the segment start time")
	}
	if u.Active() || u.Len() != 0 {
		t.Error("buffer not idle after flush")
	}

	// The returned slice is a copy: new segments must not alias it.
	u.Begin(nil, time.Now())
	u.Append(frameOf(0.9, 160))
	if samples[0] != 0.25 {
		t.Error("flushed samples aliased by the next segment")
	}

	empty, _ := u.Flush()
	if len(empty) != 160 {
		t.Errorf("second segment flushed %d samples, want 160", len(empty))
	}
}
