package session

import (
	"context"
	"sync"
	"testing"
	"time"
)

type frameCollector struct {
	mu      sync.Mutex
	frames  [][]byte
	times   []time.Time
	cleared int
	drained int
}

func (c *frameCollector) onFrame(frame []byte) {
	c.mu.Lock()
	c.frames = append(c.frames, frame)
	c.times = append(c.times, time.Now())
	c.mu.Unlock()
}

func (c *frameCollector) onCleared() {
	c.mu.Lock()
	c.cleared++
	c.mu.Unlock()
}

func (c *frameCollector) onDrained() {
	c.mu.Lock()
	c.drained++
	c.mu.Unlock()
}

func (c *frameCollector) snapshot() ([][]byte, []time.Time, int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...), append([]time.Time(nil), c.times...), c.cleared, c.drained
}

func startEngine(t *testing.T, frameBytes int, interval time.Duration) (*PlaybackEngine, *frameCollector, context.CancelFunc) {
	t.Helper()
	c := &frameCollector{}
	engine := NewPlaybackEngine(PlaybackConfig{
		FrameBytes:    frameBytes,
		FrameInterval: interval,
		OnFrame:       c.onFrame,
		OnCleared:     c.onCleared,
		OnDrained:     c.onDrained,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go engine.Run(ctx)
	return engine, c, cancel
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestEnqueueRechunksToFixedFrames(t *testing.T) {
	engine, c, cancel := startEngine(t, 4, time.Millisecond)
	defer cancel()

	engine.Enqueue([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}) // two frames + 2 residue
	waitUntil(t, func() bool {
		frames, _, _, _ := c.snapshot()
		return len(frames) >= 3
	}, "frames never drained")

	frames, _, _, drained := c.snapshot()
	if string(frames[0]) != string([]byte{1, 2, 3, 4}) {
		t.Errorf("frame 0 = %v", frames[0])
	}
	if string(frames[1]) != string([]byte{5, 6, 7, 8}) {
		t.Errorf("frame 1 = %v", frames[1])
	}
	// Final residue {9,10} is padded with mu-law silence on drain.
	if string(frames[2]) != string([]byte{9, 10, muLawSilence, muLawSilence}) {
		t.Errorf("frame 2 = %v", frames[2])
	}
	if drained == 0 {
		waitUntil(t, func() bool {
			_, _, _, d := c.snapshot()
			return d >= 1
		}, "drain boundary never reported")
	}
}

func TestPacingUsesAbsoluteDeadlines(t *testing.T) {
	interval := 20 * time.Millisecond
	engine, c, cancel := startEngine(t, 2, interval)
	defer cancel()

	payload := make([]byte, 2*10) // 10 frames
	engine.Enqueue(payload)

	waitUntil(t, func() bool {
		frames, _, _, _ := c.snapshot()
		return len(frames) == 10
	}, "frames never finished draining")

	_, times, _, _ := c.snapshot()
	total := times[len(times)-1].Sub(times[0])
	expected := time.Duration(len(times)-1) * interval
	// Absolute-deadline pacing keeps cumulative drift small even if single
	// waits jitter.
	if total < expected-interval || total > expected+5*interval {
		t.Errorf("10 frames drained in %v, expected about %v", total, expected)
	}
}

func TestClearDropsQueueAndNotifiesRemote(t *testing.T) {
	engine, c, cancel := startEngine(t, 160, 50*time.Millisecond)
	defer cancel()

	engine.Enqueue(make([]byte, 160*50))
	waitUntil(t, func() bool { return engine.Playing() }, "playback never started")

	engine.Clear()

	if engine.Playing() {
		t.Error("Playing() = true after Clear")
	}
	_, _, cleared, _ := c.snapshot()
	if cleared != 1 {
		t.Errorf("cleared callbacks = %d, want 1", cleared)
	}

	frames, _, _, _ := c.snapshot()
	before := len(frames)
	time.Sleep(120 * time.Millisecond)
	frames, _, _, _ = c.snapshot()
	if len(frames) > before+1 {
		t.Errorf("frames kept draining after Clear: %d -> %d", before, len(frames))
	}
}

func TestDrainMarksNotPlayingAndFiresBoundary(t *testing.T) {
	engine, c, cancel := startEngine(t, 2, time.Millisecond)
	defer cancel()

	engine.Enqueue([]byte{1, 2, 3, 4})
	waitUntil(t, func() bool {
		_, _, _, drained := c.snapshot()
		return drained == 1
	}, "drain never reported")
	if engine.Playing() {
		t.Error("Playing() = true after natural drain")
	}

	// A second utterance restarts playback and drains again.
	engine.Enqueue([]byte{5, 6})
	waitUntil(t, func() bool {
		_, _, _, drained := c.snapshot()
		return drained == 2
	}, "second drain never reported")
}

func TestSubFrameResidueStillPlays(t *testing.T) {
	engine, c, cancel := startEngine(t, 4, time.Millisecond)
	defer cancel()

	// Shorter than one frame and nothing else queued: the tail must pad
	// out and play rather than sit in the residue buffer forever.
	engine.Enqueue([]byte{9, 9})
	waitUntil(t, func() bool {
		frames, _, _, _ := c.snapshot()
		return len(frames) >= 1
	}, "sub-frame residue never played")

	frames, _, _, _ := c.snapshot()
	want := []byte{9, 9, 0xFF, 0xFF}
	if string(frames[0]) != string(want) {
		t.Errorf("frame = %v, want %v", frames[0], want)
	}
	waitUntil(t, func() bool {
		_, _, _, drained := c.snapshot()
		return drained == 1
	}, "drain never reported")
}
