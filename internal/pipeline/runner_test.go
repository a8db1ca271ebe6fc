package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/relayfone/voicegate/internal/cost"
	"github.com/relayfone/voicegate/internal/fsm"
	"github.com/relayfone/voicegate/internal/resilience"
)

type fakeTranscriber struct {
	fn func(ctx context.Context, samples []float32, language string) (*TranscriptResult, error)
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, samples []float32, language string) (*TranscriptResult, error) {
	return f.fn(ctx, samples, language)
}

type fakeSynthesizer struct {
	mu      sync.Mutex
	texts   []string
	started chan struct{} // when set, receives one send per synthesis call
	release chan struct{} // when set, synthesis blocks until it is closed
}

func (f *fakeSynthesizer) SynthesizeAudio(ctx context.Context, text string, opts TTSOptions) ([]byte, error) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	started, release := f.started, f.release
	f.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		<-release
	}
	return make([]byte, 480), nil // 240 samples of silence
}

func (f *fakeSynthesizer) SampleRate() int { return 24000 }

func (f *fakeSynthesizer) synthesized() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

type fakeSink struct {
	mu       sync.Mutex
	enqueued int
	cleared  int
}

func (f *fakeSink) Enqueue(ulaw []byte) {
	f.mu.Lock()
	f.enqueued++
	f.mu.Unlock()
}

func (f *fakeSink) Clear() {
	f.mu.Lock()
	f.cleared++
	f.mu.Unlock()
}

func (f *fakeSink) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enqueued, f.cleared
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []TranscriptEntry
	added   chan struct{}
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{added: make(chan struct{}, 16)}
}

func (f *fakeRecorder) Append(entry TranscriptEntry) {
	f.mu.Lock()
	f.entries = append(f.entries, entry)
	f.mu.Unlock()
	f.added <- struct{}{}
}

func (f *fakeRecorder) all() []TranscriptEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]TranscriptEntry(nil), f.entries...)
}

type testHarness struct {
	runner   *Runner
	machine  *fsm.Machine
	streamer *scriptedStreamer
	synth    *fakeSynthesizer
	sink     *fakeSink
	recorder *fakeRecorder
	governor *cost.Governor
	hangups  chan string
}

func newHarness(t *testing.T, transcribe func(ctx context.Context, samples []float32, language string) (*TranscriptResult, error), streamer *scriptedStreamer) *testHarness {
	t.Helper()
	machine := fsm.New()
	synth := &fakeSynthesizer{}
	sink := &fakeSink{}
	recorder := newFakeRecorder()
	governor := cost.NewGovernor(cost.DefaultRates(), cost.Limits{Budget: 10})
	governor.Open("call-1")
	hangups := make(chan string, 4)

	runner := NewRunner(RunnerConfig{
		CallID:        "call-1",
		Language:      "en-US",
		AgentName:     "Priya",
		CompanyName:   "Skyline Homes",
		ASR:           NewASRRouter(map[string]Transcriber{"test": &fakeTranscriber{fn: transcribe}}, "test"),
		Reply:         replyRouter(streamer),
		TTS:           NewTTSRouter(map[string]Synthesizer{"test": synth}, "test"),
		ASRProvider:   "test",
		ReplyProvider: "test",
		TTSProvider:   "test",
		Guards:        NewGuards(resilience.Config{MaxRetries: 0, RetryBase: time.Millisecond}),
		Governor:      governor,
		Machine:       machine,
		Classifier:    fsm.NewRuleClassifier(),
		Sink:          sink,
		Recorder:      recorder,
		OnHangup:      func(reason string) { hangups <- reason },
	})
	return &testHarness{
		runner: runner, machine: machine, streamer: streamer, synth: synth,
		sink: sink, recorder: recorder, governor: governor, hangups: hangups,
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func plainTranscriber(text string) func(ctx context.Context, samples []float32, language string) (*TranscriptResult, error) {
	return func(ctx context.Context, samples []float32, language string) (*TranscriptResult, error) {
		return &TranscriptResult{Text: text, Confidence: 0.95}, nil
	}
}

// advance drives the machine into QUALIFYING_LEAD so free-text replies run.
func advance(m *fsm.Machine) {
	m.Apply(fsm.EventCallAnswered)
	m.Apply(fsm.EventIntroComplete)
	m.Apply(fsm.EventYes)
}

func TestRunSpeaksGeneratedReply(t *testing.T) {
	streamer := &scriptedStreamer{tokens: []string{
		"We have two options in Baner. ", "Shall I share details?",
		"\n", `{"action":"collect","leadData":{"intent":"buy"}}`,
	}}
	h := newHarness(t, plainTranscriber("I want to buy a flat"), streamer)
	advance(h.machine)

	h.runner.Trigger(context.Background(), Utterance{Samples: make([]float32, 16000), StartedAt: time.Now()})

	waitFor(t, func() bool {
		for _, e := range h.recorder.all() {
			if e.Speaker == "agent" {
				return true
			}
		}
		return false
	}, "agent transcript entry never recorded")

	texts := h.synth.synthesized()
	if len(texts) != 2 {
		t.Fatalf("synthesized = %q, want 2 sentences", texts)
	}
	if enq, _ := h.sink.counts(); enq != 2 {
		t.Errorf("enqueued frames = %d, want 2", enq)
	}
	if got := h.machine.Lead().Intent; got != "buy" {
		t.Errorf("lead intent = %q, want buy", got)
	}
	entries := h.recorder.all()
	if entries[0].Speaker != "user" || entries[0].Text != "I want to buy a flat" {
		t.Errorf("first entry = %+v", entries[0])
	}
}

func TestSupersededRunNeverReachesSink(t *testing.T) {
	release := make(chan struct{})
	transcribe := func(ctx context.Context, samples []float32, language string) (*TranscriptResult, error) {
		if len(samples) == 1 {
			<-release // first utterance resolves late
			return &TranscriptResult{Text: "stale answer", Confidence: 0.95}, nil
		}
		return &TranscriptResult{Text: "I want to buy a flat", Confidence: 0.95}, nil
	}
	streamer := &scriptedStreamer{tokens: []string{"Noted.", "\n", `{"action":"continue","leadData":{}}`}}
	h := newHarness(t, transcribe, streamer)
	advance(h.machine)

	h.runner.Trigger(context.Background(), Utterance{Samples: make([]float32, 1), StartedAt: time.Now()})
	h.runner.Trigger(context.Background(), Utterance{Samples: make([]float32, 2), StartedAt: time.Now()})

	waitFor(t, func() bool {
		enq, _ := h.sink.counts()
		return enq >= 1
	}, "second run never queued audio")
	close(release)
	time.Sleep(50 * time.Millisecond) // let the stale run finish discarding

	enq, _ := h.sink.counts()
	if enq != 1 {
		t.Errorf("enqueued = %d, want 1 (stale run output discarded)", enq)
	}
	for _, e := range h.recorder.all() {
		if strings.Contains(e.Text, "stale") {
			t.Errorf("stale transcript recorded: %+v", e)
		}
	}
}

func TestNoiseTranscriptEndsRunQuietly(t *testing.T) {
	streamer := &scriptedStreamer{tokens: []string{"should never run"}}
	h := newHarness(t, plainTranscriber("*static*"), streamer)
	advance(h.machine)

	h.runner.Trigger(context.Background(), Utterance{Samples: make([]float32, 160), StartedAt: time.Now()})
	time.Sleep(50 * time.Millisecond)

	if h.streamer.calls != 0 {
		t.Errorf("reply generated for noise transcript")
	}
	if enq, _ := h.sink.counts(); enq != 0 {
		t.Errorf("audio queued for noise transcript")
	}
	if len(h.recorder.all()) != 0 {
		t.Errorf("noise transcript recorded")
	}
}

func TestLowConfidenceTranscriptFiltered(t *testing.T) {
	transcribe := func(ctx context.Context, samples []float32, language string) (*TranscriptResult, error) {
		return &TranscriptResult{Text: "maybe something", Confidence: 0.2}, nil
	}
	streamer := &scriptedStreamer{}
	h := newHarness(t, transcribe, streamer)
	advance(h.machine)

	h.runner.Trigger(context.Background(), Utterance{Samples: make([]float32, 160), StartedAt: time.Now()})
	time.Sleep(50 * time.Millisecond)

	if h.streamer.calls != 0 {
		t.Errorf("reply generated for low-confidence transcript")
	}
}

func TestDeclineTriggersGracefulHangup(t *testing.T) {
	streamer := &scriptedStreamer{}
	h := newHarness(t, plainTranscriber("no thanks, not interested"), streamer)
	h.machine.Apply(fsm.EventCallAnswered)
	h.machine.Apply(fsm.EventIntroComplete) // WAITING_CONFIRMATION

	h.runner.Trigger(context.Background(), Utterance{Samples: make([]float32, 160), StartedAt: time.Now()})

	select {
	case reason := <-h.hangups:
		if reason == "" {
			t.Error("empty hangup reason")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("hangup never requested")
	}
	if h.streamer.calls != 0 {
		t.Errorf("free-text reply generated during decline")
	}
	texts := h.synth.synthesized()
	if len(texts) == 0 || !strings.Contains(texts[len(texts)-1], "goodbye") {
		t.Errorf("farewell not synthesized: %q", texts)
	}
	if h.machine.State() != fsm.StateEndCall {
		t.Errorf("state = %s, want END_CALL", h.machine.State())
	}
}

func TestBudgetStopTerminatesCall(t *testing.T) {
	streamer := &scriptedStreamer{}
	h := newHarness(t, plainTranscriber("tell me more about the flat"), streamer)
	advance(h.machine)
	// Burn past the $10 budget with synthesized characters.
	for i := 0; i < 5000; i++ {
		h.governor.AddTTS("call-1", strings.Repeat("x", 100))
	}

	h.runner.Trigger(context.Background(), Utterance{Samples: make([]float32, 160), StartedAt: time.Now()})

	select {
	case reason := <-h.hangups:
		if reason != "budget exceeded" {
			t.Errorf("reason = %q, want budget exceeded", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("budget stop never requested hangup")
	}
	if h.streamer.calls != 0 {
		t.Errorf("reply generated past budget")
	}
}

func TestInterruptClearsSinkAndFlipsTurn(t *testing.T) {
	streamer := &scriptedStreamer{}
	h := newHarness(t, plainTranscriber("hello"), streamer)
	advance(h.machine)
	h.machine.SetTurn(fsm.TurnSpeaking)

	h.runner.Interrupt()

	if _, cleared := h.sink.counts(); cleared != 1 {
		t.Errorf("sink cleared %d times, want 1", cleared)
	}
	if h.machine.TurnState() != fsm.TurnListening {
		t.Errorf("turn = %s, want LISTENING", h.machine.TurnState())
	}
}

func TestInterruptDuringSynthesisDropsLateAudio(t *testing.T) {
	streamer := &scriptedStreamer{tokens: []string{
		"One moment please.", "\n", `{"action":"continue","leadData":{}}`,
	}}
	h := newHarness(t, plainTranscriber("tell me more about the project"), streamer)
	advance(h.machine)
	h.synth.started = make(chan struct{}, 4)
	h.synth.release = make(chan struct{})

	h.runner.Trigger(context.Background(), Utterance{Samples: make([]float32, 16000), StartedAt: time.Now()})
	<-h.synth.started

	// Barge-in lands while the sentence is still at the synthesizer; when
	// synthesis completes the audio must not reach the already-cleared sink.
	h.runner.Interrupt()
	close(h.synth.release)

	if _, cleared := h.sink.counts(); cleared != 1 {
		t.Fatalf("sink cleared %d times, want 1", cleared)
	}
	time.Sleep(50 * time.Millisecond)
	if enqueued, _ := h.sink.counts(); enqueued != 0 {
		t.Errorf("stale audio enqueued after interrupt: %d frames", enqueued)
	}
}

func TestSnapshotConcurrentWithRun(t *testing.T) {
	streamer := &scriptedStreamer{tokens: []string{
		"Sure. ", "Noted.", "\n", `{"action":"continue","leadData":{}}`,
	}}
	h := newHarness(t, plainTranscriber("I want to buy a flat"), streamer)
	advance(h.machine)

	h.runner.Trigger(context.Background(), Utterance{Samples: make([]float32, 16000), StartedAt: time.Now()})
	for i := 0; i < 200; i++ {
		if snap := h.runner.Snapshot(); snap.State == "" {
			t.Fatal("empty snapshot state")
		}
	}
	waitFor(t, func() bool {
		for _, e := range h.recorder.all() {
			if e.Speaker == "agent" {
				return true
			}
		}
		return false
	}, "run never completed")
}

func TestGreetSpeaksAndAdvancesMachine(t *testing.T) {
	streamer := &scriptedStreamer{}
	h := newHarness(t, plainTranscriber("hello"), streamer)

	h.runner.Greet(context.Background())

	waitFor(t, func() bool {
		return len(h.recorder.all()) >= 1
	}, "greeting never recorded")
	if h.machine.State() != fsm.StateWaitingConfirmation {
		t.Errorf("state = %s, want WAITING_CONFIRMATION", h.machine.State())
	}
	texts := h.synth.synthesized()
	if len(texts) == 0 || !strings.Contains(strings.Join(texts, " "), "Skyline Homes") {
		t.Errorf("greeting not synthesized: %q", texts)
	}
}

func TestSilenceEscalation(t *testing.T) {
	streamer := &scriptedStreamer{}
	h := newHarness(t, plainTranscriber("hello"), streamer)
	h.machine.Apply(fsm.EventCallAnswered)
	h.machine.Apply(fsm.EventIntroComplete)

	h.runner.HandleSilence(context.Background())
	waitFor(t, func() bool {
		return len(h.synth.synthesized()) >= 1
	}, "reprompt never synthesized")
	if h.machine.State() != fsm.StateWaitingConfirmation {
		t.Fatalf("first silence moved state to %s", h.machine.State())
	}

	h.runner.HandleSilence(context.Background())
	select {
	case <-h.hangups:
	case <-time.After(2 * time.Second):
		t.Fatal("second silence never hung up")
	}
	if h.machine.State() != fsm.StateEndCall {
		t.Errorf("state = %s, want END_CALL", h.machine.State())
	}
}
