package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/relayfone/voicegate/internal/audio"
	"github.com/relayfone/voicegate/internal/cost"
	"github.com/relayfone/voicegate/internal/fsm"
	"github.com/relayfone/voicegate/internal/metrics"
	"github.com/relayfone/voicegate/internal/resilience"
)

// DefaultSystemPrompt frames the agent persona and the structured trailer
// contract for reply generation.
const DefaultSystemPrompt = `You are %s, a friendly real-estate sales agent for %s, speaking on a phone call in %s.
Keep replies short and conversational, at most two sentences, suitable for speech synthesis.
Current conversation stage: %s. Known lead details: %s.
After your reply, on its own final line, output exactly one JSON object:
{"action":"continue|collect|hangup|escalate","leadData":{"name":"","intent":"","propertyType":"","budget":"","location":"","timeline":"","siteVisitDate":""}}
Use "hangup" only when the caller clearly wants to end the call, "escalate" when they ask for a human.`

// Utterance is one captured speech segment at 16 kHz mono.
type Utterance struct {
	Samples   []float32
	StartedAt time.Time
}

// Sink receives encoded 8 kHz mu-law audio; implemented by the playback
// engine.
type Sink interface {
	Enqueue(ulaw []byte)
	Clear()
}

// TranscriptEntry is one spoken turn handed to persistence at finalize.
type TranscriptEntry struct {
	Speaker    string  `json:"speaker"`
	Text       string  `json:"text"`
	StartMs    int64   `json:"startMs"`
	EndMs      int64   `json:"endMs"`
	Confidence float64 `json:"confidence"`
}

// Recorder accumulates transcript entries for a call.
type Recorder interface {
	Append(entry TranscriptEntry)
}

// Guards bundles the per-capability breakers shared by all sessions.
type Guards struct {
	STT   *resilience.Guard[*TranscriptResult]
	Reply *resilience.Guard[*ReplyResult]
	TTS   *resilience.Guard[*TTSResult]
}

// NewGuards builds one breaker per external capability from a common config.
func NewGuards(cfg resilience.Config) *Guards {
	return &Guards{
		STT:   resilience.NewGuard[*TranscriptResult]("stt", cfg),
		Reply: resilience.NewGuard[*ReplyResult]("reply", cfg),
		TTS:   resilience.NewGuard[*TTSResult]("tts", cfg),
	}
}

// RunnerConfig wires one call's pipeline.
type RunnerConfig struct {
	CallID        string
	Language      string
	AgentName     string
	CompanyName   string
	SystemPrompt  string // fmt template; empty uses DefaultSystemPrompt
	ASR           *ASRRouter
	Reply         *ReplyRouter
	TTS           *TTSRouter
	ASRProvider   string
	ReplyProvider string
	TTSProvider   string
	TTSOptions    TTSOptions
	Guards        *Guards
	Governor      *cost.Governor
	Machine       *fsm.Machine
	Classifier    fsm.Classifier
	Sink          Sink
	Recorder      Recorder
	// OnHangup requests graceful termination once queued audio drains.
	OnHangup func(reason string)
	// ConfidenceThreshold below which transcripts are dropped. Default 0.6.
	ConfidenceThreshold float64
	CallStartedAt       time.Time
}

type exchange struct {
	user      string
	assistant string
}

// Runner sequences transcribe, classify, reply, and synthesize for each
// utterance of one call. Only the most recently triggered run may reach the
// sink; superseded runs are cancelled and their late results discarded.
type Runner struct {
	cfg RunnerConfig

	mu        sync.Mutex // guards run identity
	nextID    uint64
	currentID uint64
	cancel    context.CancelFunc

	convMu  sync.Mutex // guards machine and history
	history []exchange

	closeOnce sync.Once
}

// NewRunner creates a runner for one call session.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.ConfidenceThreshold == 0 {
		cfg.ConfidenceThreshold = 0.6
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.CallStartedAt.IsZero() {
		cfg.CallStartedAt = time.Now()
	}
	return &Runner{cfg: cfg}
}

// newRun assigns the next pipeline id, superseding and cancelling any run
// still in flight.
func (r *Runner) newRun(parent context.Context) (context.Context, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
	r.nextID++
	r.currentID = r.nextID
	ctx, cancel := context.WithCancel(parent)
	r.cancel = cancel
	return ctx, r.currentID
}

// valid reports whether a run may proceed: not cancelled and still current.
func (r *Runner) valid(ctx context.Context, id uint64) bool {
	if ctx.Err() != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentID == id
}

// Interrupt aborts the in-flight run and clears queued playback; called on a
// confirmed barge-in.
func (r *Runner) Interrupt() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.currentID = 0
	r.mu.Unlock()

	r.cfg.Sink.Clear()
	metrics.BargeIns.Inc()

	r.convMu.Lock()
	r.cfg.Machine.Apply(fsm.EventUserInterrupted)
	r.convMu.Unlock()
}

// Snapshot reads the machine under the conversation lock. Finalization paths
// run concurrently with in-flight runs, so this is the only safe read of the
// machine from outside the runner.
func (r *Runner) Snapshot() fsm.Snapshot {
	r.convMu.Lock()
	defer r.convMu.Unlock()
	return r.cfg.Machine.Snapshot()
}

// Trigger starts a pipeline run for a flushed utterance.
func (r *Runner) Trigger(parent context.Context, utt Utterance) {
	ctx, id := r.newRun(parent)
	go r.run(ctx, id, utt)
}

// Greet speaks the scripted opening and advances INIT through INTRODUCING.
func (r *Runner) Greet(parent context.Context) {
	ctx, id := r.newRun(parent)
	go func() {
		r.convMu.Lock()
		r.cfg.Machine.Apply(fsm.EventCallAnswered)
		greeting := fsm.Greeting(r.cfg.Language, r.cfg.AgentName, r.cfg.CompanyName)
		r.convMu.Unlock()

		if !r.speakText(ctx, id, greeting) {
			return
		}

		r.convMu.Lock()
		r.cfg.Machine.Apply(fsm.EventIntroComplete)
		r.convMu.Unlock()

		r.recordAgent(greeting)
	}()
}

// HandleSilence reacts to a silence timeout: reprompt on the first, farewell
// and hang up once the machine escalates to CLOSING.
func (r *Runner) HandleSilence(parent context.Context) {
	ctx, id := r.newRun(parent)
	go func() {
		r.convMu.Lock()
		r.cfg.Machine.Apply(fsm.EventSilenceTimeout)
		state := r.cfg.Machine.State()
		r.convMu.Unlock()

		if state == fsm.StateClosing {
			r.finishCall(ctx, id, "silence")
			return
		}
		reprompt := fsm.Reprompt(r.cfg.Language)
		if r.speakText(ctx, id, reprompt) {
			r.recordAgent(reprompt)
		}
	}()
}

// Terminate speaks the farewell and requests hangup; used for budget stops
// and the max-duration timer.
func (r *Runner) Terminate(parent context.Context, reason string) {
	ctx, id := r.newRun(parent)
	go r.finishCall(ctx, id, reason)
}

// finishCall runs the graceful termination sequence exactly once.
func (r *Runner) finishCall(ctx context.Context, id uint64, reason string) {
	r.closeOnce.Do(func() {
		farewell := fsm.Farewell(r.cfg.Language)
		if r.speakText(ctx, id, farewell) {
			r.recordAgent(farewell)
		}

		r.convMu.Lock()
		r.cfg.Machine.Apply(fsm.EventCloseComplete)
		r.convMu.Unlock()

		if r.cfg.OnHangup != nil {
			r.cfg.OnHangup(reason)
		}
	})
}

func (r *Runner) run(ctx context.Context, id uint64, utt Utterance) {
	metrics.SpeechSegments.Inc()
	start := time.Now()
	r.setTurn(fsm.TurnProcessing)
	defer r.setTurn(fsm.TurnListening)

	tr, err := r.cfg.Guards.STT.Do(ctx, func(ctx context.Context) (*TranscriptResult, error) {
		return r.cfg.ASR.Transcribe(ctx, utt.Samples, r.cfg.ASRProvider, langCode(r.cfg.Language))
	})
	if err != nil {
		r.failRun("asr", err)
		return
	}
	r.cfg.Governor.AddSTT(r.cfg.CallID, float64(len(utt.Samples))/16000)

	if !r.valid(ctx, id) {
		metrics.PipelineRuns.WithLabelValues("superseded").Inc()
		return
	}

	text := strings.TrimSpace(tr.Text)
	if text == "" || tr.Confidence < r.cfg.ConfidenceThreshold || isNoiseTranscript(text) {
		metrics.TranscriptsFiltered.Inc()
		metrics.PipelineRuns.WithLabelValues("filtered").Inc()
		return
	}

	slog.Info("transcript", "callId", r.cfg.CallID, "text", text, "confidence", tr.Confidence, "asr_ms", tr.LatencyMs)
	r.record(TranscriptEntry{
		Speaker:    "user",
		Text:       text,
		StartMs:    utt.StartedAt.Sub(r.cfg.CallStartedAt).Milliseconds(),
		EndMs:      time.Now().Sub(r.cfg.CallStartedAt).Milliseconds(),
		Confidence: tr.Confidence,
	})

	intent := r.cfg.Classifier.Classify(text)

	r.convMu.Lock()
	r.cfg.Machine.Apply(intent.Event)
	r.cfg.Machine.MergeLead(intent.Lead)
	state := r.cfg.Machine.State()
	lead := r.cfg.Machine.Lead()
	r.convMu.Unlock()

	if state == fsm.StateClosing {
		r.finishCall(ctx, id, "conversation closed")
		metrics.PipelineRuns.WithLabelValues("ok").Inc()
		return
	}
	if scripted := fsm.ScriptedReply(state, r.cfg.Language, r.cfg.AgentName, r.cfg.CompanyName); scripted != "" {
		if r.speakText(ctx, id, scripted) {
			r.recordAgent(scripted)
			if state == fsm.StateIntroducing {
				r.convMu.Lock()
				r.cfg.Machine.Apply(fsm.EventIntroComplete)
				r.convMu.Unlock()
			}
		}
		metrics.PipelineRuns.WithLabelValues("ok").Inc()
		return
	}

	if decision := r.cfg.Governor.Allow(r.cfg.CallID); !decision.Allowed {
		slog.Warn("budget stop", "callId", r.cfg.CallID, "reason", decision.Reason,
			"cost", decision.Cost, "burnRate", decision.BurnRate)
		metrics.BudgetStops.Inc()
		r.finishCall(ctx, id, decision.Reason)
		return
	}

	prompt := r.formatInput(text)
	system := fmt.Sprintf(r.cfg.SystemPrompt, r.cfg.AgentName, r.cfg.CompanyName,
		languageName(r.cfg.Language), state, leadSummary(lead))

	firstAudio := false
	spoken := 0
	reply, err := r.cfg.Guards.Reply.Do(ctx, func(ctx context.Context) (*ReplyResult, error) {
		idx := 0
		return r.cfg.Reply.GenerateReply(ctx, prompt, system, r.cfg.ReplyProvider, func(sentence string) {
			idx++
			if idx <= spoken { // skip sentences already synthesized by a prior attempt
				return
			}
			spoken = idx
			if r.speakSentence(ctx, id, sentence) && !firstAudio {
				firstAudio = true
				metrics.TimeToFirstAudio.Observe(time.Since(start).Seconds())
			}
		})
	})
	if err != nil {
		r.failRun("reply", err)
		return
	}

	if !r.valid(ctx, id) {
		metrics.PipelineRuns.WithLabelValues("superseded").Inc()
		return
	}

	if reply.Malformed && reply.Text == "" {
		safe := fsm.SafeReply(r.cfg.Language)
		if r.speakText(ctx, id, safe) {
			r.recordAgent(safe)
		}
		metrics.PipelineRuns.WithLabelValues("fallback").Inc()
		return
	}

	r.cfg.Governor.AddLLM(r.cfg.CallID, prompt, reply.Text)

	r.convMu.Lock()
	r.cfg.Machine.MergeLead(reply.Lead)
	r.cfg.Machine.RecordTurn()
	r.history = append(r.history, exchange{user: text, assistant: reply.Text})
	r.convMu.Unlock()

	r.recordAgent(reply.Text)

	switch reply.Action {
	case ActionHangup:
		r.finishCall(ctx, id, "agent hangup")
	case ActionEscalate:
		slog.Warn("escalation requested", "callId", r.cfg.CallID)
		r.finishCall(ctx, id, "escalate")
	}

	metrics.PipelineRuns.WithLabelValues("ok").Inc()
	slog.Info("pipeline done", "callId", r.cfg.CallID, "pipelineId", id,
		"e2e_ms", time.Since(start).Milliseconds(), "llm_ms", reply.LatencyMs, "action", reply.Action)
}

// speakText splits text into sentences and synthesizes each. Returns false
// if the run was superseded before any audio was queued.
func (r *Runner) speakText(ctx context.Context, id uint64, text string) bool {
	queued := false
	remaining := text
	for remaining != "" {
		sentence, rest := splitAtSentence(remaining)
		if sentence == "" {
			sentence = strings.TrimSpace(remaining)
			rest = ""
		}
		if sentence != "" && !r.speakSentence(ctx, id, sentence) {
			return queued
		}
		queued = queued || sentence != ""
		remaining = strings.TrimSpace(rest)
	}
	return queued
}

// speakSentence synthesizes one sentence, downsamples to telephony rate,
// encodes to mu-law, and queues it. Gated by run validity on both sides of
// the network call.
func (r *Runner) speakSentence(ctx context.Context, id uint64, sentence string) bool {
	if !r.valid(ctx, id) {
		return false
	}
	result, err := r.cfg.Guards.TTS.Do(ctx, func(ctx context.Context) (*TTSResult, error) {
		return r.cfg.TTS.Synthesize(ctx, sentence, r.cfg.TTSProvider, r.cfg.TTSOptions)
	})
	if err != nil {
		r.failRun("tts", err)
		return false
	}
	r.cfg.Governor.AddTTS(r.cfg.CallID, sentence)

	if !r.valid(ctx, id) {
		return false
	}

	pcm := audio.PCM16FromBytes(result.Audio)
	if result.SampleRate != 8000 {
		pcm = audio.DownsampleTo8k(pcm)
	}
	r.setTurn(fsm.TurnSpeaking)

	// The validity re-check and the enqueue share the run-identity lock:
	// Interrupt zeroes currentID under the same lock before it clears the
	// sink, so a stale sentence can never land after the clear.
	r.mu.Lock()
	defer r.mu.Unlock()
	if ctx.Err() != nil || r.currentID != id {
		return false
	}
	r.cfg.Sink.Enqueue(audio.EncodeUlawPCM16(pcm))
	return true
}

func (r *Runner) failRun(stage string, err error) {
	if errors.Is(err, context.Canceled) {
		metrics.PipelineRuns.WithLabelValues("superseded").Inc()
		return
	}
	if errors.Is(err, resilience.ErrBreakerOpen) {
		metrics.BreakerRejections.WithLabelValues(stage).Inc()
	}
	metrics.PipelineRuns.WithLabelValues("error").Inc()
	slog.Error("pipeline stage failed", "callId", r.cfg.CallID, "stage", stage, "error", err)
}

func (r *Runner) setTurn(t fsm.Turn) {
	r.convMu.Lock()
	r.cfg.Machine.SetTurn(t)
	r.convMu.Unlock()
}

func (r *Runner) record(entry TranscriptEntry) {
	if r.cfg.Recorder != nil {
		r.cfg.Recorder.Append(entry)
	}
}

func (r *Runner) recordAgent(text string) {
	now := time.Now().Sub(r.cfg.CallStartedAt).Milliseconds()
	r.record(TranscriptEntry{Speaker: "agent", Text: text, StartMs: now, EndMs: now, Confidence: 1})
}

// formatInput prepends conversation history to the current message.
func (r *Runner) formatInput(current string) string {
	r.convMu.Lock()
	defer r.convMu.Unlock()
	if len(r.history) == 0 {
		return current
	}
	var b strings.Builder
	for _, t := range r.history {
		fmt.Fprintf(&b, "User: %s\nAgent: %s\n", t.user, t.assistant)
	}
	fmt.Fprintf(&b, "User: %s", current)
	return b.String()
}

func langCode(language string) string {
	if len(language) >= 2 {
		return strings.ToLower(language[:2])
	}
	return "en"
}

func languageName(language string) string {
	switch langCode(language) {
	case "hi":
		return "Hindi with natural English mixing"
	default:
		return "English"
	}
}

func leadSummary(lead fsm.LeadData) string {
	if lead.Empty() {
		return "none yet"
	}
	parts := make([]string, 0, 7)
	add := func(k, v string) {
		if v != "" {
			parts = append(parts, k+"="+v)
		}
	}
	add("name", lead.Name)
	add("intent", lead.Intent)
	add("propertyType", lead.PropertyType)
	add("budget", lead.Budget)
	add("location", lead.Location)
	add("timeline", lead.Timeline)
	add("siteVisitDate", lead.SiteVisitDate)
	if len(lead.Objections) > 0 {
		parts = append(parts, "objections="+strings.Join(lead.Objections, ","))
	}
	return strings.Join(parts, ", ")
}
