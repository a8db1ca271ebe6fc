package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/relayfone/voicegate/internal/metrics"
)

// TTSOptions holds per-call synthesis tuning.
type TTSOptions struct {
	Voice string
	Speed float64
}

// Synthesizer produces raw little-endian PCM16 mono audio from text.
type Synthesizer interface {
	SynthesizeAudio(ctx context.Context, text string, opts TTSOptions) ([]byte, error)
	// SampleRate of the PCM the backend emits.
	SampleRate() int
}

// TTSResult holds synthesized audio with its rate and timing.
type TTSResult struct {
	Audio      []byte
	SampleRate int
	LatencyMs  float64
}

// TTSRouter dispatches synthesis to a backend by provider name.
type TTSRouter struct {
	*Router[Synthesizer]
}

// NewTTSRouter creates a router over the given TTS backends.
func NewTTSRouter(backends map[string]Synthesizer, fallback string) *TTSRouter {
	return &TTSRouter{Router: NewRouter(backends, fallback)}
}

// Synthesize routes to the configured backend and records stage latency.
func (r *TTSRouter) Synthesize(ctx context.Context, text, provider string, opts TTSOptions) (*TTSResult, error) {
	start := time.Now()

	backend, err := r.Route(provider)
	if err != nil {
		return nil, err
	}
	audioData, err := backend.SynthesizeAudio(ctx, text, opts)
	if err != nil {
		metrics.Errors.WithLabelValues("tts", "synth").Inc()
		return nil, err
	}

	latency := time.Since(start)
	metrics.StageDuration.WithLabelValues("tts").Observe(latency.Seconds())

	return &TTSResult{
		Audio:      audioData,
		SampleRate: backend.SampleRate(),
		LatencyMs:  float64(latency.Milliseconds()),
	}, nil
}

// --- ElevenLabs backend (streaming endpoint, pcm_24000 output) ---

type elevenLabsSynthesizer struct {
	apiKey  string
	voiceID string
	modelID string
	client  *http.Client
}

// NewElevenLabsSynthesizer creates the default production voice backend.
func NewElevenLabsSynthesizer(apiKey, voiceID, modelID string, poolSize int) Synthesizer {
	if modelID == "" {
		modelID = "eleven_multilingual_v2"
	}
	return &elevenLabsSynthesizer{
		apiKey:  apiKey,
		voiceID: voiceID,
		modelID: modelID,
		client:  NewPooledHTTPClient(poolSize, 30*time.Second),
	}
}

func (e *elevenLabsSynthesizer) SampleRate() int { return 24000 }

func (e *elevenLabsSynthesizer) SynthesizeAudio(ctx context.Context, text string, opts TTSOptions) ([]byte, error) {
	voice := e.voiceID
	if opts.Voice != "" {
		voice = opts.Voice
	}
	body, err := json.Marshal(struct {
		Text    string `json:"text"`
		ModelID string `json:"model_id"`
	}{Text: text, ModelID: e.modelID})
	if err != nil {
		return nil, fmt.Errorf("marshal elevenlabs request: %w", err)
	}

	url := fmt.Sprintf("https://api.elevenlabs.io/v1/text-to-speech/%s/stream?output_format=pcm_24000", voice)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create elevenlabs request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", e.apiKey)

	return doTTSRequest(e.client, req, "elevenlabs")
}

// --- OpenAI-compatible backend (any server exposing /v1/audio/speech) ---

type openaiSpeechSynthesizer struct {
	url    string
	apiKey string
	model  string
	voice  string
	client *http.Client
}

// NewOpenAISpeechSynthesizer targets /v1/audio/speech with pcm output.
func NewOpenAISpeechSynthesizer(url, apiKey, model, voice string, poolSize int) Synthesizer {
	return &openaiSpeechSynthesizer{
		url:    url,
		apiKey: apiKey,
		model:  model,
		voice:  voice,
		client: NewPooledHTTPClient(poolSize, 30*time.Second),
	}
}

func (o *openaiSpeechSynthesizer) SampleRate() int { return 24000 }

func (o *openaiSpeechSynthesizer) SynthesizeAudio(ctx context.Context, text string, opts TTSOptions) ([]byte, error) {
	voice := o.voice
	if opts.Voice != "" {
		voice = opts.Voice
	}
	speed := opts.Speed
	if speed == 0 {
		speed = 1.0
	}
	body, err := json.Marshal(struct {
		Model          string  `json:"model"`
		Input          string  `json:"input"`
		Voice          string  `json:"voice"`
		ResponseFormat string  `json:"response_format"`
		Speed          float64 `json:"speed"`
	}{Model: o.model, Input: text, Voice: voice, ResponseFormat: "pcm", Speed: speed})
	if err != nil {
		return nil, fmt.Errorf("marshal speech request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", o.url+"/v1/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create speech request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	return doTTSRequest(o.client, req, "openai-speech")
}

func doTTSRequest(client *http.Client, req *http.Request, label string) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("tts", "http").Inc()
		return nil, fmt.Errorf("%s request: %w", label, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		metrics.Errors.WithLabelValues("tts", "status").Inc()
		return nil, fmt.Errorf("%s status %d: %s", label, resp.StatusCode, respBody)
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s audio: %w", label, err)
	}
	return audioData, nil
}
