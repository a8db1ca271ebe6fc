package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/openai/openai-go/v2"

	"github.com/relayfone/voicegate/internal/audio"
	"github.com/relayfone/voicegate/internal/metrics"
)

// Transcriber produces a transcript from 16 kHz mono samples.
type Transcriber interface {
	Transcribe(ctx context.Context, samples []float32, language string) (*TranscriptResult, error)
}

// TranscriptResult holds one transcription with confidence and timing.
type TranscriptResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	LatencyMs  float64 `json:"latency_ms"`
}

// ASRRouter dispatches to a transcription backend by provider name.
type ASRRouter struct {
	*Router[Transcriber]
}

// NewASRRouter creates a router over the given ASR backends.
func NewASRRouter(backends map[string]Transcriber, fallback string) *ASRRouter {
	return &ASRRouter{Router: NewRouter(backends, fallback)}
}

// Transcribe routes to the configured backend.
func (r *ASRRouter) Transcribe(ctx context.Context, samples []float32, provider, language string) (*TranscriptResult, error) {
	backend, err := r.Route(provider)
	if err != nil {
		return nil, err
	}
	return backend.Transcribe(ctx, samples, language)
}

// WhisperHTTPClient sends audio as multipart WAV to any whisper-compatible
// HTTP endpoint. Each Transcribe call rebuilds the multipart body, so the
// same arguments are safe to retry.
type WhisperHTTPClient struct {
	url      string
	endpoint string
	label    string
	client   *http.Client
}

// NewWhisperHTTPClient creates a client for a self-hosted whisper server.
func NewWhisperHTTPClient(url string, poolSize int) *WhisperHTTPClient {
	return &WhisperHTTPClient{
		url:      url,
		endpoint: "/inference",
		label:    "whisper",
		client:   NewPooledHTTPClient(poolSize, 30*time.Second),
	}
}

// Transcribe sends 16 kHz float32 samples as multipart WAV.
func (c *WhisperHTTPClient) Transcribe(ctx context.Context, samples []float32, language string) (*TranscriptResult, error) {
	start := time.Now()

	body, contentType, err := buildMultipartAudio(samples, language)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url+c.endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", c.label, err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("asr", "http").Inc()
		return nil, fmt.Errorf("%s request: %w", c.label, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		metrics.Errors.WithLabelValues("asr", "status").Inc()
		return nil, fmt.Errorf("%s status %d: %s", c.label, resp.StatusCode, respBody)
	}

	var result whisperResponse
	if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", c.label, err)
	}

	latency := time.Since(start)
	metrics.StageDuration.WithLabelValues("asr").Observe(latency.Seconds())

	return &TranscriptResult{
		Text:       result.Text,
		Confidence: 1 - result.NoSpeechProb,
		LatencyMs:  float64(latency.Milliseconds()),
	}, nil
}

type whisperResponse struct {
	Text         string  `json:"text"`
	NoSpeechProb float64 `json:"no_speech_prob"`
}

func buildMultipartAudio(samples []float32, language string) (*bytes.Buffer, string, error) {
	wavData := audio.SamplesToWAV(samples, 16000)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err = part.Write(wavData); err != nil {
		return nil, "", fmt.Errorf("write wav data: %w", err)
	}
	if language != "" {
		if err = writer.WriteField("language", language); err != nil {
			return nil, "", fmt.Errorf("write language field: %w", err)
		}
	}
	if err = writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close writer: %w", err)
	}

	return &body, writer.FormDataContentType(), nil
}

// OpenAITranscriber uses the hosted transcription API.
type OpenAITranscriber struct {
	client *openai.Client
	model  openai.AudioModel
}

// NewOpenAITranscriber wraps an SDK client for whisper transcription.
func NewOpenAITranscriber(client *openai.Client) *OpenAITranscriber {
	return &OpenAITranscriber{client: client, model: openai.AudioModelWhisper1}
}

// Transcribe uploads a WAV rendering of the samples. The request body is
// constructed per call, so retries never reuse a consumed reader.
func (t *OpenAITranscriber) Transcribe(ctx context.Context, samples []float32, language string) (*TranscriptResult, error) {
	start := time.Now()

	wavData := audio.SamplesToWAV(samples, 16000)
	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(wavData), "audio.wav", "audio/wav"),
		Model: t.model,
	}
	if language != "" {
		params.Language = openai.String(language)
	}

	resp, err := t.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		metrics.Errors.WithLabelValues("asr", "api").Inc()
		return nil, fmt.Errorf("openai transcription: %w", err)
	}

	latency := time.Since(start)
	metrics.StageDuration.WithLabelValues("asr").Observe(latency.Seconds())

	// The hosted API reports no per-utterance confidence; treat a non-empty
	// result as confident and let the noise filter handle hallucinations.
	confidence := 0.0
	if resp.Text != "" {
		confidence = 0.9
	}
	return &TranscriptResult{
		Text:       resp.Text,
		Confidence: confidence,
		LatencyMs:  float64(latency.Milliseconds()),
	}, nil
}
