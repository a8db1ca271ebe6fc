package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/openai/openai-go/v2"

	"github.com/relayfone/voicegate/internal/fsm"
	"github.com/relayfone/voicegate/internal/metrics"
)

// ReplyAction drives post-pipeline behavior.
type ReplyAction string

const (
	ActionContinue ReplyAction = "continue"
	ActionCollect  ReplyAction = "collect"
	ActionHangup   ReplyAction = "hangup"
	ActionEscalate ReplyAction = "escalate"
)

// ReplyResult is one complete generated reply. Text holds only the speakable
// portion; the structured trailer is parsed into Action and Lead.
type ReplyResult struct {
	Text               string
	Action             ReplyAction
	Lead               fsm.LeadData
	Malformed          bool // trailer missing or unparsable
	LatencyMs          float64
	TimeToFirstTokenMs float64
}

// ChatStreamer streams completion tokens for one prompt.
type ChatStreamer interface {
	Chat(ctx context.Context, userMessage, systemPrompt string, onToken func(string)) (string, error)
}

// ReplyRouter dispatches reply generation to a backend by provider name.
type ReplyRouter struct {
	*Router[ChatStreamer]
}

// NewReplyRouter creates a router over the given chat backends.
func NewReplyRouter(backends map[string]ChatStreamer, fallback string) *ReplyRouter {
	return &ReplyRouter{Router: NewRouter(backends, fallback)}
}

// replyTrailer is the JSON object the model appends on its final line.
type replyTrailer struct {
	Action   string       `json:"action"`
	LeadData fsm.LeadData `json:"leadData"`
}

var validActions = map[ReplyAction]bool{
	ActionContinue: true, ActionCollect: true, ActionHangup: true, ActionEscalate: true,
}

// GenerateReply streams a reply, invoking onSentence for each completed
// speakable sentence as it forms. The trailer never reaches onSentence. A
// missing or unparsable trailer yields Action continue with Malformed set.
func (r *ReplyRouter) GenerateReply(ctx context.Context, userMessage, systemPrompt, provider string, onSentence func(string)) (*ReplyResult, error) {
	backend, err := r.Route(provider)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var firstToken time.Time
	tf := newTrailerFilter()
	var sb sentenceBuffer
	var speakable []byte

	_, err = backend.Chat(ctx, userMessage, systemPrompt, func(token string) {
		if firstToken.IsZero() {
			firstToken = time.Now()
		}
		filtered := tf.Filter(token)
		if filtered == "" {
			return
		}
		speakable = append(speakable, filtered...)
		if s := sb.Add(filtered); s != "" {
			onSentence(s)
		}
	})
	if err != nil {
		return nil, err
	}
	if rem := sb.Flush(); rem != "" {
		onSentence(rem)
	}

	latency := time.Since(start)
	metrics.StageDuration.WithLabelValues("llm").Observe(latency.Seconds())

	result := &ReplyResult{
		Text:      string(speakable),
		Action:    ActionContinue,
		LatencyMs: float64(latency.Milliseconds()),
	}
	if !firstToken.IsZero() {
		result.TimeToFirstTokenMs = float64(firstToken.Sub(start).Milliseconds())
	}

	trailer := tf.Trailer()
	if trailer == "" {
		result.Malformed = true
		return result, nil
	}
	var parsed replyTrailer
	if jsonErr := json.Unmarshal([]byte(trailer), &parsed); jsonErr != nil {
		slog.Warn("reply trailer unparsable", "error", jsonErr)
		metrics.Errors.WithLabelValues("llm", "trailer").Inc()
		result.Malformed = true
		return result, nil
	}
	if action := ReplyAction(parsed.Action); validActions[action] {
		result.Action = action
	} else {
		result.Malformed = true
	}
	result.Lead = parsed.LeadData
	return result, nil
}

// OpenAIChatClient streams chat completions from the hosted API.
type OpenAIChatClient struct {
	client *openai.Client
	model  openai.ChatModel
}

// NewOpenAIChatClient wraps an SDK client for reply generation.
func NewOpenAIChatClient(client *openai.Client, model string) *OpenAIChatClient {
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	return &OpenAIChatClient{client: client, model: model}
}

// Chat streams a completion, calling onToken per content delta.
func (c *OpenAIChatClient) Chat(ctx context.Context, userMessage, systemPrompt string, onToken func(string)) (string, error) {
	stream := c.client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userMessage),
		},
	})
	defer stream.Close()

	var full []byte
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full = append(full, delta...)
		onToken(delta)
	}
	if err := stream.Err(); err != nil {
		metrics.Errors.WithLabelValues("llm", "stream").Inc()
		return "", fmt.Errorf("chat stream: %w", err)
	}
	return string(full), nil
}
