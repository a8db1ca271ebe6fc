package pipeline

import (
	"context"
	"errors"
	"testing"
)

// scriptedStreamer replays fixed tokens through onToken.
type scriptedStreamer struct {
	tokens []string
	err    error
	calls  int
}

func (s *scriptedStreamer) Chat(ctx context.Context, userMessage, systemPrompt string, onToken func(string)) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	var full string
	for _, tok := range s.tokens {
		onToken(tok)
		full += tok
	}
	return full, nil
}

func replyRouter(s *scriptedStreamer) *ReplyRouter {
	return NewReplyRouter(map[string]ChatStreamer{"test": s}, "test")
}

func TestGenerateReplyStreamsSentencesAndParsesTrailer(t *testing.T) {
	s := &scriptedStreamer{tokens: []string{
		"Great, I can help. ", "What budget do you have in mind? ",
		"\n", `{"action":"collect","leadData":{"intent":"buy","location":"pune"}}`,
	}}
	var sentences []string
	result, err := replyRouter(s).GenerateReply(context.Background(), "hi", "system", "test", func(sentence string) {
		sentences = append(sentences, sentence)
	})
	if err != nil {
		t.Fatalf("GenerateReply: %v", err)
	}
	if len(sentences) != 2 {
		t.Fatalf("sentences = %q, want 2", sentences)
	}
	if sentences[0] != "Great, I can help." {
		t.Errorf("first sentence = %q", sentences[0])
	}
	if result.Action != ActionCollect {
		t.Errorf("action = %s, want collect", result.Action)
	}
	if result.Lead.Intent != "buy" || result.Lead.Location != "pune" {
		t.Errorf("lead = %+v", result.Lead)
	}
	if result.Malformed {
		t.Error("well-formed trailer flagged malformed")
	}
}

func TestGenerateReplyMalformedTrailer(t *testing.T) {
	s := &scriptedStreamer{tokens: []string{"Sure thing.", "\n", "{not json"}}
	result, err := replyRouter(s).GenerateReply(context.Background(), "hi", "system", "test", func(string) {})
	if err != nil {
		t.Fatalf("GenerateReply: %v", err)
	}
	if !result.Malformed {
		t.Error("unparsable trailer not flagged")
	}
	if result.Action != ActionContinue {
		t.Errorf("action = %s, want conservative continue", result.Action)
	}
	if result.Text != "Sure thing.\n" {
		t.Errorf("text = %q", result.Text)
	}
}

func TestGenerateReplyMissingTrailer(t *testing.T) {
	s := &scriptedStreamer{tokens: []string{"Okay, talk soon."}}
	result, err := replyRouter(s).GenerateReply(context.Background(), "hi", "system", "test", func(string) {})
	if err != nil {
		t.Fatalf("GenerateReply: %v", err)
	}
	if !result.Malformed || result.Action != ActionContinue {
		t.Errorf("missing trailer: malformed=%v action=%s", result.Malformed, result.Action)
	}
}

func TestGenerateReplyUnknownAction(t *testing.T) {
	s := &scriptedStreamer{tokens: []string{"Done.", "\n", `{"action":"explode","leadData":{}}`}}
	result, err := replyRouter(s).GenerateReply(context.Background(), "hi", "system", "test", func(string) {})
	if err != nil {
		t.Fatalf("GenerateReply: %v", err)
	}
	if result.Action != ActionContinue || !result.Malformed {
		t.Errorf("unknown action: got %s malformed=%v", result.Action, result.Malformed)
	}
}

func TestGenerateReplyPropagatesBackendError(t *testing.T) {
	s := &scriptedStreamer{err: errors.New("rate limited")}
	_, err := replyRouter(s).GenerateReply(context.Background(), "hi", "system", "test", func(string) {})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestRouterFallback(t *testing.T) {
	s := &scriptedStreamer{tokens: []string{"Hi."}}
	r := replyRouter(s)
	if _, err := r.GenerateReply(context.Background(), "x", "sys", "missing-provider", func(string) {}); err != nil {
		t.Fatalf("fallback route failed: %v", err)
	}
	if s.calls != 1 {
		t.Errorf("backend calls = %d, want 1", s.calls)
	}
}
