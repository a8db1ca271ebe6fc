package callctl

import (
	"encoding/json"
	"fmt"
)

// Lifecycle event names posted by the provider.
const (
	EventAnswered = "answered"
	EventEnded    = "ended"
)

// LifecycleEvent is one call-state webhook from the provider.
type LifecycleEvent struct {
	Event  string `json:"event"`
	CallID string `json:"callId"`
	Reason string `json:"reason,omitempty"` // set on ended: "completed", "busy", "no-answer", "failed"
}

// DecodeLifecycleEvent parses and validates a webhook body.
func DecodeLifecycleEvent(data []byte) (LifecycleEvent, error) {
	var ev LifecycleEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return LifecycleEvent{}, fmt.Errorf("decode lifecycle event: %w", err)
	}
	if ev.CallID == "" {
		return LifecycleEvent{}, fmt.Errorf("lifecycle event missing callId")
	}
	switch ev.Event {
	case EventAnswered, EventEnded:
	default:
		return LifecycleEvent{}, fmt.Errorf("unknown lifecycle event %q", ev.Event)
	}
	return ev, nil
}
