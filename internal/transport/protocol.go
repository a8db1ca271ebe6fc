// Package transport is the media websocket boundary: tagged JSON control
// frames plus base64 mu-law audio, with raw binary frames accepted inbound.
package transport

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Inbound event names.
const (
	EventStart      = "start"
	EventMedia      = "media"
	EventStop       = "stop"
	EventCheckpoint = "checkpoint"
)

// Outbound event names.
const (
	EventPlayAudio  = "playAudio"
	EventClearAudio = "clearAudio"
)

// muLawContentType labels outbound audio payloads.
const muLawContentType = "audio/x-mulaw;rate=8000"

// StartPayload opens a media stream for one call.
type StartPayload struct {
	CallID       string `json:"callId"`
	CallerNumber string `json:"callerNumber,omitempty"`
	Language     string `json:"language,omitempty"`
	Direction    string `json:"direction,omitempty"`
}

// MediaPayload carries one chunk of encoded audio.
type MediaPayload struct {
	ContentType string `json:"contentType,omitempty"`
	Payload     string `json:"payload"`
}

// CheckpointPayload marks a position in the outbound audio stream.
type CheckpointPayload struct {
	Name string `json:"name"`
}

// Message is the envelope for every text frame on the socket.
type Message struct {
	Event      string             `json:"event"`
	Start      *StartPayload      `json:"start,omitempty"`
	Media      *MediaPayload      `json:"media,omitempty"`
	Checkpoint *CheckpointPayload `json:"checkpoint,omitempty"`
}

// DecodeMessage parses one inbound text frame and validates that the body
// matching its event tag is present.
func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	switch msg.Event {
	case EventStart:
		if msg.Start == nil || msg.Start.CallID == "" {
			return Message{}, fmt.Errorf("start message missing callId")
		}
	case EventMedia:
		if msg.Media == nil {
			return Message{}, fmt.Errorf("media message missing body")
		}
	case EventStop, EventCheckpoint:
	default:
		return Message{}, fmt.Errorf("unknown event %q", msg.Event)
	}
	return msg, nil
}

// AudioBytes decodes the media payload from base64.
func (m MediaPayload) AudioBytes() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode media payload: %w", err)
	}
	return data, nil
}

// EncodePlayAudio frames one mu-law chunk for the remote endpoint.
func EncodePlayAudio(audio []byte) ([]byte, error) {
	return json.Marshal(Message{
		Event: EventPlayAudio,
		Media: &MediaPayload{
			ContentType: muLawContentType,
			Payload:     base64.StdEncoding.EncodeToString(audio),
		},
	})
}

// EncodeClearAudio tells the remote endpoint to discard buffered audio.
func EncodeClearAudio() ([]byte, error) {
	return json.Marshal(Message{Event: EventClearAudio})
}

// EncodeCheckpoint marks a playback boundary the remote endpoint echoes back
// once everything before it has been played out.
func EncodeCheckpoint(name string) ([]byte, error) {
	return json.Marshal(Message{Event: EventCheckpoint, Checkpoint: &CheckpointPayload{Name: name}})
}
