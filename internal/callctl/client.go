// Package callctl talks to the telephony provider's call-control API and
// decodes its lifecycle webhooks. The wire shape is a thin generic REST
// surface; provider-specific quirks stay behind this boundary.
package callctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/relayfone/voicegate/internal/pipeline"
)

// PlaceCallRequest describes one outbound call.
type PlaceCallRequest struct {
	To         string `json:"to"`
	From       string `json:"from,omitempty"`
	Language   string `json:"language,omitempty"`
	StreamURL  string `json:"streamUrl"`  // websocket media endpoint the provider connects back to
	WebhookURL string `json:"webhookUrl"` // lifecycle callback endpoint
}

// Client calls the provider's REST API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a call-control client. Returns nil when baseURL is empty
// so call placement can be left unconfigured in receive-only deployments.
func NewClient(baseURL, apiKey string) *Client {
	if baseURL == "" {
		return nil
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    pipeline.NewPooledHTTPClient(10, 15*time.Second),
	}
}

// PlaceCall asks the provider to dial out and returns the provider call id.
func (c *Client) PlaceCall(ctx context.Context, req PlaceCallRequest) (string, error) {
	if c == nil {
		return "", fmt.Errorf("call control not configured")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal place call: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/calls", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create place call request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("place call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("place call status %d: %s", resp.StatusCode, msg)
	}

	var placed struct {
		CallID string `json:"callId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&placed); err != nil {
		return "", fmt.Errorf("decode place call response: %w", err)
	}
	if placed.CallID == "" {
		return "", fmt.Errorf("place call response missing callId")
	}
	return placed.CallID, nil
}

// Hangup ends an active call.
func (c *Client) Hangup(ctx context.Context, callID string) error {
	if c == nil {
		return fmt.Errorf("call control not configured")
	}
	url := fmt.Sprintf("%s/calls/%s/hangup", c.baseURL, callID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("create hangup request: %w", err)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("hangup: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("hangup status %d", resp.StatusCode)
	}
	return nil
}
