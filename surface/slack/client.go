package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const defaultAPIBaseURL = "https://slack.com/api"

// Client is a minimal Slack Web API client. Safe for concurrent use.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the API base URL. Used by tests.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a Client for the given bot token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:      token,
		baseURL:    defaultAPIBaseURL,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// PostMessage calls chat.postMessage and returns the message ts.
func (c *Client) PostMessage(ctx context.Context, channel, threadTS, text string, blocks []Block) (string, error) {
	body := map[string]any{
		"channel": channel,
		"text":    text,
	}
	if threadTS != "" {
		body["thread_ts"] = threadTS
	}
	if len(blocks) > 0 {
		body["blocks"] = blocks
	}
	var result struct {
		TS string `json:"ts"`
	}
	if err := c.call(ctx, "chat.postMessage", body, &result); err != nil {
		return "", err
	}
	return result.TS, nil
}

// UpdateMessage calls chat.update.
func (c *Client) UpdateMessage(ctx context.Context, channel, ts, text string, blocks []Block) error {
	body := map[string]any{
		"channel": channel,
		"ts":      ts,
		"text":    text,
	}
	// chat.update keeps old blocks unless explicitly replaced.
	if blocks == nil {
		blocks = []Block{}
	}
	body["blocks"] = blocks
	return c.call(ctx, "chat.update", body, nil)
}

// DeleteMessage calls chat.delete.
func (c *Client) DeleteMessage(ctx context.Context, channel, ts string) error {
	body := map[string]any{
		"channel": channel,
		"ts":      ts,
	}
	return c.call(ctx, "chat.delete", body, nil)
}

// OpenView calls views.open with a trigger id from an interaction.
func (c *Client) OpenView(ctx context.Context, triggerID string, view ModalView) error {
	body := map[string]any{
		"trigger_id": triggerID,
		"view":       view,
	}
	return c.call(ctx, "views.open", body, nil)
}

// PostEphemeral calls chat.postEphemeral for a quick user-only notice.
func (c *Client) PostEphemeral(ctx context.Context, channel, user, text string) error {
	body := map[string]any{
		"channel": channel,
		"user":    user,
		"text":    text,
	}
	return c.call(ctx, "chat.postEphemeral", body, nil)
}

// call posts JSON to one Web API method and checks the ok envelope.
func (c *Client) call(ctx context.Context, method string, reqBody any, result any) error {
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("slack: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("slack: HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("slack: read response: %w", err)
	}

	var envelope struct {
		OK    bool   `json:"ok"`
		Error string `json:"error,omitempty"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("slack: decode response: %w (body: %s)", err, string(respBody))
	}
	if !envelope.OK {
		return &apiError{Method: method, Reason: envelope.Error}
	}
	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("slack: decode result: %w", err)
		}
	}
	return nil
}

// apiError is a non-ok Web API response.
type apiError struct {
	Method string
	Reason string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("slack API error on %s: %s", e.Method, e.Reason)
}
