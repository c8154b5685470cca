package sms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const defaultAPIBaseURL = "https://api.twilio.com/2010-04-01"

// Client is a Twilio-compatible SMS gateway client. Safe for concurrent
// use.
type Client struct {
	accountSID string
	authToken  string
	from       string
	baseURL    string
	httpClient *http.Client
}

var _ Gateway = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the API base URL. Used by tests and
// Twilio-compatible gateways.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a Client sending from the given phone number.
func NewClient(accountSID, authToken, from string, opts ...ClientOption) *Client {
	c := &Client{
		accountSID: accountSID,
		authToken:  authToken,
		from:       from,
		baseURL:    defaultAPIBaseURL,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Send posts one message to the gateway and returns its SID.
func (c *Client) Send(ctx context.Context, to, body string) (string, error) {
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.from)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", c.baseURL, c.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("sms: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("sms: HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("sms: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return "", fmt.Errorf("sms: gateway error %d: %s", apiErr.Code, apiErr.Message)
		}
		return "", fmt.Errorf("sms: gateway HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		SID string `json:"sid"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("sms: decode response: %w", err)
	}
	return result.SID, nil
}

// ParseWebhook decodes an inbound-message webhook form post.
func ParseWebhook(form url.Values) *InboundMessage {
	body := strings.TrimSpace(form.Get("Body"))
	from := form.Get("From")
	if from == "" {
		return nil
	}
	return &InboundMessage{
		MessageID: form.Get("MessageSid"),
		From:      from,
		Body:      body,
	}
}
