package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const defaultAPIBaseURL = "https://api.telegram.org"

// Client is a minimal Telegram Bot API client over JSON POST calls.
// Safe for concurrent use.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the API base URL. Used by tests and local Bot
// API servers.
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

// GetUpdates long-polls for updates past offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeoutSec int) ([]Update, error) {
	body := map[string]any{
		"offset":          offset,
		"timeout":         timeoutSec,
		"allowed_updates": []string{"message", "callback_query"},
	}
	var updates []Update
	if err := c.call(ctx, "getUpdates", body, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// SendMessage sends one message and returns its message id.
func (c *Client) SendMessage(ctx context.Context, chatID, text, parseMode string, replyMarkup any) (int64, error) {
	body := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}
	if parseMode != "" {
		body["parse_mode"] = parseMode
	}
	if replyMarkup != nil {
		body["reply_markup"] = replyMarkup
	}
	var msg Message
	if err := c.call(ctx, "sendMessage", body, &msg); err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

// EditMessageText edits a message in place. "message is not modified"
// responses are swallowed.
func (c *Client) EditMessageText(ctx context.Context, chatID string, messageID int64, text, parseMode string, replyMarkup any) error {
	body := map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
		"text":       text,
	}
	if parseMode != "" {
		body["parse_mode"] = parseMode
	}
	if replyMarkup != nil {
		body["reply_markup"] = replyMarkup
	}
	err := c.call(ctx, "editMessageText", body, nil)
	if err != nil && isNotModifiedError(err) {
		return nil
	}
	return err
}

// EditMessageReplyMarkup replaces a message's inline keyboard.
func (c *Client) EditMessageReplyMarkup(ctx context.Context, chatID string, messageID int64, markup *InlineKeyboardMarkup) error {
	body := map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
	}
	if markup != nil {
		body["reply_markup"] = markup
	}
	err := c.call(ctx, "editMessageReplyMarkup", body, nil)
	if err != nil && isNotModifiedError(err) {
		return nil
	}
	return err
}

// DeleteMessage deletes a message.
func (c *Client) DeleteMessage(ctx context.Context, chatID string, messageID int64) error {
	body := map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
	}
	return c.call(ctx, "deleteMessage", body, nil)
}

// AnswerCallbackQuery acks an inline-button press, optionally with a
// toast text.
func (c *Client) AnswerCallbackQuery(ctx context.Context, callbackID, text string) error {
	body := map[string]any{
		"callback_query_id": callbackID,
	}
	if text != "" {
		body["text"] = text
	}
	return c.call(ctx, "answerCallbackQuery", body, nil)
}

// SendMedia sends a photo, document, or voice message by URL and
// returns the message id.
func (c *Client) SendMedia(ctx context.Context, chatID, method, field, url, caption string) (int64, error) {
	body := map[string]any{
		"chat_id": chatID,
		field:     url,
	}
	if caption != "" {
		body["caption"] = caption
	}
	var msg Message
	if err := c.call(ctx, method, body, &msg); err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

// call posts JSON to one Bot API method and decodes the result out of
// the response envelope.
func (c *Client) call(ctx context.Context, method string, reqBody any, result any) error {
	url := c.baseURL + "/bot" + c.token + "/" + method

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("telegram: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("telegram: read response: %w", err)
	}

	var envelope struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description,omitempty"`
		ErrorCode   int             `json:"error_code,omitempty"`
		Result      json.RawMessage `json:"result,omitempty"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("telegram: decode response: %w (body: %s)", err, string(respBody))
	}
	if !envelope.OK {
		return &apiError{Code: envelope.ErrorCode, Description: envelope.Description}
	}
	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("telegram: decode result: %w", err)
		}
	}
	return nil
}

// apiError is a non-ok Bot API response.
type apiError struct {
	Code        int
	Description string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("telegram API error %d: %s", e.Code, e.Description)
}

func isNotModifiedError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "message is not modified")
}

// splitMessage splits text into chunks within Telegram's message length
// cap, preferring newline boundaries.
func splitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	remaining := text
	for len(remaining) > 0 {
		if len(remaining) <= limit {
			chunks = append(chunks, remaining)
			break
		}
		splitPos := strings.LastIndex(remaining[:limit], "\n")
		if splitPos == -1 {
			splitPos = limit
		} else {
			splitPos++ // keep the newline with the current chunk
		}
		chunks = append(chunks, remaining[:splitPos])
		remaining = remaining[splitPos:]
	}
	return chunks
}
