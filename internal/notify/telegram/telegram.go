// Package telegram sends notifications to topic threads of a Telegram forum
// group through the Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/spinwatch/internal/delivery"
	"github.com/linnemanlabs/spinwatch/internal/incident"
)

const (
	// DefaultBaseURL is the public Bot API endpoint.
	DefaultBaseURL = "https://api.telegram.org"

	httpTimeout = 30 * time.Second
	parseMode   = "HTML"
)

// APIError is a failed Bot API call.
type APIError struct {
	Method      string
	StatusCode  int
	Description string
	// RetryAfterSeconds is set when the API rate limited the call.
	RetryAfterSeconds int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram: %s returned %d: %s", e.Method, e.StatusCode, e.Description)
}

// RetryAfter returns the delay requested by a rate limit response.
func (e *APIError) RetryAfter() time.Duration {
	return time.Duration(e.RetryAfterSeconds) * time.Second
}

// Unwrap classifies an unknown topic thread as delivery.ErrInvalidChannel.
func (e *APIError) Unwrap() error {
	if strings.Contains(strings.ToLower(e.Description), "message thread not found") {
		return delivery.ErrInvalidChannel
	}
	return nil
}

// Retryable reports whether a send error may succeed on a later attempt.
// Rate limits, server errors and transport errors are retryable; other client
// errors are not.
func Retryable(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return true
	}
	if errors.Is(apiErr, delivery.ErrInvalidChannel) {
		return false
	}
	return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
}

// Client posts to one chat. It implements delivery.Sender.
type Client struct {
	baseURL string
	token   string
	chatID  string
	client  *http.Client
}

// New creates a Client for the bot token and chat id. An empty baseURL uses
// DefaultBaseURL.
func New(baseURL, token, chatID string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		chatID:  chatID,
		client: &http.Client{
			Timeout:   httpTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	MessageThreadID       int64  `json:"message_thread_id,omitempty"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// SendMessage posts an HTML text message to ch.
func (c *Client) SendMessage(ctx context.Context, ch incident.Channel, text string) error {
	body, err := json.Marshal(sendMessageRequest{
		ChatID:                c.chatID,
		MessageThreadID:       ch.ThreadID,
		Text:                  text,
		ParseMode:             parseMode,
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("telegram: marshal message: %w", err)
	}
	return c.call(ctx, "sendMessage", "application/json", bytes.NewReader(body))
}

// SendPhoto uploads photo as a PNG with an HTML caption to ch.
func (c *Client) SendPhoto(ctx context.Context, ch incident.Channel, photo io.Reader, caption string) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := map[string]string{
		"chat_id":    c.chatID,
		"caption":    caption,
		"parse_mode": parseMode,
	}
	if !ch.IsDefault() {
		fields["message_thread_id"] = strconv.FormatInt(ch.ThreadID, 10)
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return fmt.Errorf("telegram: write field %s: %w", k, err)
		}
	}

	part, err := w.CreateFormFile("photo", "map.png")
	if err != nil {
		return fmt.Errorf("telegram: create photo part: %w", err)
	}
	if _, err := io.Copy(part, photo); err != nil {
		return fmt.Errorf("telegram: read photo: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("telegram: close multipart: %w", err)
	}

	return c.call(ctx, "sendPhoto", w.FormDataContentType(), &buf)
}

func (c *Client) call(ctx context.Context, method, contentType string, body io.Reader) error {
	url := c.baseURL + "/bot" + c.token + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req) //nolint:gosec // G704: base URL is from trusted config
	if err != nil {
		// the url carries the token; never surface it
		return fmt.Errorf("telegram: %s: %w", method, redact(err, c.token))
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var ar apiResponse
	if err := json.Unmarshal(raw, &ar); err != nil {
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return fmt.Errorf("telegram: %s: decode response: %w", method, err)
		}
		return &APIError{Method: method, StatusCode: resp.StatusCode, Description: strings.TrimSpace(string(raw))}
	}
	if ar.OK && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	apiErr := &APIError{Method: method, StatusCode: resp.StatusCode, Description: ar.Description}
	if ar.ErrorCode != 0 {
		apiErr.StatusCode = ar.ErrorCode
	}
	if ar.Parameters != nil {
		apiErr.RetryAfterSeconds = ar.Parameters.RetryAfter
	}
	return apiErr
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

func redact(err error, token string) error {
	if token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(err.Error(), token, "<token>"), err: err}
}
