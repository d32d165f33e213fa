// Package telegram is a small Bot API client covering what the alerting bot
// needs: long polling, messages with inline keyboards, message edits and
// callback acknowledgements.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://api.telegram.org"
	parseModeHTML  = "HTML"
	maxMessageLen  = 4096
)

// ErrNotModified is returned by EditMessageText when the new content equals
// the current one.
var ErrNotModified = errors.New("telegram: message is not modified")

// APIError is a Bot API error reply.
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  int
}

func (e *APIError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("telegram %s: %d %s (retry after %ds)", e.Method, e.Code, e.Description, e.RetryAfter)
	}
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

// Config configures a Client.
type Config struct {
	Token string
	// BaseURL overrides https://api.telegram.org, mainly for tests.
	BaseURL string
	// RatePerSecond limits outbound sends. Zero disables limiting.
	RatePerSecond float64
	HTTPClient    *http.Client
}

// Client talks to the Bot API.
type Client struct {
	token   string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram bot token is required")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid telegram base url: %w", err)
	}
	if cfg.HTTPClient == nil {
		// Long polls hold the connection open; per-call deadlines come from ctx.
		cfg.HTTPClient = &http.Client{Timeout: 90 * time.Second}
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &Client{
		token:   cfg.Token,
		baseURL: base,
		http:    cfg.HTTPClient,
		limiter: rate.NewLimiter(limit, 3),
	}, nil
}

// InlineButton is one inline keyboard button.
type InlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

// Keyboard is rows of inline buttons.
type Keyboard [][]InlineButton

type replyMarkup struct {
	InlineKeyboard Keyboard `json:"inline_keyboard"`
}

// Update is one entry from getUpdates.
type Update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *Message       `json:"message,omitempty"`
	CallbackQuery *CallbackQuery `json:"callback_query,omitempty"`
}

// Message is a chat message.
type Message struct {
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
	Chat      Chat   `json:"chat"`
	From      *User  `json:"from,omitempty"`
}

// Chat identifies a conversation.
type Chat struct {
	ID int64 `json:"id"`
}

// User is the sender of a message or button press.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
}

// CallbackQuery is an inline button press.
type CallbackQuery struct {
	ID      string   `json:"id"`
	From    User     `json:"from"`
	Message *Message `json:"message,omitempty"`
	Data    string   `json:"data"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters,omitempty"`
}

// GetUpdates long-polls for updates after offset. The poll itself is not
// rate limited.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	values := url.Values{}
	values.Set("timeout", strconv.Itoa(int(timeout.Seconds())))
	values.Set("allowed_updates", `["message","callback_query"]`)
	if offset > 0 {
		values.Set("offset", strconv.FormatInt(offset, 10))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("getUpdates")+"?"+values.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build getUpdates request: %w", err)
	}
	var updates []Update
	if err := c.do(req, "getUpdates", &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// SendMessage posts HTML text to chatID with an optional keyboard.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, kb Keyboard) (Message, error) {
	payload := map[string]any{
		"chat_id":                  chatID,
		"text":                     truncate(text),
		"parse_mode":               parseModeHTML,
		"disable_web_page_preview": true,
	}
	if len(kb) > 0 {
		payload["reply_markup"] = replyMarkup{InlineKeyboard: kb}
	}
	var msg Message
	if err := c.post(ctx, "sendMessage", payload, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// EditMessageText replaces a message's text and keyboard. A nil keyboard
// removes the buttons.
func (c *Client) EditMessageText(ctx context.Context, chatID, messageID int64, text string, kb Keyboard) error {
	if kb == nil {
		kb = Keyboard{}
	}
	payload := map[string]any{
		"chat_id":      chatID,
		"message_id":   messageID,
		"text":         truncate(text),
		"parse_mode":   parseModeHTML,
		"reply_markup": replyMarkup{InlineKeyboard: kb},
	}
	err := c.post(ctx, "editMessageText", payload, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && strings.Contains(apiErr.Description, "message is not modified") {
		return ErrNotModified
	}
	return err
}

// AnswerCallbackQuery acknowledges a button press with a short toast.
func (c *Client) AnswerCallbackQuery(ctx context.Context, id, text string) error {
	payload := map[string]any{"callback_query_id": id}
	if text != "" {
		payload["text"] = text
	}
	return c.post(ctx, "answerCallbackQuery", payload, nil)
}

func (c *Client) post(ctx context.Context, method string, payload any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(method), bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, method, out)
}

func (c *Client) do(req *http.Request, method string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}

	var payload apiResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("telegram %s returned %d: %s", method, resp.StatusCode, string(body))
		}
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if !payload.OK {
		apiErr := &APIError{Method: method, Code: payload.ErrorCode, Description: payload.Description}
		if apiErr.Code == 0 {
			apiErr.Code = resp.StatusCode
		}
		if payload.Parameters != nil {
			apiErr.RetryAfter = payload.Parameters.RetryAfter
		}
		return apiErr
	}
	if out == nil || len(payload.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

func (c *Client) endpoint(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
}

func truncate(text string) string {
	r := []rune(text)
	if len(r) <= maxMessageLen {
		return text
	}
	return string(r[:maxMessageLen-1]) + "…"
}
