// Package telegram is a focused Bot API client for the calls the message synchronizer
// makes. Every non-ok answer comes back as a *domain.PlatformError.
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
	"strings"
	"time"

	"questbot/internal/domain"
)

const defaultBaseURL = "https://api.telegram.org"

// TokenSource yields the bot token. paramstore.Secret satisfies it.
type TokenSource interface {
	Value(ctx context.Context) (string, error)
}

// apiResponse is the envelope every Bot API method answers with.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// apiMessage is the part of a Bot API Message object the bot reads back.
type apiMessage struct {
	MessageID int64 `json:"message_id"`
	Chat      struct {
		ID int64 `json:"id"`
	} `json:"chat"`
	Photo []json.RawMessage `json:"photo"`
}

type sendMessageRequest struct {
	ChatID      int64         `json:"chat_id"`
	Text        string        `json:"text"`
	ParseMode   string        `json:"parse_mode,omitempty"`
	ReplyMarkup domain.Markup `json:"reply_markup,omitempty"`
}

type sendPhotoRequest struct {
	ChatID      int64         `json:"chat_id"`
	Photo       string        `json:"photo"`
	Caption     string        `json:"caption,omitempty"`
	ParseMode   string        `json:"parse_mode,omitempty"`
	ReplyMarkup domain.Markup `json:"reply_markup,omitempty"`
}

type editTextRequest struct {
	ChatID      int64         `json:"chat_id"`
	MessageID   int64         `json:"message_id"`
	Text        string        `json:"text"`
	ParseMode   string        `json:"parse_mode,omitempty"`
	ReplyMarkup domain.Markup `json:"reply_markup,omitempty"`
}

type inputMediaPhoto struct {
	Type      string `json:"type"`
	Media     string `json:"media"`
	Caption   string `json:"caption,omitempty"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type editMediaRequest struct {
	ChatID      int64           `json:"chat_id"`
	MessageID   int64           `json:"message_id"`
	Media       inputMediaPhoto `json:"media"`
	ReplyMarkup domain.Markup   `json:"reply_markup,omitempty"`
}

type editCaptionRequest struct {
	ChatID      int64         `json:"chat_id"`
	MessageID   int64         `json:"message_id"`
	Caption     string        `json:"caption"`
	ParseMode   string        `json:"parse_mode,omitempty"`
	ReplyMarkup domain.Markup `json:"reply_markup,omitempty"`
}

type deleteMessageRequest struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int64 `json:"message_id"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource
	parseMode  string
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithParseMode sets the formatting mode ("HTML", "MarkdownV2") applied to texts and captions.
func WithParseMode(mode string) Option {
	return func(c *Client) {
		c.parseMode = mode
	}
}

func NewClient(token TokenSource, opts ...Option) (*Client, error) {
	if token == nil {
		return nil, errors.New("telegram: token source must not be nil")
	}
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		token:      token,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func methodURL(baseURL, token, method string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	return base + "/bot" + token + "/" + method
}

func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, markup domain.Markup) (domain.Message, error) {
	return c.callMessage(ctx, "sendMessage", chatID, 0, sendMessageRequest{
		ChatID:      chatID,
		Text:        text,
		ParseMode:   c.parseMode,
		ReplyMarkup: markup,
	})
}

func (c *Client) SendPhoto(ctx context.Context, chatID int64, photo, caption string, markup domain.Markup) (domain.Message, error) {
	return c.callMessage(ctx, "sendPhoto", chatID, 0, sendPhotoRequest{
		ChatID:      chatID,
		Photo:       photo,
		Caption:     caption,
		ParseMode:   c.parseMode,
		ReplyMarkup: markup,
	})
}

func (c *Client) EditMessageText(ctx context.Context, chatID, messageID int64, text string, markup domain.Markup) (domain.Message, error) {
	return c.callMessage(ctx, "editMessageText", chatID, messageID, editTextRequest{
		ChatID:      chatID,
		MessageID:   messageID,
		Text:        text,
		ParseMode:   c.parseMode,
		ReplyMarkup: markup,
	})
}

func (c *Client) EditMessageMedia(ctx context.Context, chatID, messageID int64, photo, caption string, markup domain.Markup) (domain.Message, error) {
	return c.callMessage(ctx, "editMessageMedia", chatID, messageID, editMediaRequest{
		ChatID:    chatID,
		MessageID: messageID,
		Media: inputMediaPhoto{
			Type:      "photo",
			Media:     photo,
			Caption:   caption,
			ParseMode: c.parseMode,
		},
		ReplyMarkup: markup,
	})
}

func (c *Client) EditMessageCaption(ctx context.Context, chatID, messageID int64, caption string, markup domain.Markup) (domain.Message, error) {
	return c.callMessage(ctx, "editMessageCaption", chatID, messageID, editCaptionRequest{
		ChatID:      chatID,
		MessageID:   messageID,
		Caption:     caption,
		ParseMode:   c.parseMode,
		ReplyMarkup: markup,
	})
}

func (c *Client) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	_, err := c.call(ctx, "deleteMessage", deleteMessageRequest{ChatID: chatID, MessageID: messageID})
	return err
}

// callMessage runs a method whose result is a Message. Edits of inline messages answer
// `true` instead; the edited message is then the one that was addressed.
func (c *Client) callMessage(ctx context.Context, method string, chatID, messageID int64, payload any) (domain.Message, error) {
	raw, err := c.call(ctx, method, payload)
	if err != nil {
		return domain.Message{}, err
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte("true")) {
		return domain.Message{ID: messageID, ChatID: chatID}, nil
	}
	var m apiMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return domain.Message{}, &domain.PlatformError{Method: method, Err: fmt.Errorf("decode result: %w", err)}
	}
	if m.Chat.ID == 0 {
		m.Chat.ID = chatID
	}
	return domain.Message{ID: m.MessageID, ChatID: m.Chat.ID, HasImage: len(m.Photo) > 0}, nil
}

func (c *Client) call(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	token, err := c.token.Value(ctx)
	if err != nil {
		return nil, fmt.Errorf("telegram: resolve token: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("telegram: marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, methodURL(c.baseURL, token, method), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("telegram: create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		// url.Error carries the request URL, and with it the token.
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return nil, &domain.PlatformError{Method: method, Err: err}
	}
	defer func() { _ = res.Body.Close() }()

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, &domain.PlatformError{Method: method, Err: fmt.Errorf("read response body: %w", err)}
	}

	var envelope apiResponse
	if err := json.Unmarshal(buf, &envelope); err != nil {
		if res.StatusCode < 200 || res.StatusCode >= 300 {
			return nil, &domain.PlatformError{Method: method, StatusCode: res.StatusCode, Description: snippet(buf)}
		}
		return nil, &domain.PlatformError{Method: method, Err: fmt.Errorf("decode response: %w", err)}
	}
	if !envelope.OK {
		status := envelope.ErrorCode
		if status == 0 {
			status = res.StatusCode
		}
		desc := envelope.Description
		if envelope.Parameters != nil && envelope.Parameters.RetryAfter > 0 {
			desc = fmt.Sprintf("%s (retry after %ds)", desc, envelope.Parameters.RetryAfter)
		}
		return nil, &domain.PlatformError{Method: method, StatusCode: status, Description: desc}
	}
	return envelope.Result, nil
}

func snippet(b []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		s = s[:limit]
	}
	return s
}
