package deliver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultAPIBase    = "https://api.telegram.org"
	defaultBotTimeout = 60 * time.Second
	defaultBotRPS     = 1
	maxCaptionRunes   = 1024
	maxResponseBytes  = 1 << 20
)

// APIError is a response with "ok": false.
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  time.Duration // set on 429 Too Many Requests
}

func (e *APIError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("telegram %s: %d %s (retry after %s)", e.Method, e.Code, e.Description, e.RetryAfter)
	}
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

// TelegramOptions configures a Bot API client.
type TelegramOptions struct {
	APIBase           string
	Token             string
	MessagesPerSecond float64
	Timeout           time.Duration
	HTTPClient        *http.Client
	Logger            *zap.Logger
}

// Telegram is a Bot API client implementing Bot.
type Telegram struct {
	base    string
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

var _ Bot = (*Telegram)(nil)

// NewTelegram creates a Bot API client. A bot token is required.
func NewTelegram(opts TelegramOptions) (*Telegram, error) {
	token := strings.TrimSpace(opts.Token)
	if token == "" {
		return nil, errors.New("telegram: bot token is required")
	}

	apiBase := strings.TrimRight(opts.APIBase, "/")
	if apiBase == "" {
		apiBase = defaultAPIBase
	}

	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultBotTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	rps := opts.MessagesPerSecond
	if rps == 0 {
		rps = defaultBotRPS
	}
	limit := rate.Limit(rps)
	if rps < 0 {
		limit = rate.Inf
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Telegram{
		base:    apiBase + "/bot" + token,
		client:  client,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.Named("telegram"),
	}, nil
}

// User is the bot account returned by getMe.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

// GetMe checks the token and returns the bot account.
func (t *Telegram) GetMe(ctx context.Context) (User, error) {
	var user User
	if err := t.callJSON(ctx, "getMe", struct{}{}, &user); err != nil {
		return User{}, err
	}
	return user, nil
}

type linkPreviewOptions struct {
	IsDisabled bool `json:"is_disabled"`
}

type sendMessageRequest struct {
	ChatID             int64              `json:"chat_id"`
	Text               string             `json:"text"`
	ParseMode          string             `json:"parse_mode"`
	LinkPreviewOptions linkPreviewOptions `json:"link_preview_options"`
}

type message struct {
	MessageID int64 `json:"message_id"`
}

// SendText sends a MarkdownV2 message with link previews disabled.
func (t *Telegram) SendText(ctx context.Context, chatID int64, text string) (int64, error) {
	var msg message
	err := t.callJSON(ctx, "sendMessage", sendMessageRequest{
		ChatID:             chatID,
		Text:               text,
		ParseMode:          "MarkdownV2",
		LinkPreviewOptions: linkPreviewOptions{IsDisabled: true},
	}, &msg)
	if err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

type inputMediaPhoto struct {
	Type    string `json:"type"`
	Media   string `json:"media"`
	Caption string `json:"caption,omitempty"`
}

// SendPhotoGroup uploads up to 10 photos as one album and returns the id of
// the first message. A single photo is sent with sendPhoto, since albums
// need at least two items.
func (t *Telegram) SendPhotoGroup(ctx context.Context, chatID int64, photos []Photo) (int64, error) {
	switch {
	case len(photos) == 0:
		return 0, fmt.Errorf("%w: empty photo group", ErrDeliver)
	case len(photos) > MaxGroupSize:
		return 0, fmt.Errorf("%w: %d photos exceed group size %d", ErrDeliver, len(photos), MaxGroupSize)
	}

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	if err := w.WriteField("chat_id", strconv.FormatInt(chatID, 10)); err != nil {
		return 0, fmt.Errorf("%w: build form: %w", ErrDeliver, err)
	}

	if len(photos) == 1 {
		p := photos[0]
		if caption := truncateRunes(p.Caption, maxCaptionRunes); caption != "" {
			if err := w.WriteField("caption", caption); err != nil {
				return 0, fmt.Errorf("%w: build form: %w", ErrDeliver, err)
			}
		}
		if err := writeFile(w, "photo", p); err != nil {
			return 0, err
		}
		if err := w.Close(); err != nil {
			return 0, fmt.Errorf("%w: build form: %w", ErrDeliver, err)
		}

		var msg message
		if err := t.call(ctx, "sendPhoto", w.FormDataContentType(), body, &msg); err != nil {
			return 0, err
		}
		return msg.MessageID, nil
	}

	media := make([]inputMediaPhoto, len(photos))
	for i, p := range photos {
		field := "photo" + strconv.Itoa(i)
		media[i] = inputMediaPhoto{
			Type:    "photo",
			Media:   "attach://" + field,
			Caption: truncateRunes(p.Caption, maxCaptionRunes),
		}
		if err := writeFile(w, field, p); err != nil {
			return 0, err
		}
	}
	mediaJSON, err := json.Marshal(media)
	if err != nil {
		return 0, fmt.Errorf("%w: marshal media: %w", ErrDeliver, err)
	}
	if err := w.WriteField("media", string(mediaJSON)); err != nil {
		return 0, fmt.Errorf("%w: build form: %w", ErrDeliver, err)
	}
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("%w: build form: %w", ErrDeliver, err)
	}

	var msgs []message
	if err := t.call(ctx, "sendMediaGroup", w.FormDataContentType(), body, &msgs); err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, fmt.Errorf("%w: sendMediaGroup returned no messages", ErrDeliver)
	}
	return msgs[0].MessageID, nil
}

type pinRequest struct {
	ChatID              int64 `json:"chat_id"`
	MessageID           int64 `json:"message_id"`
	DisableNotification bool  `json:"disable_notification"`
}

func (t *Telegram) PinMessage(ctx context.Context, chatID, messageID int64) error {
	var ok bool
	return t.callJSON(ctx, "pinChatMessage", pinRequest{
		ChatID:              chatID,
		MessageID:           messageID,
		DisableNotification: true,
	}, &ok)
}

func writeFile(w *multipart.Writer, field string, p Photo) error {
	name := p.Name
	if name == "" {
		name = field + ".jpg"
	}
	fw, err := w.CreateFormFile(field, name)
	if err != nil {
		return fmt.Errorf("%w: build form: %w", ErrDeliver, err)
	}
	if _, err := fw.Write(p.Data); err != nil {
		return fmt.Errorf("%w: build form: %w", ErrDeliver, err)
	}
	return nil
}

func (t *Telegram) callJSON(ctx context.Context, method string, payload, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: marshal %s request: %w", ErrDeliver, method, err)
	}
	return t.call(ctx, method, "application/json", bytes.NewReader(data), out)
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

func (t *Telegram) call(ctx context.Context, method, contentType string, body io.Reader, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %s: rate limit wait: %w", ErrDeliver, method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.base+"/"+method, body)
	if err != nil {
		return fmt.Errorf("%w: %s: create request: %w", ErrDeliver, method, err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := t.client.Do(req)
	if err != nil {
		// the URL embeds the token, keep it out of logs
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return fmt.Errorf("%w: %s: http request: %w", ErrDeliver, method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: %s: read response: %w", ErrDeliver, method, err)
	}

	var apiResp apiResponse
	if err := json.Unmarshal(raw, &apiResp); err != nil {
		return fmt.Errorf("%w: %s: HTTP %d: decode response: %w", ErrDeliver, method, resp.StatusCode, err)
	}
	if !apiResp.OK {
		apiErr := &APIError{
			Method:      method,
			Code:        apiResp.ErrorCode,
			Description: apiResp.Description,
		}
		if apiErr.Code == 0 {
			apiErr.Code = resp.StatusCode
		}
		if apiResp.Parameters != nil && apiResp.Parameters.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(apiResp.Parameters.RetryAfter) * time.Second
		}
		t.logger.Warn("bot api call failed",
			zap.String("method", method),
			zap.Int("code", apiErr.Code),
			zap.String("description", apiErr.Description),
			zap.Duration("retry_after", apiErr.RetryAfter),
		)
		return fmt.Errorf("%w: %w", ErrDeliver, apiErr)
	}

	if out != nil {
		if err := json.Unmarshal(apiResp.Result, out); err != nil {
			return fmt.Errorf("%w: %s: decode result: %w", ErrDeliver, method, err)
		}
	}
	return nil
}

func truncateRunes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
