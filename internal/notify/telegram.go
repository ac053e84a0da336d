package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"time"

	"github.com/acheron/engine/internal/domain"
)

// TelegramSender posts alerts to one chat through the Bot API sendMessage
// method. Messages use HTML parse mode; the deep link becomes an inline
// button.
type TelegramSender struct {
	apiBase string
	token   string
	chatID  string
	client  *http.Client
}

// NewTelegramSender creates a TelegramSender for the given bot token and chat.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		apiBase: "https://api.telegram.org",
		token:   token,
		chatID:  chatID,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type telegramButton struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

type telegramMarkup struct {
	InlineKeyboard [][]telegramButton `json:"inline_keyboard"`
}

type telegramRequest struct {
	ChatID              string          `json:"chat_id"`
	Text                string          `json:"text"`
	ParseMode           string          `json:"parse_mode"`
	DisableNotification bool            `json:"disable_notification"`
	DisablePreview      bool            `json:"disable_web_page_preview"`
	ReplyMarkup         *telegramMarkup `json:"reply_markup,omitempty"`
}

// telegramRequestFor renders msg. Alerts below high priority arrive silently.
func telegramRequestFor(chatID string, msg Message) telegramRequest {
	req := telegramRequest{
		ChatID:              chatID,
		Text:                "<b>" + html.EscapeString(msg.Title) + "</b>\n" + html.EscapeString(msg.Body),
		ParseMode:           "HTML",
		DisableNotification: msg.Priority > 0 && msg.Priority < domain.PriorityHigh,
		DisablePreview:      true,
	}
	if msg.Click != "" {
		req.ReplyMarkup = &telegramMarkup{
			InlineKeyboard: [][]telegramButton{{{Text: "Open market", URL: msg.Click}}},
		}
	}
	return req
}

// Send delivers msg. On failure the Bot API description is returned.
func (t *TelegramSender) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(telegramRequestFor(t.chatID, msg))
	if err != nil {
		return fmt.Errorf("telegram: marshal payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apiErr struct {
		Description string `json:"description"`
	}
	if json.Unmarshal(raw, &apiErr) == nil && apiErr.Description != "" {
		return fmt.Errorf("telegram: status %d: %s", resp.StatusCode, apiErr.Description)
	}
	return fmt.Errorf("telegram: unexpected status %d: %s", resp.StatusCode, string(raw))
}

// Name returns the sender identifier.
func (t *TelegramSender) Name() string { return "telegram" }
