package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultAPI = "https://api.telegram.org"

var ErrNotConfigured = errors.New("telegram not configured")

// Telegram posts plain-text messages to one chat through the Bot API.
type Telegram struct {
	Token   string
	ChatID  string
	BaseURL string
	HTTP    *http.Client
}

func NewTelegram(token, chatID string) *Telegram {
	return &Telegram{
		Token:   token,
		ChatID:  chatID,
		BaseURL: defaultAPI,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *Telegram) Enabled() bool {
	return t != nil && t.Token != "" && t.ChatID != ""
}

func (t *Telegram) Send(ctx context.Context, msg string) error {
	if !t.Enabled() {
		return ErrNotConfigured
	}
	payload := map[string]any{"chat_id": t.ChatID, "text": msg, "disable_web_page_preview": true}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	base := strings.TrimRight(t.BaseURL, "/")
	if base == "" {
		base = defaultAPI
	}
	u := fmt.Sprintf("%s/bot%s/sendMessage", base, t.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := t.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	resp, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
	if res.StatusCode >= 300 {
		return fmt.Errorf("telegram status %d: %s", res.StatusCode, string(resp))
	}
	return nil
}
