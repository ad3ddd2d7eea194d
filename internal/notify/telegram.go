// Package notify delivers operator-facing alerts. Delivery is fire-and-forget:
// a notifier failure must never abort job or reauth processing.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Alert kinds surfaced to operators.
const (
	KindRevocation    = "token_revoked"
	KindReauthResult  = "reauth_result"
	KindManualAction  = "manual_intervention"
	KindDispatchError = "reauth_dispatch_error"
)

// Notifier sends an operator alert about an account.
type Notifier interface {
	Alert(ctx context.Context, kind, account, message string)
}

// Telegram posts alerts to a chat via the Bot API.
type Telegram struct {
	token      string
	chatID     string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewTelegram builds a Telegram notifier. An empty token yields a no-op.
func NewTelegram(token, chatID string, logger *zap.Logger) Notifier {
	if token == "" || chatID == "" {
		return Nop{}
	}
	return &Telegram{
		token:      token,
		chatID:     chatID,
		baseURL:    "https://api.telegram.org",
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// Alert sends one message. Errors are logged and swallowed.
func (t *Telegram) Alert(ctx context.Context, kind, account, message string) {
	text := fmt.Sprintf("[%s] %s: %s", kind, account, message)
	body, err := json.Marshal(map[string]string{
		"chat_id": t.chatID,
		"text":    text,
	})
	if err != nil {
		t.logger.Warn("marshal alert", zap.Error(err))
		return
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		t.logger.Warn("build alert request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		t.logger.Warn("send alert", zap.String("kind", kind), zap.String("account", account), zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		t.logger.Warn("alert rejected", zap.String("kind", kind), zap.Int("status", resp.StatusCode))
	}
}

// WithBaseURL overrides the Bot API host, for tests.
func (t *Telegram) WithBaseURL(url string) *Telegram {
	t.baseURL = url
	return t
}

// Nop discards all alerts.
type Nop struct{}

func (Nop) Alert(context.Context, string, string, string) {}
