package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTelegramAlert(t *testing.T) {
	var got struct {
		ChatID string `json:"chat_id"`
		Text   string `json:"text"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/bottesttoken/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewTelegram("testtoken", "42", zap.NewNop()).(*Telegram).WithBaseURL(srv.URL)
	n.Alert(context.Background(), KindRevocation, "ChannelA", "refresh token revoked")

	require.Equal(t, "42", got.ChatID)
	require.Contains(t, got.Text, "ChannelA")
	require.Contains(t, got.Text, KindRevocation)
}

func TestTelegramAlertServerErrorDoesNotPanic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewTelegram("testtoken", "42", zap.NewNop()).(*Telegram).WithBaseURL(srv.URL)
	n.Alert(context.Background(), KindReauthResult, "ChannelA", "done")
}

func TestNewTelegramWithoutTokenIsNop(t *testing.T) {
	n := NewTelegram("", "", zap.NewNop())
	_, ok := n.(Nop)
	require.True(t, ok)
	n.Alert(context.Background(), KindManualAction, "ChannelA", "ignored")
}
