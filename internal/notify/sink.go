package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// TelegramSink delivers messages through the Telegram bot API.
type TelegramSink struct {
	token  string
	client *http.Client
}

// NewTelegramSink builds a sink for the given bot token.
func NewTelegramSink(token string) *TelegramSink {
	return &TelegramSink{token: token, client: &http.Client{}}
}

func (s *TelegramSink) SendText(ctx context.Context, recipientID, text string) error {
	payload, err := json.Marshal(map[string]any{
		"chat_id":                  recipientID,
		"text":                     text,
		"disable_web_page_preview": true,
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", s.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram status %d", resp.StatusCode)
	}
	return nil
}

// LogSink writes notifications to the log instead of a chat. Used when no
// bot token is configured and in dry runs.
type LogSink struct {
	Log *zap.Logger
}

func (s LogSink) SendText(_ context.Context, recipientID, text string) error {
	s.Log.Info("notification",
		zap.String("recipient", recipientID),
		zap.String("text", text))
	return nil
}
