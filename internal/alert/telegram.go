package alert

import (
	"context"
	"fmt"
	"time"

	apphttp "github.com/diamondsteel259/trading-bot/pkg/http"
)

const telegramBaseURL = "https://api.telegram.org"

// TelegramNotifier posts messages to a Telegram chat via the bot API
type TelegramNotifier struct {
	token  string
	chatID string
	client *apphttp.Client
}

type telegramSendRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

// NewTelegramNotifier creates a notifier for the given bot token and chat
func NewTelegramNotifier(token, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		token:  token,
		chatID: chatID,
		client: apphttp.NewClient(telegramBaseURL, 10*time.Second, nil),
	}
}

// Notify sends one message
func (t *TelegramNotifier) Notify(ctx context.Context, message string) error {
	path := fmt.Sprintf("/bot%s/sendMessage", t.token)
	_, err := t.client.Post(ctx, path, telegramSendRequest{
		ChatID: t.chatID,
		Text:   message,
	})
	if err != nil {
		return fmt.Errorf("telegram send failed: %w", err)
	}
	return nil
}
