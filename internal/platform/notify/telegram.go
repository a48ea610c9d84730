package notify

import (
	"context"
	"fmt"

	"github.com/go-telegram/bot"

	"github.com/tpsview/tpsview/internal/domain/schedule"
)

// Telegram posts status changes to a single chat.
type Telegram struct {
	bot    *bot.Bot
	chatID int64
}

// NewTelegram creates a sender for chatID. The token is not checked against
// the API at startup; a bad token surfaces on the first send.
func NewTelegram(token string, chatID int64, opts ...bot.Option) (*Telegram, error) {
	opts = append([]bot.Option{bot.WithSkipGetMe()}, opts...)
	b, err := bot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Telegram{bot: b, chatID: chatID}, nil
}

func (t *Telegram) StatusChanged(ctx context.Context, c schedule.StatusChange) error {
	_, err := t.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: t.chatID,
		Text:   Message(c),
	})
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}
