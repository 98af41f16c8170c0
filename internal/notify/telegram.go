package notify

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// chattableSender is the subset of tgbotapi.BotAPI used by Telegram.
type chattableSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram pushes notifications to a single chat through a bot.
type Telegram struct {
	bot     chattableSender
	chatID  int64
	baseURL string
}

// NewTelegram authenticates the bot token. baseURL, if set, is prefixed to
// notification links so they open the web client.
func NewTelegram(token string, chatID int64, baseURL string) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("notify: telegram login: %w", err)
	}
	return &Telegram{bot: bot, chatID: chatID, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (t *Telegram) Notify(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(t.chatID, t.format(n))
	msg.DisableNotification = n.Tag == "bluetooth-command"
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("notify: telegram send: %w", err)
	}
	return nil
}

func (t *Telegram) format(n Notification) string {
	var b strings.Builder
	b.WriteString(n.Title)
	if n.Body != "" {
		b.WriteString("\n")
		b.WriteString(n.Body)
	}
	if n.Link != "" && t.baseURL != "" {
		b.WriteString("\n")
		b.WriteString(t.baseURL + n.Link)
	}
	return b.String()
}

// Compile-time check that Telegram implements Notifier.
var _ Notifier = (*Telegram)(nil)
