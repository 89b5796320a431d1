package notifier

import (
	"context"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"uniops/internal/errors"
)

// telegramLimit is the Bot API's maximum message length.
const telegramLimit = 4096

// TelegramSender posts alerts through the Telegram Bot API. It never polls for updates.
type TelegramSender struct {
	bot *tele.Bot
}

func NewTelegramSender(token string) (*TelegramSender, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		Offline: true,
		Client:  &http.Client{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, errors.Wrap(err, "telegram bot")
	}
	return &TelegramSender{bot: b}, nil
}

func (t *TelegramSender) Send(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(text) > telegramLimit {
		text = text[:telegramLimit]
	}
	_, err := t.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{DisableWebPagePreview: true})
	return err
}
