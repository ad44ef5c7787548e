package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"gopkg.in/telebot.v3"

	"binance-oi-collector/internal/config"
)

// Sender is the part of telebot.Bot the notifier uses.
type Sender interface {
	Send(to telebot.Recipient, what interface{}, opts ...interface{}) (*telebot.Message, error)
}

// TelegramNotifier sends operational alerts to one chat. Alerts beyond the
// rate budget are dropped so a burst of failures cannot hit the Telegram
// limits.
type TelegramNotifier struct {
	sender  Sender
	chat    *telebot.Chat
	limiter *rate.Limiter
	log     *logrus.Logger
}

func NewTelegramNotifier(cfg *config.TelegramConfig, log *logrus.Logger) (*TelegramNotifier, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram chat id is required")
	}

	bot, err := telebot.NewBot(telebot.Settings{
		Token:   cfg.BotToken,
		Offline: true,
		OnError: func(err error, c telebot.Context) {
			log.WithError(err).Error("Telegram bot error")
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return NewNotifier(bot, cfg.ChatID, log), nil
}

func NewNotifier(sender Sender, chatID int64, log *logrus.Logger) *TelegramNotifier {
	return &TelegramNotifier{
		sender:  sender,
		chat:    &telebot.Chat{ID: chatID},
		limiter: rate.NewLimiter(rate.Every(3*time.Second), 5),
		log:     log,
	}
}

// Notify never waits for the limiter: an alert over the budget is logged and
// dropped so callers on the fetch path keep their slot.
func (n *TelegramNotifier) Notify(ctx context.Context, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !n.limiter.Allow() {
		n.log.Warn("Telegram notification dropped by rate limit", logrus.Fields{
			"chat_id": n.chat.ID,
			"message": message,
		})
		return nil
	}
	_, err := n.sender.Send(n.chat, message, &telebot.SendOptions{
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	n.log.Debug("Telegram notification sent", logrus.Fields{"chat_id": n.chat.ID})
	return nil
}

type NoopNotifier struct{}

func (NoopNotifier) Notify(context.Context, string) error {
	return nil
}
