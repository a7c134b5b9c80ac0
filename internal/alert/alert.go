// Package alert delivers operator-facing notifications about mirrored trades and faults.
package alert

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"copytrader/internal/core"
)

// TelegramNotifier implements core.INotifier over a single Telegram chat.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger core.ILogger
}

// NewTelegramNotifier authorizes against the Telegram Bot API. If token is
// empty, a disabled notifier is returned whose Notify calls are no-ops.
func NewTelegramNotifier(token string, chatID int64, logger core.ILogger) (*TelegramNotifier, error) {
	logger = logger.WithField("component", "alert_notifier")

	if token == "" {
		logger.Warn("telegram token not configured, notifications disabled")
		return &TelegramNotifier{logger: logger}, nil
	}

	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("authorize telegram bot: %w", err)
	}

	logger.Info("telegram notifier authorized", "bot_username", bot.Self.UserName)

	return &TelegramNotifier{
		bot:    bot,
		chatID: chatID,
		logger: logger,
	}, nil
}

// Notify sends text to the configured chat. Errors are logged, not returned,
// so a notification fault never interrupts the mirroring path.
func (n *TelegramNotifier) Notify(ctx context.Context, text string) {
	if n.bot == nil || n.chatID == 0 {
		return
	}

	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML

	if _, err := n.bot.Send(msg); err != nil {
		n.logger.Error("failed to send telegram notification", "error", err)
	}
}
