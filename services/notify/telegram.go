package notify

import (
	"context"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"crypto_portfolio_tracker/models"
)

// TelegramSender is satisfied by *tgbotapi.BotAPI.
type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramChannel messages the chat linked to the user's account.
type TelegramChannel struct {
	db  *gorm.DB
	bot TelegramSender
}

func NewTelegramChannel(db *gorm.DB, bot TelegramSender) *TelegramChannel {
	return &TelegramChannel{db: db, bot: bot}
}

// NewTelegramBotChannel authorises the bot token. An empty token disables
// the channel and returns nil without error.
func NewTelegramBotChannel(db *gorm.DB, token string) (*TelegramChannel, error) {
	if token == "" {
		return nil, nil
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to init telegram bot: %w", err)
	}
	zap.L().Info("Telegram bot authorised", zap.String("account", bot.Self.UserName))
	return NewTelegramChannel(db, bot), nil
}

func (c *TelegramChannel) Name() string { return models.ChannelTelegram }

func (c *TelegramChannel) Send(ctx context.Context, msg Message) error {
	var user models.User
	err := c.db.WithContext(ctx).Select("id", "telegram_chat_id").First(&user, msg.UserID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrSkipped
	}
	if err != nil {
		return fmt.Errorf("failed to load user: %w", err)
	}
	if user.TelegramChatID == 0 {
		return ErrSkipped
	}

	out := tgbotapi.NewMessage(user.TelegramChatID, fmt.Sprintf("*%s*\n%s", escapeMarkdown(msg.Title), escapeMarkdown(msg.Body)))
	out.ParseMode = tgbotapi.ModeMarkdown
	if _, err := c.bot.Send(out); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

func escapeMarkdown(s string) string {
	return tgbotapi.EscapeText(tgbotapi.ModeMarkdown, s)
}
