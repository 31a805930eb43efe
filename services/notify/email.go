package notify

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"crypto_portfolio_tracker/models"
)

// Mailer is the outbound email collaborator.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// LogMailer writes emails to the log instead of sending them.
type LogMailer struct{}

func (LogMailer) Send(_ context.Context, to, subject, body string) error {
	zap.L().Info("Email notification",
		zap.String("to", to),
		zap.String("subject", subject),
		zap.Int("body_len", len(body)))
	return nil
}

type EmailChannel struct {
	db     *gorm.DB
	mailer Mailer
}

func NewEmailChannel(db *gorm.DB, mailer Mailer) *EmailChannel {
	if mailer == nil {
		mailer = LogMailer{}
	}
	return &EmailChannel{db: db, mailer: mailer}
}

func (c *EmailChannel) Name() string { return models.ChannelEmail }

func (c *EmailChannel) Send(ctx context.Context, msg Message) error {
	var user models.User
	err := c.db.WithContext(ctx).Select("id", "email").First(&user, msg.UserID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrSkipped
	}
	if err != nil {
		return fmt.Errorf("failed to load user: %w", err)
	}
	if user.Email == "" {
		return ErrSkipped
	}
	return c.mailer.Send(ctx, user.Email, msg.Title, msg.Body)
}
