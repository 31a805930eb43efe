package notify

import (
	"context"
	"errors"
	"fmt"
	"os"

	firebase "firebase.google.com/go"
	"firebase.google.com/go/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"crypto_portfolio_tracker/models"
)

// PushSender is satisfied by *messaging.Client.
type PushSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// PushChannel publishes to the Firebase Cloud Messaging topic user_{id}.
type PushChannel struct {
	client PushSender
}

func NewPushChannel(client PushSender) *PushChannel {
	return &PushChannel{client: client}
}

// NewFirebasePushChannel initialises FCM from a service account file. An
// empty or missing file disables push and returns nil without error.
func NewFirebasePushChannel(ctx context.Context, credentialsFile string) (*PushChannel, error) {
	if credentialsFile == "" {
		return nil, nil
	}
	if _, err := os.Stat(credentialsFile); errors.Is(err, os.ErrNotExist) {
		zap.L().Warn("FCM credentials file not found, push notifications disabled", zap.String("file", credentialsFile))
		return nil, nil
	}

	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to initialise firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get messaging client: %w", err)
	}
	zap.L().Info("FCM push channel initialised")
	return NewPushChannel(client), nil
}

func (c *PushChannel) Name() string { return models.ChannelPush }

// Topic returns the FCM topic a user's devices subscribe to.
func Topic(userID uint) string {
	return fmt.Sprintf("user_%d", userID)
}

func (c *PushChannel) Send(ctx context.Context, msg Message) error {
	data := map[string]string{"level": msg.Level}
	for k, v := range msg.Data {
		data[k] = v
	}
	if msg.AlertID != nil {
		data["alert_id"] = fmt.Sprintf("%d", *msg.AlertID)
	}

	id, err := c.client.Send(ctx, &messaging.Message{
		Notification: &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		},
		Data:  data,
		Topic: Topic(msg.UserID),
	})
	if err != nil {
		return fmt.Errorf("fcm send: %w", err)
	}
	zap.L().Debug("Push sent", zap.Uint("user_id", msg.UserID), zap.String("message_id", id))
	return nil
}
