package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"crypto_portfolio_tracker/models"
	"crypto_portfolio_tracker/services/stream"
)

var ErrNotFound = errors.New("notification not found")

// UserSender pushes a frame to a user's live connections.
type UserSender interface {
	SendToUser(userID uint, msgType string, data interface{})
}

// InAppChannel stores the message in the user's inbox and pushes it to any
// open websocket connection.
type InAppChannel struct {
	db  *gorm.DB
	hub UserSender
	bus *stream.Bus
}

func NewInAppChannel(db *gorm.DB, hub UserSender, bus *stream.Bus) *InAppChannel {
	return &InAppChannel{db: db, hub: hub, bus: bus}
}

func (c *InAppChannel) Name() string { return models.ChannelInApp }

func (c *InAppChannel) Send(ctx context.Context, msg Message) error {
	n := models.Notification{
		UserID:  msg.UserID,
		AlertID: msg.AlertID,
		Title:   msg.Title,
		Body:    msg.Body,
		Level:   msg.Level,
	}
	if err := c.db.WithContext(ctx).Create(&n).Error; err != nil {
		return fmt.Errorf("failed to store notification: %w", err)
	}
	if c.hub != nil {
		c.hub.SendToUser(msg.UserID, "notification", n)
	}
	if c.bus != nil {
		c.bus.Publish(stream.TopicNotificationCreated, n)
	}
	return nil
}

// Inbox exposes a user's in-app notifications.
type Inbox struct {
	db *gorm.DB
}

func NewInbox(db *gorm.DB) *Inbox {
	return &Inbox{db: db}
}

// InboxPage is one page of notifications, newest first.
type InboxPage struct {
	Items    []models.Notification `json:"items"`
	Total    int64                 `json:"total"`
	Unread   int64                 `json:"unread"`
	Page     int                   `json:"page"`
	PageSize int                   `json:"page_size"`
}

func (i *Inbox) List(ctx context.Context, userID uint, unreadOnly bool, page, pageSize int) (*InboxPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	query := i.db.WithContext(ctx).Model(&models.Notification{}).Where("user_id = ?", userID)
	if unreadOnly {
		query = query.Where("read_at IS NULL")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count notifications: %w", err)
	}

	var items []models.Notification
	err := query.Order("created_at DESC, id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}

	unread, err := i.UnreadCount(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &InboxPage{Items: items, Total: total, Unread: unread, Page: page, PageSize: pageSize}, nil
}

// MarkRead marks one notification as read. Already read notifications are
// left untouched.
func (i *Inbox) MarkRead(ctx context.Context, userID, id uint) error {
	var n models.Notification
	err := i.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&n).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load notification: %w", err)
	}
	if n.ReadAt != nil {
		return nil
	}
	now := time.Now().UTC()
	return i.db.WithContext(ctx).Model(&n).Update("read_at", now).Error
}

// MarkAllRead marks every unread notification of the user and returns how
// many changed.
func (i *Inbox) MarkAllRead(ctx context.Context, userID uint) (int64, error) {
	res := i.db.WithContext(ctx).Model(&models.Notification{}).
		Where("user_id = ? AND read_at IS NULL", userID).
		Update("read_at", time.Now().UTC())
	if res.Error != nil {
		return 0, fmt.Errorf("failed to mark notifications read: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (i *Inbox) UnreadCount(ctx context.Context, userID uint) (int64, error) {
	var n int64
	err := i.db.WithContext(ctx).Model(&models.Notification{}).
		Where("user_id = ? AND read_at IS NULL", userID).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	return n, nil
}
