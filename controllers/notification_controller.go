package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"crypto_portfolio_tracker/services/notify"
)

// NotificationController serves the in-app inbox
type NotificationController struct {
	inbox *notify.Inbox
}

func NewNotificationController(inbox *notify.Inbox) *NotificationController {
	return &NotificationController{inbox: inbox}
}

// GetNotifications lists notifications, newest first
// GET /api/v1/notifications?unread=true&page=1&page_size=20
func (ctrl *NotificationController) GetNotifications(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	page, err := ctrl.inbox.List(c.Request.Context(), userID,
		c.Query("unread") == "true",
		intQuery(c, "page", 1),
		intQuery(c, "page_size", 20),
	)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": page})
}

// MarkRead marks one notification read
// POST /api/v1/notifications/:id/read
func (ctrl *NotificationController) MarkRead(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := ctrl.inbox.MarkRead(c.Request.Context(), userID, id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Notification marked as read"})
}

// MarkAllRead marks every unread notification read
// POST /api/v1/notifications/read-all
func (ctrl *NotificationController) MarkAllRead(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	n, err := ctrl.inbox.MarkAllRead(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"updated": n}})
}

// GetUnreadCount returns the number of unread notifications
// GET /api/v1/notifications/unread-count
func (ctrl *NotificationController) GetUnreadCount(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	n, err := ctrl.inbox.UnreadCount(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"unread": n}})
}
