package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"crypto_portfolio_tracker/services/stream"
)

// StreamController exposes the websocket endpoint and the state of the
// upstream feed. The feed is nil when streaming is disabled.
type StreamController struct {
	hub  *stream.Hub
	feed *stream.Feed
	bus  *stream.Bus
}

func NewStreamController(hub *stream.Hub, feed *stream.Feed, bus *stream.Bus) *StreamController {
	return &StreamController{hub: hub, feed: feed, bus: bus}
}

// Connect upgrades the request to a websocket. The token comes from the
// token query parameter.
// GET /api/v1/ws?token=
func (ctrl *StreamController) Connect(c *gin.Context) {
	ctrl.hub.HandleWebSocket(c.Writer, c.Request)
}

// GetStatus reports feed, hub and bus state
// GET /api/v1/stream/status
func (ctrl *StreamController) GetStatus(c *gin.Context) {
	status := gin.H{
		"feed_enabled": ctrl.feed != nil,
		"hub":          ctrl.hub.Status(),
		"bus":          ctrl.bus.Stats(),
	}
	if ctrl.feed != nil {
		status["feed"] = ctrl.feed.Status()
	}
	c.JSON(http.StatusOK, gin.H{"data": status})
}
