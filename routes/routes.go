package routes

import (
	"github.com/gin-gonic/gin"

	"crypto_portfolio_tracker/controllers"
	"crypto_portfolio_tracker/middleware"
	"crypto_portfolio_tracker/services/alerts"
	"crypto_portfolio_tracker/services/notify"
	"crypto_portfolio_tracker/services/portfolio"
	"crypto_portfolio_tracker/services/stream"
)

// Dependencies are the services the API is built on. Feed may be nil.
type Dependencies struct {
	Auth       *middleware.Auth
	Alerts     *alerts.Service
	Portfolios *portfolio.Service
	Prices     controllers.PriceReader
	Inbox      *notify.Inbox
	Hub        *stream.Hub
	Feed       *stream.Feed
	Bus        *stream.Bus
}

// SetupRoutes sets up all API routes
func SetupRoutes(router *gin.Engine, deps Dependencies) {
	alertController := controllers.NewAlertController(deps.Alerts)
	analyticsController := controllers.NewAnalyticsController(deps.Portfolios)
	priceController := controllers.NewPriceController(deps.Prices)
	notificationController := controllers.NewNotificationController(deps.Inbox)
	streamController := controllers.NewStreamController(deps.Hub, deps.Feed, deps.Bus)

	// Websocket clients authenticate with the token query parameter.
	router.GET("/api/v1/ws", streamController.Connect)

	api := router.Group("/api/v1")
	api.Use(deps.Auth.JWTAuthMiddleware())
	{
		// Alert routes
		alertRoutes := api.Group("/alerts")
		{
			alertRoutes.GET("", alertController.GetAlerts)
			alertRoutes.POST("", alertController.CreateAlert)
			alertRoutes.GET("/meta", alertController.GetAlertMeta)
			alertRoutes.GET("/:id", alertController.GetAlert)
			alertRoutes.PUT("/:id", alertController.UpdateAlert)
			alertRoutes.DELETE("/:id", alertController.DeleteAlert)
			alertRoutes.POST("/:id/enable", alertController.EnableAlert)
			alertRoutes.POST("/:id/disable", alertController.DisableAlert)
			alertRoutes.POST("/:id/test", alertController.TestAlert)
			alertRoutes.GET("/:id/history", alertController.GetAlertHistory)
		}

		// Portfolio analytics routes (read-only)
		portfolioRoutes := api.Group("/portfolios/:id")
		{
			portfolioRoutes.GET("/summary", analyticsController.GetSummary)
			portfolioRoutes.GET("/performance", analyticsController.GetPerformance)
			portfolioRoutes.GET("/history", analyticsController.GetHistory)
			portfolioRoutes.GET("/analytics", analyticsController.GetAnalytics)
		}

		// Price routes
		priceRoutes := api.Group("/prices")
		{
			priceRoutes.GET("", priceController.GetPrices)
			priceRoutes.GET("/:symbol", priceController.GetPrice)
			priceRoutes.GET("/:symbol/history", priceController.GetPriceHistory)
		}

		api.GET("/stream/status", streamController.GetStatus)

		// Notification routes
		notificationRoutes := api.Group("/notifications")
		{
			notificationRoutes.GET("", notificationController.GetNotifications)
			notificationRoutes.GET("/unread-count", notificationController.GetUnreadCount)
			notificationRoutes.POST("/read-all", notificationController.MarkAllRead)
			notificationRoutes.POST("/:id/read", notificationController.MarkRead)
		}
	}
}
