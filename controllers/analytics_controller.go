package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"crypto_portfolio_tracker/services/portfolio"
)

// AnalyticsController serves read-only portfolio figures
type AnalyticsController struct {
	portfolios *portfolio.Service
}

func NewAnalyticsController(svc *portfolio.Service) *AnalyticsController {
	return &AnalyticsController{portfolios: svc}
}

// GetSummary returns totals and assets by value
// GET /api/v1/portfolios/:id/summary
func (ctrl *AnalyticsController) GetSummary(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	summary, err := ctrl.portfolios.Summary(c.Request.Context(), userID, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": summary})
}

// GetPerformance returns value change over a period
// GET /api/v1/portfolios/:id/performance?period=7d
func (ctrl *AnalyticsController) GetPerformance(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	perf, err := ctrl.portfolios.Performance(c.Request.Context(), userID, id, c.DefaultQuery("period", "7d"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": perf})
}

// GetHistory returns snapshots between from and to
// GET /api/v1/portfolios/:id/history?from=&to=
func (ctrl *AnalyticsController) GetHistory(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	from, err := timeQuery(c, "from")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from"})
		return
	}
	to, err := timeQuery(c, "to")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to"})
		return
	}
	rows, err := ctrl.portfolios.History(c.Request.Context(), userID, id, from, to)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rows, "count": len(rows)})
}

// GetAnalytics returns risk statistics over a period
// GET /api/v1/portfolios/:id/analytics?period=30d
func (ctrl *AnalyticsController) GetAnalytics(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	result, err := ctrl.portfolios.Analytics(c.Request.Context(), userID, id, c.DefaultQuery("period", "30d"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}
