package controllers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"crypto_portfolio_tracker/models"
	"crypto_portfolio_tracker/services/alerts"
)

// AlertController handles alert endpoints
type AlertController struct {
	alerts *alerts.Service
}

// NewAlertController creates a new alert controller
func NewAlertController(svc *alerts.Service) *AlertController {
	return &AlertController{alerts: svc}
}

// GetAlerts lists the user's alerts
// GET /api/v1/alerts?type=&status=&symbol=
func (ctrl *AlertController) GetAlerts(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	filter := alerts.ListFilter{
		Type:   strings.ToUpper(c.Query("type")),
		Status: strings.ToUpper(c.Query("status")),
		Symbol: c.Query("symbol"),
	}
	list, err := ctrl.alerts.List(c.Request.Context(), userID, filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": list, "count": len(list)})
}

// CreateAlert creates a new alert
// POST /api/v1/alerts
func (ctrl *AlertController) CreateAlert(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var in alerts.AlertInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	alert, err := ctrl.alerts.Create(c.Request.Context(), userID, in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": alert})
}

// GetAlert returns one alert
// GET /api/v1/alerts/:id
func (ctrl *AlertController) GetAlert(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	alert, err := ctrl.alerts.Get(c.Request.Context(), userID, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": alert})
}

// UpdateAlert replaces the definition of an alert
// PUT /api/v1/alerts/:id
func (ctrl *AlertController) UpdateAlert(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var in alerts.AlertInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	alert, err := ctrl.alerts.Update(c.Request.Context(), userID, id, in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": alert})
}

// DeleteAlert deletes an alert and its history
// DELETE /api/v1/alerts/:id
func (ctrl *AlertController) DeleteAlert(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := ctrl.alerts.Delete(c.Request.Context(), userID, id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Alert deleted successfully"})
}

// EnableAlert arms an alert again
// POST /api/v1/alerts/:id/enable
func (ctrl *AlertController) EnableAlert(c *gin.Context) {
	ctrl.setStatus(c, models.AlertStatusActive)
}

// DisableAlert stops an alert from being evaluated
// POST /api/v1/alerts/:id/disable
func (ctrl *AlertController) DisableAlert(c *gin.Context) {
	ctrl.setStatus(c, models.AlertStatusDisabled)
}

func (ctrl *AlertController) setStatus(c *gin.Context, status string) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	alert, err := ctrl.alerts.SetStatus(c.Request.Context(), userID, id, status)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": alert})
}

// TestAlert evaluates an alert against current data without side effects
// POST /api/v1/alerts/:id/test
func (ctrl *AlertController) TestAlert(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	eval, err := ctrl.alerts.Test(c.Request.Context(), userID, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": eval})
}

// GetAlertHistory lists past triggers of an alert
// GET /api/v1/alerts/:id/history?limit=
func (ctrl *AlertController) GetAlertHistory(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	history, err := ctrl.alerts.History(c.Request.Context(), userID, id, intQuery(c, "limit", 50))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": history, "count": len(history)})
}

// GetAlertMeta lists the accepted alert types, conditions, metrics and channels
// GET /api/v1/alerts/meta
func (ctrl *AlertController) GetAlertMeta(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"types": models.ValidAlertTypes(),
		"conditions": gin.H{
			models.AlertTypePrice:     models.ValidPriceConditions(),
			models.AlertTypePortfolio: models.ValidPortfolioConditions(),
		},
		"metrics":  models.ValidPortfolioMetrics(),
		"events":   models.ValidSystemEvents(),
		"channels": models.ValidChannels(),
		"statuses": models.ValidAlertStatuses(),
	}})
}
