package alerts

import (
	"fmt"

	"github.com/shopspring/decimal"

	"crypto_portfolio_tracker/models"
	"crypto_portfolio_tracker/services/portfolio"
	"crypto_portfolio_tracker/services/prices"
	"crypto_portfolio_tracker/services/stream"
)

// Evaluation is the outcome of checking one alert against current data.
type Evaluation struct {
	AlertID      uint            `json:"alert_id"`
	Evaluable    bool            `json:"evaluable"`
	Value        decimal.Decimal `json:"value"`
	Threshold    decimal.Decimal `json:"threshold"`
	WouldTrigger bool            `json:"would_trigger"`
	Reason       string          `json:"reason,omitempty"`
}

// EvaluatePrice checks a PRICE alert against a quote. Price conditions observe
// the price; percent conditions observe the 24h change in percent.
func EvaluatePrice(a *models.Alert, q prices.Quote) Evaluation {
	ev := Evaluation{AlertID: a.ID, Threshold: a.Threshold, Evaluable: true}
	switch a.Condition {
	case models.ConditionAbove:
		ev.Value = q.Price
		ev.WouldTrigger = q.Price.GreaterThanOrEqual(a.Threshold)
	case models.ConditionBelow:
		ev.Value = q.Price
		ev.WouldTrigger = q.Price.LessThanOrEqual(a.Threshold)
	case models.ConditionPercentChangeUp:
		ev.Value = q.ChangePercent24h
		ev.WouldTrigger = q.ChangePercent24h.GreaterThanOrEqual(a.Threshold)
	case models.ConditionPercentChangeDown:
		ev.Value = q.ChangePercent24h
		ev.WouldTrigger = q.ChangePercent24h.LessThanOrEqual(a.Threshold.Neg())
	case models.ConditionPercentChange:
		ev.Value = q.ChangePercent24h
		ev.WouldTrigger = q.ChangePercent24h.Abs().GreaterThanOrEqual(a.Threshold)
	default:
		ev.Evaluable = false
		ev.Reason = fmt.Sprintf("unknown price condition %q", a.Condition)
	}
	return ev
}

// EvaluatePortfolio checks a PORTFOLIO alert against the portfolio metrics.
// A daily change alert is not evaluable until a snapshot 24h old exists.
func EvaluatePortfolio(a *models.Alert, m *portfolio.Metrics) Evaluation {
	ev := Evaluation{AlertID: a.ID, Threshold: a.Threshold}
	value, ok := metricValue(a.Metric, m)
	if !ok {
		ev.Reason = fmt.Sprintf("metric %s is not available yet", a.Metric)
		return ev
	}
	ev.Value = value
	ev.Evaluable = true
	switch a.Condition {
	case models.ConditionAbove:
		ev.WouldTrigger = value.GreaterThanOrEqual(a.Threshold)
	case models.ConditionBelow:
		ev.WouldTrigger = value.LessThanOrEqual(a.Threshold)
	default:
		ev.Evaluable = false
		ev.Reason = fmt.Sprintf("unknown portfolio condition %q", a.Condition)
	}
	return ev
}

func metricValue(metric string, m *portfolio.Metrics) (decimal.Decimal, bool) {
	switch metric {
	case models.MetricTotalValue:
		return m.TotalValue, true
	case models.MetricProfitLoss:
		return m.ProfitLoss, true
	case models.MetricProfitLossPercent:
		return m.ProfitLossPercent, true
	case models.MetricDailyChangePercent:
		if m.DailyChangePercent == nil {
			return decimal.Zero, false
		}
		return *m.DailyChangePercent, true
	case models.MetricAssetWeight:
		return m.MaxAssetWeight, true
	}
	return decimal.Zero, false
}

// MatchesEvent reports whether a SYSTEM alert fires for ev. Events scoped to
// a user only match that user's alerts.
func MatchesEvent(a *models.Alert, ev stream.SystemEvent) bool {
	if a.Type != models.AlertTypeSystem || a.EventType != ev.Type {
		return false
	}
	return ev.UserID == 0 || ev.UserID == a.UserID
}
