package alerts

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"crypto_portfolio_tracker/models"
	"crypto_portfolio_tracker/services/notify"
	"crypto_portfolio_tracker/services/portfolio"
	"crypto_portfolio_tracker/services/prices"
	"crypto_portfolio_tracker/services/stream"
)

// Triggered is published on stream.TopicAlertTriggered.
type Triggered struct {
	Alert   models.Alert    `json:"alert"`
	Value   decimal.Decimal `json:"value"`
	Title   string          `json:"title"`
	Message string          `json:"message"`
	Time    time.Time       `json:"time"`
}

// errRaced means another evaluation already fired the alert.
var errRaced = errors.New("alert changed concurrently")

// EvaluateAll sweeps every active PRICE and PORTFOLIO alert and returns the
// number that fired.
func (s *Service) EvaluateAll(ctx context.Context) (int, error) {
	var active []models.Alert
	err := s.db.WithContext(ctx).
		Where("status = ? AND type IN ?", models.AlertStatusActive, []string{models.AlertTypePrice, models.AlertTypePortfolio}).
		Order("id").Find(&active).Error
	if err != nil {
		return 0, fmt.Errorf("failed to load alerts: %w", err)
	}
	if len(active) == 0 {
		return 0, nil
	}

	var symbols []string
	for _, a := range active {
		if a.Type == models.AlertTypePrice {
			symbols = append(symbols, a.Symbol)
		}
	}
	quotes := map[string]prices.Quote{}
	if len(symbols) > 0 && s.prices != nil {
		quotes, err = s.prices.GetPrices(ctx, symbols)
		if err != nil {
			zap.L().Warn("Alert sweep without fresh prices", zap.Error(err))
			quotes = map[string]prices.Quote{}
		}
	}

	metrics := make(map[uint]*portfolio.Metrics)
	fired := 0
	var errs []error
	for i := range active {
		a := &active[i]
		var ev Evaluation
		switch a.Type {
		case models.AlertTypePrice:
			q, ok := quotes[a.Symbol]
			if !ok {
				continue
			}
			ev = EvaluatePrice(a, q)
		case models.AlertTypePortfolio:
			if a.PortfolioID == nil || s.metrics == nil {
				continue
			}
			m, ok := metrics[*a.PortfolioID]
			if !ok {
				m, err = s.metrics.Metrics(ctx, *a.PortfolioID)
				if err != nil {
					errs = append(errs, fmt.Errorf("alert %d: %w", a.ID, err))
					continue
				}
				metrics[*a.PortfolioID] = m
			}
			ev = EvaluatePortfolio(a, m)
		}

		ok, err := s.process(ctx, a, ev, nil)
		if err != nil {
			errs = append(errs, fmt.Errorf("alert %d: %w", a.ID, err))
			continue
		}
		if ok {
			fired++
		}
	}
	return fired, errors.Join(errs...)
}

// HandleTick evaluates the active PRICE alerts of the tick's symbol.
func (s *Service) HandleTick(ctx context.Context, tick stream.Tick) (int, error) {
	var active []models.Alert
	err := s.db.WithContext(ctx).
		Where("status = ? AND type = ? AND symbol = ?", models.AlertStatusActive, models.AlertTypePrice, tick.Symbol).
		Find(&active).Error
	if err != nil {
		return 0, fmt.Errorf("failed to load alerts: %w", err)
	}
	q := prices.Quote{Symbol: tick.Symbol, Price: tick.Price, ChangePercent24h: tick.ChangePercent, UpdatedAt: tick.EventTime}
	return s.processAll(ctx, active, func(a *models.Alert) Evaluation { return EvaluatePrice(a, q) }, nil)
}

// HandleSystemEvent fires the SYSTEM alerts that match ev.
func (s *Service) HandleSystemEvent(ctx context.Context, ev stream.SystemEvent) (int, error) {
	q := s.db.WithContext(ctx).
		Where("status = ? AND type = ? AND event_type = ?", models.AlertStatusActive, models.AlertTypeSystem, ev.Type)
	if ev.UserID != 0 {
		q = q.Where("user_id = ?", ev.UserID)
	}
	var active []models.Alert
	if err := q.Find(&active).Error; err != nil {
		return 0, fmt.Errorf("failed to load alerts: %w", err)
	}
	return s.processAll(ctx, active, func(a *models.Alert) Evaluation {
		return Evaluation{AlertID: a.ID, Evaluable: true, WouldTrigger: MatchesEvent(a, ev)}
	}, &ev)
}

func (s *Service) processAll(ctx context.Context, list []models.Alert, eval func(*models.Alert) Evaluation, event *stream.SystemEvent) (int, error) {
	fired := 0
	var errs []error
	for i := range list {
		a := &list[i]
		ok, err := s.process(ctx, a, eval(a), event)
		if err != nil {
			errs = append(errs, fmt.Errorf("alert %d: %w", a.ID, err))
			continue
		}
		if ok {
			fired++
		}
	}
	return fired, errors.Join(errs...)
}

// Test evaluates an alert against current data without firing it.
func (s *Service) Test(ctx context.Context, userID, id uint) (*Evaluation, error) {
	a, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	switch a.Type {
	case models.AlertTypePrice:
		if s.prices == nil {
			return &Evaluation{AlertID: a.ID, Threshold: a.Threshold, Reason: "no price source"}, nil
		}
		quotes, err := s.prices.GetPrices(ctx, []string{a.Symbol})
		if err != nil {
			return nil, err
		}
		q, ok := quotes[a.Symbol]
		if !ok {
			return &Evaluation{AlertID: a.ID, Threshold: a.Threshold, Reason: "no price for " + a.Symbol}, nil
		}
		ev := EvaluatePrice(a, q)
		return &ev, nil
	case models.AlertTypePortfolio:
		if a.PortfolioID == nil || s.metrics == nil {
			return &Evaluation{AlertID: a.ID, Threshold: a.Threshold, Reason: "no portfolio"}, nil
		}
		m, err := s.metrics.Metrics(ctx, *a.PortfolioID)
		if err != nil {
			return nil, err
		}
		ev := EvaluatePortfolio(a, m)
		return &ev, nil
	}
	return &Evaluation{AlertID: a.ID, Reason: "system alerts fire on " + a.EventType + " events"}, nil
}

// process applies the trigger rules to one evaluated alert.
func (s *Service) process(ctx context.Context, a *models.Alert, ev Evaluation, event *stream.SystemEvent) (bool, error) {
	now := s.now().UTC()
	if a.IsExpired(now) {
		err := s.db.WithContext(ctx).Model(&models.Alert{}).
			Where("id = ? AND status = ?", a.ID, models.AlertStatusActive).
			Update("status", models.AlertStatusExpired).Error
		if err != nil {
			return false, fmt.Errorf("failed to expire alert: %w", err)
		}
		a.Status = models.AlertStatusExpired
		return false, nil
	}
	if !ev.Evaluable || !ev.WouldTrigger {
		return false, nil
	}
	if a.Recurring && a.InCooldown(now) {
		return false, nil
	}

	err := s.trigger(ctx, a, ev.Value, now, event)
	if errors.Is(err, errRaced) {
		return false, nil
	}
	return err == nil, err
}

func (s *Service) trigger(ctx context.Context, a *models.Alert, value decimal.Decimal, now time.Time, event *stream.SystemEvent) error {
	status := models.AlertStatusActive
	if !a.Recurring {
		status = models.AlertStatusTriggered
	}
	title, body := s.describe(ctx, a, value, event)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&models.Alert{}).Where("id = ? AND status = ?", a.ID, models.AlertStatusActive)
		if a.LastTriggeredAt == nil {
			q = q.Where("last_triggered_at IS NULL")
		} else {
			q = q.Where("last_triggered_at = ?", *a.LastTriggeredAt)
		}
		res := q.Updates(map[string]interface{}{
			"status":            status,
			"trigger_count":     gorm.Expr("trigger_count + 1"),
			"last_triggered_at": now,
			"last_value":        value,
		})
		if res.Error != nil {
			return fmt.Errorf("failed to update alert: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return errRaced
		}
		return tx.Create(&models.AlertHistory{
			AlertID:     a.ID,
			UserID:      a.UserID,
			Value:       value,
			Message:     body,
			Channels:    a.Channels,
			TriggeredAt: now,
		}).Error
	})
	if err != nil {
		return err
	}

	a.Status = status
	a.TriggerCount++
	a.LastTriggeredAt = &now
	a.LastValue = value

	zap.L().Info("Alert triggered",
		zap.Uint("alert_id", a.ID),
		zap.Uint("user_id", a.UserID),
		zap.String("type", a.Type),
		zap.String("value", value.String()))

	if s.bus != nil {
		s.bus.Publish(stream.TopicAlertTriggered, Triggered{Alert: *a, Value: value, Title: title, Message: body, Time: now})
	}
	if s.notifier != nil {
		alertID := a.ID
		res := s.notifier.Dispatch(ctx, notify.Message{
			UserID:  a.UserID,
			AlertID: &alertID,
			Title:   title,
			Body:    body,
			Level:   level(a, event),
			Data: map[string]string{
				"alert_id": strconv.FormatUint(uint64(a.ID), 10),
				"type":     a.Type,
				"value":    value.String(),
			},
		}, a.ChannelList())
		if res.Err != nil {
			zap.L().Warn("Alert notification incomplete", zap.Uint("alert_id", a.ID), zap.Strings("failed", res.Failed), zap.Error(res.Err))
		}
	}
	return nil
}

func level(a *models.Alert, event *stream.SystemEvent) string {
	if a.Type != models.AlertTypeSystem {
		return notify.LevelWarning
	}
	if event != nil && event.Type == models.EventPriceFeedRestored {
		return notify.LevelInfo
	}
	return notify.LevelCritical
}

// describe renders the notification title and body in the user's currency.
func (s *Service) describe(ctx context.Context, a *models.Alert, value decimal.Decimal, event *stream.SystemEvent) (string, string) {
	currency := "USD"
	var user models.User
	if err := s.db.WithContext(ctx).Select("id", "base_currency").First(&user, a.UserID).Error; err == nil {
		currency = user.Currency()
	}

	switch a.Type {
	case models.AlertTypePrice:
		switch a.Condition {
		case models.ConditionAbove:
			return fmt.Sprintf("%s above %s", a.Symbol, notify.FormatAmount(a.Threshold, currency)),
				fmt.Sprintf("%s is trading at %s, at or above your target of %s.", a.Symbol, notify.FormatAmount(value, currency), notify.FormatAmount(a.Threshold, currency))
		case models.ConditionBelow:
			return fmt.Sprintf("%s below %s", a.Symbol, notify.FormatAmount(a.Threshold, currency)),
				fmt.Sprintf("%s is trading at %s, at or below your target of %s.", a.Symbol, notify.FormatAmount(value, currency), notify.FormatAmount(a.Threshold, currency))
		}
		return fmt.Sprintf("%s moved %s", a.Symbol, notify.FormatPercent(value)),
			fmt.Sprintf("%s changed %s in 24h (threshold %s%%).", a.Symbol, notify.FormatPercent(value), a.Threshold.StringFixed(2))
	case models.AlertTypePortfolio:
		name := "Portfolio"
		if a.PortfolioID != nil {
			var p models.Portfolio
			if err := s.db.WithContext(ctx).Select("id", "name").First(&p, *a.PortfolioID).Error; err == nil {
				name = p.Name
			}
		}
		direction := "above"
		if a.Condition == models.ConditionBelow {
			direction = "below"
		}
		var shown, target string
		switch a.Metric {
		case models.MetricTotalValue, models.MetricProfitLoss:
			shown, target = notify.FormatAmount(value, currency), notify.FormatAmount(a.Threshold, currency)
		default:
			shown, target = notify.FormatPercent(value), a.Threshold.StringFixed(2)+"%"
		}
		return fmt.Sprintf("%s: %s %s %s", name, metricLabel(a.Metric), direction, target),
			fmt.Sprintf("%s of %s is %s, %s your threshold of %s.", metricLabel(a.Metric), name, shown, direction, target)
	}

	title := "System event: " + a.EventType
	if event != nil && event.Message != "" {
		return title, event.Message
	}
	return title, a.Name
}

func metricLabel(metric string) string {
	switch metric {
	case models.MetricTotalValue:
		return "Total value"
	case models.MetricProfitLoss:
		return "Profit/loss"
	case models.MetricProfitLossPercent:
		return "Profit/loss %"
	case models.MetricDailyChangePercent:
		return "24h change"
	case models.MetricAssetWeight:
		return "Largest asset weight"
	}
	return metric
}

// Start evaluates price alerts on every tick and system alerts on every
// system event until ctx is done.
func (s *Service) Start(ctx context.Context) {
	if s.bus == nil {
		return
	}
	ticks := s.bus.Subscribe(stream.TopicPriceTick, 1024)
	events := s.bus.Subscribe(stream.TopicSystemEvent, 64)
	go func() {
		defer s.bus.Unsubscribe(ticks)
		defer s.bus.Unsubscribe(events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ticks.C:
				if !ok {
					return
				}
				if tick, ok := ev.Payload.(stream.Tick); ok {
					if _, err := s.HandleTick(ctx, tick); err != nil {
						zap.L().Warn("Tick alert evaluation failed", zap.String("symbol", tick.Symbol), zap.Error(err))
					}
				}
			case ev, ok := <-events.C:
				if !ok {
					return
				}
				if sys, ok := ev.Payload.(stream.SystemEvent); ok {
					if _, err := s.HandleSystemEvent(ctx, sys); err != nil {
						zap.L().Warn("System alert evaluation failed", zap.String("event", sys.Type), zap.Error(err))
					}
				}
			}
		}
	}()
}
