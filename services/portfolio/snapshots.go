package portfolio

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crypto_portfolio_tracker/models"
)

// TakeSnapshot revalues the portfolio and stores its value and allocation.
func (s *Service) TakeSnapshot(ctx context.Context, portfolioID uint) (*models.HistoricalData, error) {
	p, err := s.Revalue(ctx, portfolioID)
	if err != nil {
		return nil, err
	}

	alloc := make(map[string]models.AllocationEntry, len(p.Assets))
	for _, a := range p.Assets {
		if !a.Quantity.IsPositive() {
			continue
		}
		alloc[a.Symbol] = models.AllocationEntry{
			Quantity: a.Quantity,
			Price:    a.CurrentPrice,
			Value:    a.CurrentValue,
			Weight:   weight(a.CurrentValue, p.TotalValue),
		}
	}

	snap := models.HistoricalData{
		PortfolioID: p.ID,
		TotalValue:  p.TotalValue,
		TotalCost:   p.TotalCost,
		ProfitLoss:  p.ProfitLoss,
		Timestamp:   s.now().UTC(),
	}
	if err := snap.SetAllocation(alloc); err != nil {
		return nil, fmt.Errorf("failed to encode allocation: %w", err)
	}
	if err := s.db.WithContext(ctx).Create(&snap).Error; err != nil {
		return nil, fmt.Errorf("failed to save snapshot: %w", err)
	}
	return &snap, nil
}

// SnapshotAll snapshots every portfolio. Failures are published as
// SNAPSHOT_FAILED system events for the owner and do not stop the run.
func (s *Service) SnapshotAll(ctx context.Context) (int, error) {
	var list []models.Portfolio
	if err := s.db.WithContext(ctx).Select("id", "user_id").Find(&list).Error; err != nil {
		return 0, fmt.Errorf("failed to list portfolios: %w", err)
	}

	taken := 0
	var errs []error
	for _, p := range list {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		snap, err := s.TakeSnapshot(ctx, p.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("portfolio %d: %w", p.ID, err))
			zap.L().Error("Snapshot failed", zap.Uint("portfolio_id", p.ID), zap.Error(err))
			if s.bus != nil {
				s.bus.PublishSystem(models.EventSnapshotFailed, p.UserID,
					fmt.Sprintf("snapshot of portfolio %d failed: %v", p.ID, err),
					map[string]interface{}{"portfolio_id": p.ID})
			}
			continue
		}
		taken++
		if s.archive != nil {
			if err := s.archive.SaveSnapshot(ctx, *snap); err != nil {
				zap.L().Warn("Snapshot archive failed", zap.Uint("portfolio_id", p.ID), zap.Error(err))
			}
		}
	}
	return taken, errors.Join(errs...)
}

// History returns snapshots between from and to, oldest first. A zero from
// defaults to 30 days before to; a zero to defaults to now.
func (s *Service) History(ctx context.Context, userID, portfolioID uint, from, to time.Time) ([]models.HistoricalData, error) {
	if _, err := s.Get(ctx, userID, portfolioID); err != nil {
		return nil, err
	}
	if to.IsZero() {
		to = s.now().UTC()
	}
	if from.IsZero() {
		from = to.Add(-30 * 24 * time.Hour)
	}
	if from.After(to) {
		return nil, fmt.Errorf("%w: from is after to", ErrInvalidPeriod)
	}
	rows, err := s.series(ctx, portfolioID, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	return s.withArchived(ctx, portfolioID, from.UTC(), to.UTC(), rows), nil
}

// withArchived adds archived snapshots missing from rows, which happens once
// pruning has thinned the local history. Archive failures only cost the extra rows.
func (s *Service) withArchived(ctx context.Context, portfolioID uint, from, to time.Time, rows []models.HistoricalData) []models.HistoricalData {
	reader, ok := s.archive.(ArchiveReader)
	if !ok || !reader.Enabled() {
		return rows
	}
	archived, err := reader.LoadSnapshots(ctx, portfolioID, from, to)
	if err != nil {
		zap.L().Warn("Failed to read snapshot archive", zap.Uint("portfolio_id", portfolioID), zap.Error(err))
		return rows
	}
	if len(archived) == 0 {
		return rows
	}

	seen := make(map[uint]bool, len(rows))
	for _, r := range rows {
		seen[r.ID] = true
	}
	merged := rows
	for _, a := range archived {
		if !seen[a.ID] {
			merged = append(merged, a)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Timestamp.Equal(merged[j].Timestamp) {
			return merged[i].ID < merged[j].ID
		}
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})
	return merged
}

func (s *Service) series(ctx context.Context, portfolioID uint, from, to time.Time) ([]models.HistoricalData, error) {
	q := s.db.WithContext(ctx).Where("portfolio_id = ?", portfolioID)
	if !from.IsZero() {
		q = q.Where("timestamp >= ?", from)
	}
	var rows []models.HistoricalData
	if err := q.Where("timestamp <= ?", to).Order("timestamp ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return rows, nil
}

// Periods accepted by Performance and Analytics.
var periods = map[string]time.Duration{
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
	"90d": 90 * 24 * time.Hour,
	"1y":  365 * 24 * time.Hour,
	"all": 0,
}

// ValidPeriods lists the accepted period names.
func ValidPeriods() []string {
	return []string{"24h", "7d", "30d", "90d", "1y", "all"}
}

// periodStart maps a period name onto its start time; zero means unbounded.
func periodStart(period string, now time.Time) (string, time.Time, error) {
	period = strings.ToLower(strings.TrimSpace(period))
	if period == "" {
		period = "30d"
	}
	d, ok := periods[period]
	if !ok {
		return "", time.Time{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, period)
	}
	if d == 0 {
		return period, time.Time{}, nil
	}
	return period, now.Add(-d), nil
}

type Performance struct {
	Period        string          `json:"period"`
	From          time.Time       `json:"from"`
	To            time.Time       `json:"to"`
	StartValue    decimal.Decimal `json:"start_value"`
	EndValue      decimal.Decimal `json:"end_value"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	Points        int             `json:"points"`
}

// Performance summarises the snapshot series over period.
func (s *Service) Performance(ctx context.Context, userID, portfolioID uint, period string) (*Performance, error) {
	if _, err := s.Get(ctx, userID, portfolioID); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	name, from, err := periodStart(period, now)
	if err != nil {
		return nil, err
	}
	rows, err := s.series(ctx, portfolioID, from, now)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrInsufficientData
	}

	first, last := rows[0], rows[len(rows)-1]
	perf := &Performance{
		Period:     name,
		From:       first.Timestamp,
		To:         last.Timestamp,
		StartValue: first.TotalValue,
		EndValue:   last.TotalValue,
		Change:     last.TotalValue.Sub(first.TotalValue),
		High:       first.TotalValue,
		Low:        first.TotalValue,
		Points:     len(rows),
	}
	perf.ChangePercent = percentOf(perf.Change, first.TotalValue)
	for _, r := range rows[1:] {
		if r.TotalValue.GreaterThan(perf.High) {
			perf.High = r.TotalValue
		}
		if r.TotalValue.LessThan(perf.Low) {
			perf.Low = r.TotalValue
		}
	}
	return perf, nil
}

// PruneHistory thins snapshots older than olderThan to the last one of each
// UTC day per portfolio and returns the number of rows deleted.
func (s *Service) PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().UTC().Add(-olderThan)

	var rows []models.HistoricalData
	err := s.db.WithContext(ctx).
		Select("id", "portfolio_id", "timestamp").
		Where("timestamp < ?", cutoff).
		Order("portfolio_id ASC, timestamp DESC, id DESC").
		Find(&rows).Error
	if err != nil {
		return 0, fmt.Errorf("failed to load old snapshots: %w", err)
	}

	type dayKey struct {
		portfolioID uint
		day         string
	}
	kept := make(map[dayKey]bool)
	var drop []uint
	for _, r := range rows {
		k := dayKey{r.PortfolioID, r.Timestamp.UTC().Format("2006-01-02")}
		if kept[k] {
			drop = append(drop, r.ID)
			continue
		}
		kept[k] = true
	}
	if len(drop) == 0 {
		return 0, nil
	}

	var deleted int64
	for start := 0; start < len(drop); start += 500 {
		end := start + 500
		if end > len(drop) {
			end = len(drop)
		}
		res := s.db.WithContext(ctx).Delete(&models.HistoricalData{}, drop[start:end])
		if res.Error != nil {
			return deleted, fmt.Errorf("failed to prune snapshots: %w", res.Error)
		}
		deleted += res.RowsAffected
	}
	zap.L().Info("Pruned snapshot history", zap.Int64("deleted", deleted), zap.Time("cutoff", cutoff))
	return deleted, nil
}
