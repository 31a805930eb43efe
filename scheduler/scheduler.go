// Package scheduler runs the periodic background jobs: price refresh, alert
// sweep, portfolio snapshots, exchange sync and history pruning.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"crypto_portfolio_tracker/config"
)

type PriceRefresher interface {
	RefreshTracked(ctx context.Context) (int, error)
}

type AlertSweeper interface {
	EvaluateAll(ctx context.Context) (int, error)
}

type Snapshotter interface {
	SnapshotAll(ctx context.Context) (int, error)
	PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error)
}

type AccountSyncer interface {
	SyncAll(ctx context.Context) (int, error)
}

// Services are the job targets. A nil service disables its job.
type Services struct {
	Prices    PriceRefresher
	Alerts    AlertSweeper
	Snapshots Snapshotter
	Accounts  AccountSyncer
}

// Scheduler manages scheduled jobs
type Scheduler struct {
	cron   *gocron.Scheduler
	cfg    config.JobsConfig
	svc    Services
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler in UTC. Overlapping runs of a job are skipped.
func NewScheduler(cfg config.JobsConfig, svc Services) *Scheduler {
	cron := gocron.NewScheduler(time.UTC)
	cron.SingletonModeAll()
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{cron: cron, cfg: cfg, svc: svc, ctx: ctx, cancel: cancel}
}

// Start registers all jobs and starts the scheduler asynchronously.
func (s *Scheduler) Start() error {
	zap.L().Info("Starting scheduler...")

	if s.svc.Prices != nil {
		if err := s.every("price_refresh", s.cfg.PriceRefreshInterval, s.refreshPrices); err != nil {
			return err
		}
	}
	if s.svc.Alerts != nil {
		if err := s.every("alert_sweep", s.cfg.AlertInterval, s.sweepAlerts); err != nil {
			return err
		}
	}
	if s.svc.Snapshots != nil {
		if err := s.every("snapshots", s.cfg.SnapshotInterval, s.takeSnapshots); err != nil {
			return err
		}
		pruneAt := s.cfg.PruneAt
		if pruneAt == "" {
			pruneAt = "03:00"
		}
		_, err := s.cron.Every(1).Day().At(pruneAt).Tag("prune_history").Do(s.job("prune_history", s.pruneHistory))
		if err != nil {
			return fmt.Errorf("failed to schedule prune_history: %w", err)
		}
	}
	if s.svc.Accounts != nil {
		if err := s.every("exchange_sync", s.cfg.SyncInterval, s.syncAccounts); err != nil {
			return err
		}
	}

	s.cron.StartAsync()
	zap.L().Info("Scheduler started successfully", zap.Int("jobs", len(s.cron.Jobs())))
	return nil
}

func (s *Scheduler) every(name string, interval time.Duration, fn func(context.Context) error) error {
	if interval <= 0 {
		zap.L().Info("Job disabled", zap.String("job", name))
		return nil
	}
	if _, err := s.cron.Every(interval).Tag(name).Do(s.job(name, fn)); err != nil {
		return fmt.Errorf("failed to schedule %s: %w", name, err)
	}
	return nil
}

// job wraps fn so failures and panics are logged instead of escaping.
func (s *Scheduler) job(name string, fn func(context.Context) error) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				zap.L().Error("Job panicked", zap.String("job", name), zap.Any("panic", r))
			}
		}()
		start := time.Now()
		if err := fn(s.ctx); err != nil {
			zap.L().Error("Job failed", zap.String("job", name), zap.Duration("took", time.Since(start)), zap.Error(err))
			return
		}
		zap.L().Debug("Job finished", zap.String("job", name), zap.Duration("took", time.Since(start)))
	}
}

func (s *Scheduler) refreshPrices(ctx context.Context) error {
	n, err := s.svc.Prices.RefreshTracked(ctx)
	if n > 0 {
		zap.L().Debug("Prices refreshed", zap.Int("symbols", n))
	}
	return err
}

func (s *Scheduler) sweepAlerts(ctx context.Context) error {
	n, err := s.svc.Alerts.EvaluateAll(ctx)
	if n > 0 {
		zap.L().Info("Alerts triggered", zap.Int("count", n))
	}
	return err
}

func (s *Scheduler) takeSnapshots(ctx context.Context) error {
	n, err := s.svc.Snapshots.SnapshotAll(ctx)
	zap.L().Info("Portfolio snapshots taken", zap.Int("count", n))
	return err
}

func (s *Scheduler) pruneHistory(ctx context.Context) error {
	retention := s.cfg.HistoryRetention
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}
	n, err := s.svc.Snapshots.PruneHistory(ctx, retention)
	if n > 0 {
		zap.L().Info("Old snapshots pruned", zap.Int64("deleted", n))
	}
	return err
}

func (s *Scheduler) syncAccounts(ctx context.Context) error {
	n, err := s.svc.Accounts.SyncAll(ctx)
	if n > 0 {
		zap.L().Info("Exchange accounts synced", zap.Int("count", n))
	}
	return err
}

// Stop stops the scheduler and cancels running jobs.
func (s *Scheduler) Stop() {
	s.cancel()
	s.cron.Stop()
	zap.L().Info("Scheduler stopped")
}
