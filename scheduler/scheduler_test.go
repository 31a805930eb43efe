package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"crypto_portfolio_tracker/config"
)

type counter struct {
	calls atomic.Int32
	err   error
	panic bool
}

func (c *counter) hit() (int, error) {
	c.calls.Add(1)
	if c.panic {
		panic("boom")
	}
	return 1, c.err
}

func (c *counter) RefreshTracked(context.Context) (int, error) { return c.hit() }
func (c *counter) EvaluateAll(context.Context) (int, error)    { return c.hit() }
func (c *counter) SyncAll(context.Context) (int, error)        { return c.hit() }

type snapshotter struct {
	counter
	retention atomic.Int64
}

func (s *snapshotter) SnapshotAll(context.Context) (int, error) { return s.hit() }
func (s *snapshotter) PruneHistory(_ context.Context, olderThan time.Duration) (int64, error) {
	s.retention.Store(int64(olderThan))
	return 2, nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestJobsRunAndSurviveFailures(t *testing.T) {
	prices := &counter{err: errors.New("api down")}
	alerts := &counter{panic: true}
	snaps := &snapshotter{}
	accounts := &counter{}

	s := NewScheduler(config.JobsConfig{
		PriceRefreshInterval: 20 * time.Millisecond,
		AlertInterval:        20 * time.Millisecond,
		SnapshotInterval:     20 * time.Millisecond,
		SyncInterval:         20 * time.Millisecond,
		PruneAt:              "03:00",
	}, Services{Prices: prices, Alerts: alerts, Snapshots: snaps, Accounts: accounts})
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	if n := len(s.cron.Jobs()); n != 5 {
		t.Fatalf("jobs = %d, want 5", n)
	}
	waitFor(t, "failing price job to run twice", func() bool { return prices.calls.Load() >= 2 })
	waitFor(t, "panicking alert job to run twice", func() bool { return alerts.calls.Load() >= 2 })
	waitFor(t, "snapshots", func() bool { return snaps.calls.Load() >= 1 })
	waitFor(t, "sync", func() bool { return accounts.calls.Load() >= 1 })
}

func TestDisabledJobsAreNotScheduled(t *testing.T) {
	s := NewScheduler(config.JobsConfig{PriceRefreshInterval: time.Minute}, Services{
		Prices: &counter{},
		Alerts: &counter{},
	})
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()
	if n := len(s.cron.Jobs()); n != 1 {
		t.Fatalf("jobs = %d, want 1", n)
	}
}

func TestPruneUsesRetention(t *testing.T) {
	snaps := &snapshotter{}
	s := NewScheduler(config.JobsConfig{}, Services{Snapshots: snaps})
	s.job("prune_history", s.pruneHistory)()
	if got := time.Duration(snaps.retention.Load()); got != 90*24*time.Hour {
		t.Fatalf("default retention = %v", got)
	}

	s = NewScheduler(config.JobsConfig{HistoryRetention: 48 * time.Hour}, Services{Snapshots: snaps})
	s.job("prune_history", s.pruneHistory)()
	if got := time.Duration(snaps.retention.Load()); got != 48*time.Hour {
		t.Fatalf("retention = %v", got)
	}
}
