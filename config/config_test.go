package config

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/viper"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadWith(viper.New(), false)
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("Database.Driver = %q", cfg.Database.Driver)
	}
	if cfg.Jobs.SnapshotInterval != time.Hour {
		t.Errorf("SnapshotInterval = %v", cfg.Jobs.SnapshotInterval)
	}
	want := []string{"BTC", "ETH", "SOL", "BNB", "XRP", "ADA"}
	if diff := cmp.Diff(want, cfg.Stream.Symbols); diff != "" {
		t.Errorf("Stream.Symbols mismatch (-want +got):\n%s", diff)
	}
	if AppConfig != cfg {
		t.Error("AppConfig not set")
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("DATABASE_PATH", "/tmp/x.db")
	t.Setenv("REDIS_ADDR", "cache:6379")
	t.Setenv("JOBS_ALERT_INTERVAL", "30s")
	t.Setenv("STREAM_SYMBOLS", "btc, eth,btc")
	t.Setenv("ANALYTICS_RISK_FREE_RATE", "0.04")

	cfg, err := loadWith(viper.New(), false)
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}

	if cfg.Port != "9090" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.Path != "/tmp/x.db" {
		t.Errorf("Database = %+v", cfg.Database)
	}
	if cfg.Redis.Addr != "cache:6379" {
		t.Errorf("Redis.Addr = %q", cfg.Redis.Addr)
	}
	if cfg.Jobs.AlertInterval != 30*time.Second {
		t.Errorf("AlertInterval = %v", cfg.Jobs.AlertInterval)
	}
	if diff := cmp.Diff([]string{"BTC", "ETH"}, cfg.Stream.Symbols); diff != "" {
		t.Errorf("Stream.Symbols mismatch (-want +got):\n%s", diff)
	}
	if cfg.Analytics.RiskFreeRate != 0.04 {
		t.Errorf("RiskFreeRate = %v", cfg.Analytics.RiskFreeRate)
	}
}

func TestLoadShortEnvNames(t *testing.T) {
	t.Setenv("PRICE_REFRESH_INTERVAL", "2m")
	t.Setenv("DB_DRIVER", "mysql")

	cfg, err := loadWith(viper.New(), false)
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Jobs.PriceRefreshInterval != 2*time.Minute {
		t.Errorf("PriceRefreshInterval = %v", cfg.Jobs.PriceRefreshInterval)
	}
	if cfg.Database.Driver != "mysql" {
		t.Errorf("Database.Driver = %q", cfg.Database.Driver)
	}

	t.Setenv("JOBS_PRICE_REFRESH_INTERVAL", "45s")
	cfg, err = loadWith(viper.New(), false)
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Jobs.PriceRefreshInterval != 45*time.Second {
		t.Errorf("full key name should win, got %v", cfg.Jobs.PriceRefreshInterval)
	}
}

func TestDialectorFor(t *testing.T) {
	for _, driver := range []string{"postgres", "mysql", "sqlite"} {
		d, err := dialectorFor(DatabaseConfig{Driver: driver, Path: t.TempDir() + "/db.sqlite"})
		if err != nil {
			t.Errorf("%s: %v", driver, err)
			continue
		}
		if d == nil {
			t.Errorf("%s: nil dialector", driver)
		}
	}
	if _, err := dialectorFor(DatabaseConfig{Driver: "oracle"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestMaskHost(t *testing.T) {
	cases := map[string]string{
		"db":                               "***",
		"localhost":                        "loc***",
		"prod-cluster.abc.eu-west-1.rds.x": "prod-clu***st-1.rds.x",
	}
	for in, want := range cases {
		if got := maskHost(in); got != want {
			t.Errorf("maskHost(%q) = %q, want %q", in, got, want)
		}
	}
}
