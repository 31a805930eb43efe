package portfolio

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"crypto_portfolio_tracker/models"
	"crypto_portfolio_tracker/services/prices"
	"crypto_portfolio_tracker/services/stream"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakePrices map[string]decimal.Decimal

func (f fakePrices) GetPrices(_ context.Context, symbols []string) (map[string]prices.Quote, error) {
	out := make(map[string]prices.Quote)
	for _, s := range symbols {
		if p, ok := f[s]; ok {
			out[s] = prices.Quote{Symbol: s, Price: p, UpdatedAt: testNow}
		}
	}
	return out, nil
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "portfolio.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := models.MigrateAll(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T, px fakePrices, opts ...Option) (*Service, *gorm.DB, *stream.Bus) {
	t.Helper()
	db := openTestDB(t)
	bus := stream.NewBus()
	svc := NewService(db, px, bus, opts...)
	svc.now = func() time.Time { return testNow }
	return svc, db, bus
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func mustCreate(t *testing.T, svc *Service, userID uint, name string) *models.Portfolio {
	t.Helper()
	p, err := svc.Create(context.Background(), userID, name, "")
	if err != nil {
		t.Fatalf("create portfolio: %v", err)
	}
	return p
}

func TestCreateMarksFirstPortfolioDefault(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	first := mustCreate(t, svc, 1, "Main")
	second := mustCreate(t, svc, 1, "Side")
	if !first.IsDefault || second.IsDefault {
		t.Fatalf("defaults: first=%v second=%v", first.IsDefault, second.IsDefault)
	}
	if _, err := svc.Create(context.Background(), 1, "  ", ""); err == nil {
		t.Fatal("expected error for blank name")
	}
	list, _ := svc.List(context.Background(), 1)
	if len(list) != 2 {
		t.Fatalf("list = %d", len(list))
	}
}

func TestRevalueComputesTotals(t *testing.T) {
	ctx := context.Background()
	svc, db, _ := newTestService(t, fakePrices{"BTC": dec("200"), "ETH": dec("50")})
	p := mustCreate(t, svc, 1, "Main")
	db.Create(&models.Asset{PortfolioID: p.ID, Symbol: "BTC", Quantity: dec("2"), AverageBuyPrice: dec("100")})
	db.Create(&models.Asset{PortfolioID: p.ID, Symbol: "ETH", Quantity: dec("4"), AverageBuyPrice: dec("50")})
	db.Create(&models.Asset{PortfolioID: p.ID, Symbol: "DOGE", Quantity: dec("10"), AverageBuyPrice: dec("1"), CurrentPrice: dec("0.5")})

	got, err := svc.Revalue(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	// 400 + 200 + 5 against a cost of 200 + 200 + 10
	if !got.TotalValue.Equal(dec("605")) || !got.TotalCost.Equal(dec("410")) || !got.ProfitLoss.Equal(dec("195")) {
		t.Fatalf("totals value=%s cost=%s pl=%s", got.TotalValue, got.TotalCost, got.ProfitLoss)
	}

	var stored models.Portfolio
	db.First(&stored, p.ID)
	if !stored.TotalValue.Equal(dec("605")) {
		t.Fatalf("stored total = %s", stored.TotalValue)
	}
	var doge models.Asset
	db.Where("symbol = ?", "DOGE").First(&doge)
	if !doge.CurrentPrice.Equal(dec("0.5")) || !doge.ProfitLossPercent.Equal(dec("-50")) {
		t.Fatalf("doge price=%s pct=%s", doge.CurrentPrice, doge.ProfitLossPercent)
	}

	if _, err := svc.Revalue(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestRevalueSymbolsOnlyTouchesHolders(t *testing.T) {
	ctx := context.Background()
	svc, db, _ := newTestService(t, fakePrices{"BTC": dec("10"), "ETH": dec("10")})
	a := mustCreate(t, svc, 1, "A")
	b := mustCreate(t, svc, 2, "B")
	db.Create(&models.Asset{PortfolioID: a.ID, Symbol: "BTC", Quantity: dec("1")})
	db.Create(&models.Asset{PortfolioID: b.ID, Symbol: "ETH", Quantity: dec("1")})

	if err := svc.RevalueSymbols(ctx, []string{"BTC"}); err != nil {
		t.Fatal(err)
	}
	var pa, pb models.Portfolio
	db.First(&pa, a.ID)
	db.First(&pb, b.ID)
	if !pa.TotalValue.Equal(dec("10")) || !pb.TotalValue.IsZero() {
		t.Fatalf("a=%s b=%s", pa.TotalValue, pb.TotalValue)
	}
}

func TestSummaryOrdersByValueWithWeights(t *testing.T) {
	ctx := context.Background()
	svc, db, _ := newTestService(t, fakePrices{"BTC": dec("100"), "ETH": dec("100")})
	db.Create(&models.User{ExternalID: "u", Email: "u@example.com", BaseCurrency: "EUR"})
	p := mustCreate(t, svc, 1, "Main")
	db.Create(&models.Asset{PortfolioID: p.ID, Symbol: "ETH", Quantity: dec("1")})
	db.Create(&models.Asset{PortfolioID: p.ID, Symbol: "BTC", Quantity: dec("3")})
	svc.Revalue(ctx, p.ID)

	sum, err := svc.Summary(ctx, 1, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Currency != "EUR" {
		t.Errorf("currency = %q", sum.Currency)
	}
	if len(sum.Assets) != 2 || sum.Assets[0].Symbol != "BTC" {
		t.Fatalf("assets = %+v", sum.Assets)
	}
	if !sum.Assets[0].Weight.Equal(dec("75")) || !sum.Assets[1].Weight.Equal(dec("25")) {
		t.Fatalf("weights %s %s", sum.Assets[0].Weight, sum.Assets[1].Weight)
	}

	if _, err := svc.Summary(ctx, 2, p.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign summary err = %v", err)
	}
}

func TestMetricsDailyChange(t *testing.T) {
	ctx := context.Background()
	svc, db, _ := newTestService(t, fakePrices{"BTC": dec("100"), "ETH": dec("100")})
	p := mustCreate(t, svc, 1, "Main")
	db.Create(&models.Asset{PortfolioID: p.ID, Symbol: "BTC", Quantity: dec("3")})
	db.Create(&models.Asset{PortfolioID: p.ID, Symbol: "ETH", Quantity: dec("1")})
	svc.Revalue(ctx, p.ID)

	m, err := svc.Metrics(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if m.DailyChangePercent != nil {
		t.Fatal("daily change should be unavailable without snapshots")
	}
	if !m.MaxAssetWeight.Equal(dec("75")) || m.MaxWeightSymbol != "BTC" {
		t.Fatalf("max weight %s %s", m.MaxAssetWeight, m.MaxWeightSymbol)
	}

	db.Create(&models.HistoricalData{PortfolioID: p.ID, TotalValue: dec("500"), Timestamp: testNow.Add(-30 * time.Hour)})
	db.Create(&models.HistoricalData{PortfolioID: p.ID, TotalValue: dec("320"), Timestamp: testNow.Add(-25 * time.Hour)})
	db.Create(&models.HistoricalData{PortfolioID: p.ID, TotalValue: dec("1"), Timestamp: testNow.Add(-time.Hour)})

	m, err = svc.Metrics(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if m.DailyChangePercent == nil || !m.DailyChangePercent.Equal(dec("25")) {
		t.Fatalf("daily change = %v", m.DailyChangePercent)
	}
}
