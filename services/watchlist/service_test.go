package watchlist

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"crypto_portfolio_tracker/models"
	"crypto_portfolio_tracker/services/prices"
)

type fakePrices map[string]prices.Quote

func (f fakePrices) GetPrices(_ context.Context, symbols []string) (map[string]prices.Quote, error) {
	out := make(map[string]prices.Quote)
	for _, s := range symbols {
		if q, ok := f[s]; ok {
			out[s] = q
		}
	}
	return out, nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestService(t *testing.T, px fakePrices) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "watchlist.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := models.MigrateAll(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewService(db, px)
}

func TestCreateAndRename(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)

	w, err := svc.Create(ctx, 1, " Layer 1 ", "")
	if err != nil {
		t.Fatal(err)
	}
	if w.Name != "Layer 1" {
		t.Fatalf("name = %q", w.Name)
	}
	if _, err := svc.Create(ctx, 1, "Layer 1", ""); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("duplicate err = %v", err)
	}
	if _, err := svc.Create(ctx, 2, "Layer 1", ""); err != nil {
		t.Fatalf("same name for another user: %v", err)
	}
	if _, err := svc.Create(ctx, 1, "", ""); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("blank err = %v", err)
	}

	other, _ := svc.Create(ctx, 1, "DeFi", "")
	if _, err := svc.Rename(ctx, 1, other.ID, "Layer 1"); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("rename collision err = %v", err)
	}
	renamed, err := svc.Rename(ctx, 1, w.ID, "Layer 1 (old)")
	if err != nil || renamed.Name != "Layer 1 (old)" {
		t.Fatalf("rename = %+v, %v", renamed, err)
	}
	if _, err := svc.Rename(ctx, 2, w.ID, "mine now"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign rename err = %v", err)
	}
}

func TestItemsWithQuotes(t *testing.T) {
	ctx := context.Background()
	px := fakePrices{"SOL": {Symbol: "SOL", Price: dec("100")}}
	svc := newTestService(t, px)
	w, _ := svc.Create(ctx, 1, "Watch", "")

	item, err := svc.AddItem(ctx, 1, w.ID, " sol ", "breakout?")
	if err != nil {
		t.Fatal(err)
	}
	if item.Symbol != "SOL" || !item.AddedPrice.Equal(dec("100")) {
		t.Fatalf("item = %+v", item)
	}
	if _, err := svc.AddItem(ctx, 1, w.ID, "SOL", ""); !errors.Is(err, ErrDuplicateItem) {
		t.Fatalf("duplicate err = %v", err)
	}
	if _, err := svc.AddItem(ctx, 1, w.ID, "  ", ""); !errors.Is(err, prices.ErrInvalidSymbol) {
		t.Fatalf("blank symbol err = %v", err)
	}
	if _, err := svc.AddItem(ctx, 2, w.ID, "ETH", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign add err = %v", err)
	}
	svc.AddItem(ctx, 1, w.ID, "NEWCOIN", "")

	px["SOL"] = prices.Quote{Symbol: "SOL", Price: dec("125")}
	views, err := svc.List(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(views) != 1 || len(views[0].Items) != 2 {
		t.Fatalf("views = %+v", views)
	}
	newcoin, sol := views[0].Items[0], views[0].Items[1]
	if newcoin.Quote != nil || newcoin.ChangeSinceAdded != nil {
		t.Errorf("unpriced item = %+v", newcoin)
	}
	if sol.Quote == nil || sol.ChangeSinceAdded == nil || !sol.ChangeSinceAdded.Equal(dec("25")) {
		t.Errorf("sol = %+v", sol)
	}

	if err := svc.RemoveItem(ctx, 1, w.ID, "sol"); err != nil {
		t.Fatal(err)
	}
	if err := svc.RemoveItem(ctx, 1, w.ID, "SOL"); !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("second remove err = %v", err)
	}

	if err := svc.Delete(ctx, 1, w.ID); err != nil {
		t.Fatal(err)
	}
	views, _ = svc.List(ctx, 1)
	if len(views) != 0 {
		t.Fatalf("views after delete = %d", len(views))
	}
}
