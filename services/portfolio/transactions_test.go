package portfolio

import (
	"context"
	"errors"
	"testing"
	"time"

	"crypto_portfolio_tracker/models"
)

func TestRecordTransactionAverageCostAndRealizedPnL(t *testing.T) {
	ctx := context.Background()
	svc, db, _ := newTestService(t, fakePrices{"BTC": dec("200")})
	p := mustCreate(t, svc, 1, "Main")

	t0 := testNow.Add(-3 * time.Hour)
	steps := []TransactionInput{
		{Symbol: "btc", Type: "buy", Quantity: dec("2"), Price: dec("100"), Fee: dec("2"), ExecutedAt: t0},
		{Symbol: "BTC", Type: "BUY", Quantity: dec("2"), Price: dec("200"), ExecutedAt: t0.Add(time.Hour)},
		{Symbol: "BTC", Type: "SELL", Quantity: dec("1"), Price: dec("200"), Fee: dec("1"), ExecutedAt: t0.Add(2 * time.Hour)},
	}
	var recorded []*models.Transaction
	for _, in := range steps {
		tx, err := svc.RecordTransaction(ctx, 1, p.ID, in)
		if err != nil {
			t.Fatalf("record %+v: %v", in, err)
		}
		recorded = append(recorded, tx)
	}

	if !recorded[0].Total.Equal(dec("202")) {
		t.Errorf("buy total = %s", recorded[0].Total)
	}
	if !recorded[2].RealizedPnL.Equal(dec("48.5")) || !recorded[2].Total.Equal(dec("199")) {
		t.Errorf("sell realized = %s total = %s", recorded[2].RealizedPnL, recorded[2].Total)
	}

	var asset models.Asset
	db.Where("portfolio_id = ? AND symbol = ?", p.ID, "BTC").First(&asset)
	if !asset.Quantity.Equal(dec("3")) || !asset.AverageBuyPrice.Equal(dec("150.5")) {
		t.Fatalf("asset qty=%s avg=%s", asset.Quantity, asset.AverageBuyPrice)
	}
	if asset.Source != models.AssetSourceManual {
		t.Errorf("source = %q", asset.Source)
	}

	var stored models.Portfolio
	db.First(&stored, p.ID)
	if !stored.TotalValue.Equal(dec("600")) || !stored.ProfitLossPercent.Equal(dec("32.8904")) {
		t.Fatalf("portfolio value=%s pct=%s", stored.TotalValue, stored.ProfitLossPercent)
	}
}

func TestRecordTransactionRejectsOversell(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, nil)
	p := mustCreate(t, svc, 1, "Main")

	_, err := svc.RecordTransaction(ctx, 1, p.ID, TransactionInput{Symbol: "ETH", Type: "SELL", Quantity: dec("1"), Price: dec("10")})
	if !errors.Is(err, ErrInsufficientQuantity) {
		t.Fatalf("sell without asset err = %v", err)
	}

	svc.RecordTransaction(ctx, 1, p.ID, TransactionInput{Symbol: "ETH", Type: "BUY", Quantity: dec("1"), Price: dec("10")})
	_, err = svc.RecordTransaction(ctx, 1, p.ID, TransactionInput{Symbol: "ETH", Type: "SELL", Quantity: dec("1.5"), Price: dec("10")})
	if !errors.Is(err, ErrInsufficientQuantity) {
		t.Fatalf("oversell err = %v", err)
	}

	_, err = svc.RecordTransaction(ctx, 1, p.ID, TransactionInput{Symbol: "ETH", Type: "SELL", Quantity: dec("1"), Price: dec("12")})
	if err != nil {
		t.Fatalf("selling the full position: %v", err)
	}
}

func TestRecordTransactionValidation(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, nil)
	p := mustCreate(t, svc, 1, "Main")

	bad := []TransactionInput{
		{Symbol: "", Type: "BUY", Quantity: dec("1"), Price: dec("1")},
		{Symbol: "BTC", Type: "HOLD", Quantity: dec("1"), Price: dec("1")},
		{Symbol: "BTC", Type: "BUY", Quantity: dec("0"), Price: dec("1")},
		{Symbol: "BTC", Type: "BUY", Quantity: dec("1"), Price: dec("-1")},
		{Symbol: "BTC", Type: "BUY", Quantity: dec("1"), Price: dec("1"), Fee: dec("-0.1")},
	}
	for _, in := range bad {
		if _, err := svc.RecordTransaction(ctx, 1, p.ID, in); !errors.Is(err, ErrInvalidTransaction) {
			t.Errorf("input %+v: err = %v", in, err)
		}
	}

	_, err := svc.RecordTransaction(ctx, 2, p.ID, TransactionInput{Symbol: "BTC", Type: "BUY", Quantity: dec("1"), Price: dec("1")})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign portfolio err = %v", err)
	}
}

func TestDeleteTransactionReplays(t *testing.T) {
	ctx := context.Background()
	svc, db, _ := newTestService(t, fakePrices{"BTC": dec("200")})
	p := mustCreate(t, svc, 1, "Main")

	t0 := testNow.Add(-3 * time.Hour)
	first, _ := svc.RecordTransaction(ctx, 1, p.ID, TransactionInput{Symbol: "BTC", Type: "BUY", Quantity: dec("2"), Price: dec("100"), Fee: dec("2"), ExecutedAt: t0})
	svc.RecordTransaction(ctx, 1, p.ID, TransactionInput{Symbol: "BTC", Type: "BUY", Quantity: dec("2"), Price: dec("200"), ExecutedAt: t0.Add(time.Hour)})
	sell, _ := svc.RecordTransaction(ctx, 1, p.ID, TransactionInput{Symbol: "BTC", Type: "SELL", Quantity: dec("1"), Price: dec("200"), Fee: dec("1"), ExecutedAt: t0.Add(2 * time.Hour)})

	if err := svc.DeleteTransaction(ctx, 2, first.ID); !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("foreign delete err = %v", err)
	}
	if err := svc.DeleteTransaction(ctx, 1, first.ID); err != nil {
		t.Fatal(err)
	}

	var asset models.Asset
	db.Where("symbol = ?", "BTC").First(&asset)
	if !asset.Quantity.Equal(dec("1")) || !asset.AverageBuyPrice.Equal(dec("200")) {
		t.Fatalf("asset qty=%s avg=%s", asset.Quantity, asset.AverageBuyPrice)
	}
	var replayed models.Transaction
	db.First(&replayed, sell.ID)
	if !replayed.RealizedPnL.Equal(dec("-1")) {
		t.Fatalf("replayed realized = %s", replayed.RealizedPnL)
	}

	list, err := svc.ListTransactions(ctx, 1, p.ID, TransactionFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != sell.ID {
		t.Fatalf("list = %+v", list)
	}
}

func TestDeleteTransactionRefusesNegativeReplay(t *testing.T) {
	ctx := context.Background()
	svc, db, _ := newTestService(t, nil)
	p := mustCreate(t, svc, 1, "Main")

	buy, _ := svc.RecordTransaction(ctx, 1, p.ID, TransactionInput{Symbol: "SOL", Type: "BUY", Quantity: dec("5"), Price: dec("10"), ExecutedAt: testNow.Add(-2 * time.Hour)})
	svc.RecordTransaction(ctx, 1, p.ID, TransactionInput{Symbol: "SOL", Type: "SELL", Quantity: dec("3"), Price: dec("12"), ExecutedAt: testNow.Add(-time.Hour)})

	if err := svc.DeleteTransaction(ctx, 1, buy.ID); !errors.Is(err, ErrInsufficientQuantity) {
		t.Fatalf("err = %v", err)
	}
	var count int64
	db.Model(&models.Transaction{}).Count(&count)
	if count != 2 {
		t.Fatalf("delete was not rolled back, %d transactions left", count)
	}
}

func TestRecordTransactionBackdatedReplays(t *testing.T) {
	ctx := context.Background()
	svc, db, _ := newTestService(t, nil)
	p := mustCreate(t, svc, 1, "Main")

	t0 := testNow.Add(-5 * time.Hour)
	svc.RecordTransaction(ctx, 1, p.ID, TransactionInput{Symbol: "BTC", Type: "BUY", Quantity: dec("2"), Price: dec("100"), ExecutedAt: t0})
	sell, _ := svc.RecordTransaction(ctx, 1, p.ID, TransactionInput{Symbol: "BTC", Type: "SELL", Quantity: dec("1"), Price: dec("150"), ExecutedAt: t0.Add(time.Hour)})
	if !sell.RealizedPnL.Equal(dec("50")) {
		t.Fatalf("sell realized = %s", sell.RealizedPnL)
	}

	early, err := svc.RecordTransaction(ctx, 1, p.ID, TransactionInput{Symbol: "BTC", Type: "BUY", Quantity: dec("1"), Price: dec("200"), ExecutedAt: t0.Add(-time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if !early.RealizedPnL.IsZero() {
		t.Errorf("backdated buy realized = %s", early.RealizedPnL)
	}

	wantAvg := dec("133.333333333333")
	var asset models.Asset
	db.Where("symbol = ?", "BTC").First(&asset)
	if !asset.Quantity.Equal(dec("2")) || !asset.AverageBuyPrice.Equal(wantAvg) {
		t.Fatalf("asset qty=%s avg=%s", asset.Quantity, asset.AverageBuyPrice)
	}
	var replayed models.Transaction
	db.First(&replayed, sell.ID)
	if !replayed.RealizedPnL.Equal(dec("16.666666666667")) {
		t.Fatalf("replayed realized = %s", replayed.RealizedPnL)
	}

	// A later delete replays the same history and must agree.
	later, _ := svc.RecordTransaction(ctx, 1, p.ID, TransactionInput{Symbol: "BTC", Type: "BUY", Quantity: dec("1"), Price: dec("150"), ExecutedAt: t0.Add(2 * time.Hour)})
	if err := svc.DeleteTransaction(ctx, 1, later.ID); err != nil {
		t.Fatal(err)
	}
	db.Where("symbol = ?", "BTC").First(&asset)
	if !asset.Quantity.Equal(dec("2")) || !asset.AverageBuyPrice.Equal(wantAvg) {
		t.Fatalf("after delete qty=%s avg=%s", asset.Quantity, asset.AverageBuyPrice)
	}
}

func TestRecordTransactionRefusesBackdatedOversell(t *testing.T) {
	ctx := context.Background()
	svc, db, _ := newTestService(t, nil)
	p := mustCreate(t, svc, 1, "Main")

	svc.RecordTransaction(ctx, 1, p.ID, TransactionInput{Symbol: "ETH", Type: "BUY", Quantity: dec("3"), Price: dec("10"), ExecutedAt: testNow.Add(-time.Hour)})

	_, err := svc.RecordTransaction(ctx, 1, p.ID, TransactionInput{Symbol: "ETH", Type: "SELL", Quantity: dec("1"), Price: dec("12"), ExecutedAt: testNow.Add(-2 * time.Hour)})
	if !errors.Is(err, ErrInsufficientQuantity) {
		t.Fatalf("err = %v", err)
	}
	var count int64
	db.Model(&models.Transaction{}).Count(&count)
	if count != 1 {
		t.Fatalf("backdated sell was not rolled back, %d transactions", count)
	}
	var asset models.Asset
	db.Where("symbol = ?", "ETH").First(&asset)
	if !asset.Quantity.Equal(dec("3")) {
		t.Fatalf("asset qty = %s", asset.Quantity)
	}
}

func TestListTransactionsFilters(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, nil)
	p := mustCreate(t, svc, 1, "Main")
	svc.RecordTransaction(ctx, 1, p.ID, TransactionInput{Symbol: "BTC", Type: "BUY", Quantity: dec("1"), Price: dec("1"), ExecutedAt: testNow.Add(-48 * time.Hour)})
	svc.RecordTransaction(ctx, 1, p.ID, TransactionInput{Symbol: "ETH", Type: "BUY", Quantity: dec("1"), Price: dec("1"), ExecutedAt: testNow.Add(-2 * time.Hour)})
	svc.RecordTransaction(ctx, 1, p.ID, TransactionInput{Symbol: "ETH", Type: "SELL", Quantity: dec("1"), Price: dec("2"), ExecutedAt: testNow.Add(-time.Hour)})

	eth, _ := svc.ListTransactions(ctx, 1, p.ID, TransactionFilter{Symbol: "eth"})
	if len(eth) != 2 {
		t.Errorf("eth = %d", len(eth))
	}
	sells, _ := svc.ListTransactions(ctx, 1, p.ID, TransactionFilter{Type: "sell"})
	if len(sells) != 1 {
		t.Errorf("sells = %d", len(sells))
	}
	recent, _ := svc.ListTransactions(ctx, 1, p.ID, TransactionFilter{From: testNow.Add(-24 * time.Hour)})
	if len(recent) != 2 {
		t.Errorf("recent = %d", len(recent))
	}
	if _, err := svc.ListTransactions(ctx, 2, p.ID, TransactionFilter{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("foreign list err = %v", err)
	}
}
