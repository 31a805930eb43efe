package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"crypto_portfolio_tracker/middleware"
	"crypto_portfolio_tracker/models"
	"crypto_portfolio_tracker/services/alerts"
	"crypto_portfolio_tracker/services/notify"
	"crypto_portfolio_tracker/services/portfolio"
	"crypto_portfolio_tracker/services/prices"
	"crypto_portfolio_tracker/services/stream"
)

type fakePrices map[string]prices.Quote

func (f fakePrices) GetPrice(_ context.Context, symbol string) (prices.Quote, error) {
	q, ok := f[prices.NormalizeSymbol(symbol)]
	if !ok {
		return prices.Quote{}, prices.ErrPriceNotFound
	}
	return q, nil
}

func (f fakePrices) GetPrices(_ context.Context, symbols []string) (map[string]prices.Quote, error) {
	out := make(map[string]prices.Quote)
	for _, s := range symbols {
		if q, ok := f[s]; ok {
			out[s] = q
		}
	}
	return out, nil
}

func (f fakePrices) TrackedSymbols(context.Context) ([]string, error) {
	return []string{"BTC", "ETH"}, nil
}

func (f fakePrices) History(_ context.Context, symbol string, days int) ([]prices.PricePoint, error) {
	return []prices.PricePoint{{Time: time.Now(), Price: f[symbol].Price}}, nil
}

type silentNotifier struct{}

func (silentNotifier) Dispatch(context.Context, notify.Message, []string) notify.DispatchResult {
	return notify.DispatchResult{}
}

type testAPI struct {
	db         *gorm.DB
	router     *gin.Engine
	portfolios *portfolio.Service
	inApp      *notify.InAppChannel
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "api.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := models.MigrateAll(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	bus := stream.NewBus()
	t.Cleanup(bus.Close)
	px := fakePrices{
		"BTC": {Symbol: "BTC", Price: decimal.NewFromInt(65000), ChangePercent24h: decimal.NewFromInt(2)},
		"ETH": {Symbol: "ETH", Price: decimal.NewFromInt(3500)},
	}
	portfolios := portfolio.NewService(db, px, bus)
	alertSvc := alerts.NewService(db, px, portfolios, silentNotifier{}, bus)
	inbox := notify.NewInbox(db)

	alertController := NewAlertController(alertSvc)
	analyticsController := NewAnalyticsController(portfolios)
	priceController := NewPriceController(px)
	notificationController := NewNotificationController(inbox)

	r := gin.New()
	api := r.Group("/api/v1", func(c *gin.Context) {
		if raw := c.GetHeader("X-Test-User"); raw != "" {
			id, _ := strconv.Atoi(raw)
			c.Set(middleware.ContextUserID, uint(id))
		}
		c.Next()
	})
	api.GET("/alerts", alertController.GetAlerts)
	api.POST("/alerts", alertController.CreateAlert)
	api.GET("/alerts/meta", alertController.GetAlertMeta)
	api.GET("/alerts/:id", alertController.GetAlert)
	api.PUT("/alerts/:id", alertController.UpdateAlert)
	api.DELETE("/alerts/:id", alertController.DeleteAlert)
	api.POST("/alerts/:id/enable", alertController.EnableAlert)
	api.POST("/alerts/:id/disable", alertController.DisableAlert)
	api.POST("/alerts/:id/test", alertController.TestAlert)
	api.GET("/alerts/:id/history", alertController.GetAlertHistory)
	api.GET("/portfolios/:id/summary", analyticsController.GetSummary)
	api.GET("/portfolios/:id/performance", analyticsController.GetPerformance)
	api.GET("/portfolios/:id/history", analyticsController.GetHistory)
	api.GET("/portfolios/:id/analytics", analyticsController.GetAnalytics)
	api.GET("/prices", priceController.GetPrices)
	api.GET("/prices/:symbol", priceController.GetPrice)
	api.GET("/prices/:symbol/history", priceController.GetPriceHistory)
	api.GET("/notifications", notificationController.GetNotifications)
	api.GET("/notifications/unread-count", notificationController.GetUnreadCount)
	api.POST("/notifications/read-all", notificationController.MarkAllRead)
	api.POST("/notifications/:id/read", notificationController.MarkRead)

	return &testAPI{db: db, router: r, portfolios: portfolios, inApp: notify.NewInAppChannel(db, nil, nil)}
}

func (a *testAPI) do(t *testing.T, user uint, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != 0 {
		req.Header.Set("X-Test-User", strconv.Itoa(int(user)))
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	var out map[string]interface{}
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, w.Body.String(), err)
		}
	}
	return w.Code, out
}

func dataMap(t *testing.T, body map[string]interface{}) map[string]interface{} {
	t.Helper()
	m, ok := body["data"].(map[string]interface{})
	if !ok {
		t.Fatalf("data is not an object: %v", body)
	}
	return m
}

func TestAlertEndpoints(t *testing.T) {
	api := newTestAPI(t)

	code, body := api.do(t, 1, http.MethodPost, "/api/v1/alerts", map[string]interface{}{
		"type": "price", "condition": "above", "symbol": "btc", "threshold": "60000",
	})
	if code != http.StatusCreated {
		t.Fatalf("create status = %d body = %v", code, body)
	}
	created := dataMap(t, body)
	id := strconv.Itoa(int(created["id"].(float64)))
	if created["symbol"] != "BTC" || created["status"] != models.AlertStatusActive {
		t.Fatalf("created = %v", created)
	}

	if code, body := api.do(t, 1, http.MethodPost, "/api/v1/alerts", map[string]interface{}{
		"type": "PRICE", "condition": "SIDEWAYS", "symbol": "BTC", "threshold": "1",
	}); code != http.StatusBadRequest || body["field"] != "condition" {
		t.Fatalf("invalid create: %d %v", code, body)
	}
	if code, _ := api.do(t, 1, http.MethodPost, "/api/v1/alerts", "not an object"); code != http.StatusBadRequest {
		t.Fatalf("bad body status = %d", code)
	}

	if code, body := api.do(t, 1, http.MethodGet, "/api/v1/alerts?type=price", nil); code != http.StatusOK || body["count"].(float64) != 1 {
		t.Fatalf("list: %d %v", code, body)
	}
	if code, _ := api.do(t, 2, http.MethodGet, "/api/v1/alerts/"+id, nil); code != http.StatusNotFound {
		t.Fatalf("foreign get status = %d", code)
	}
	if code, _ := api.do(t, 1, http.MethodGet, "/api/v1/alerts/abc", nil); code != http.StatusBadRequest {
		t.Fatalf("bad id status = %d", code)
	}

	code, body = api.do(t, 1, http.MethodPost, "/api/v1/alerts/"+id+"/test", nil)
	if code != http.StatusOK {
		t.Fatalf("test status = %d %v", code, body)
	}
	if eval := dataMap(t, body); eval["would_trigger"] != true || eval["evaluable"] != true {
		t.Fatalf("evaluation = %v", eval)
	}

	code, body = api.do(t, 1, http.MethodPost, "/api/v1/alerts/"+id+"/disable", nil)
	if code != http.StatusOK || dataMap(t, body)["status"] != models.AlertStatusDisabled {
		t.Fatalf("disable: %d %v", code, body)
	}
	code, body = api.do(t, 1, http.MethodPost, "/api/v1/alerts/"+id+"/enable", nil)
	if code != http.StatusOK || dataMap(t, body)["status"] != models.AlertStatusActive {
		t.Fatalf("enable: %d %v", code, body)
	}

	code, body = api.do(t, 1, http.MethodPut, "/api/v1/alerts/"+id, map[string]interface{}{
		"type": "PRICE", "condition": "BELOW", "symbol": "BTC", "threshold": 50000, "name": "dip",
	})
	if code != http.StatusOK || dataMap(t, body)["condition"] != models.ConditionBelow {
		t.Fatalf("update: %d %v", code, body)
	}

	if code, body := api.do(t, 1, http.MethodGet, "/api/v1/alerts/"+id+"/history", nil); code != http.StatusOK || body["count"].(float64) != 0 {
		t.Fatalf("history: %d %v", code, body)
	}

	if code, _ := api.do(t, 1, http.MethodDelete, "/api/v1/alerts/"+id, nil); code != http.StatusOK {
		t.Fatalf("delete status = %d", code)
	}
	if code, _ := api.do(t, 1, http.MethodGet, "/api/v1/alerts/"+id, nil); code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d", code)
	}
}

func TestAlertMeta(t *testing.T) {
	api := newTestAPI(t)
	code, body := api.do(t, 1, http.MethodGet, "/api/v1/alerts/meta", nil)
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	meta := dataMap(t, body)
	if types := meta["types"].([]interface{}); len(types) != 3 {
		t.Fatalf("types = %v", types)
	}
}

func TestRequiresUser(t *testing.T) {
	api := newTestAPI(t)
	if code, _ := api.do(t, 0, http.MethodGet, "/api/v1/alerts", nil); code != http.StatusUnauthorized {
		t.Fatalf("status = %d", code)
	}
}

func TestAnalyticsEndpoints(t *testing.T) {
	api := newTestAPI(t)
	p, err := api.portfolios.Create(context.Background(), 1, "Main", "")
	if err != nil {
		t.Fatal(err)
	}
	empty, _ := api.portfolios.Create(context.Background(), 1, "Empty", "")
	now := time.Now().UTC()
	for i, v := range []int64{1000, 1100, 1050} {
		row := models.HistoricalData{
			PortfolioID: p.ID,
			TotalValue:  decimal.NewFromInt(v),
			TotalCost:   decimal.NewFromInt(1000),
			ProfitLoss:  decimal.NewFromInt(v - 1000),
			Allocation:  "{}",
			Timestamp:   now.Add(time.Duration(i-3) * time.Hour),
		}
		if err := api.db.Create(&row).Error; err != nil {
			t.Fatal(err)
		}
	}
	base := "/api/v1/portfolios/" + strconv.Itoa(int(p.ID))

	if code, _ := api.do(t, 1, http.MethodGet, base+"/summary", nil); code != http.StatusOK {
		t.Fatalf("summary status = %d", code)
	}
	if code, _ := api.do(t, 2, http.MethodGet, base+"/summary", nil); code != http.StatusNotFound {
		t.Fatalf("foreign summary status = %d", code)
	}

	code, body := api.do(t, 1, http.MethodGet, base+"/performance?period=24h", nil)
	if code != http.StatusOK {
		t.Fatalf("performance status = %d %v", code, body)
	}
	if perf := dataMap(t, body); perf["points"].(float64) != 3 {
		t.Fatalf("performance = %v", perf)
	}
	if code, _ := api.do(t, 1, http.MethodGet, base+"/performance?period=2w", nil); code != http.StatusBadRequest {
		t.Fatalf("invalid period status = %d", code)
	}

	if code, body := api.do(t, 1, http.MethodGet, base+"/history", nil); code != http.StatusOK || body["count"].(float64) != 3 {
		t.Fatalf("history: %d %v", code, body)
	}
	if code, _ := api.do(t, 1, http.MethodGet, base+"/history?from=yesterday", nil); code != http.StatusBadRequest {
		t.Fatalf("bad from status = %d", code)
	}

	if code, body := api.do(t, 1, http.MethodGet, base+"/analytics?period=7d", nil); code != http.StatusOK {
		t.Fatalf("analytics: %d %v", code, body)
	}
	emptyPath := "/api/v1/portfolios/" + strconv.Itoa(int(empty.ID)) + "/analytics"
	if code, _ := api.do(t, 1, http.MethodGet, emptyPath, nil); code != http.StatusUnprocessableEntity {
		t.Fatalf("empty analytics status = %d", code)
	}
}

func TestPriceEndpoints(t *testing.T) {
	api := newTestAPI(t)

	code, body := api.do(t, 1, http.MethodGet, "/api/v1/prices?symbols=btc,doge", nil)
	if code != http.StatusOK || body["count"].(float64) != 1 {
		t.Fatalf("prices: %d %v", code, body)
	}
	if missing := body["missing"].([]interface{}); len(missing) != 1 || missing[0] != "DOGE" {
		t.Fatalf("missing = %v", missing)
	}
	if code, body := api.do(t, 1, http.MethodGet, "/api/v1/prices", nil); code != http.StatusOK || body["count"].(float64) != 2 {
		t.Fatalf("tracked prices: %d %v", code, body)
	}
	if code, _ := api.do(t, 1, http.MethodGet, "/api/v1/prices/eth", nil); code != http.StatusOK {
		t.Fatalf("single status = %d", code)
	}
	if code, _ := api.do(t, 1, http.MethodGet, "/api/v1/prices/NOPE", nil); code != http.StatusNotFound {
		t.Fatalf("unknown status = %d", code)
	}
	if code, _ := api.do(t, 1, http.MethodGet, "/api/v1/prices/BTC/history?days=0", nil); code != http.StatusBadRequest {
		t.Fatalf("bad days status = %d", code)
	}
	if code, body := api.do(t, 1, http.MethodGet, "/api/v1/prices/BTC/history?days=30", nil); code != http.StatusOK || body["count"].(float64) != 1 {
		t.Fatalf("history: %d %v", code, body)
	}
}

func TestNotificationEndpoints(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()
	for _, title := range []string{"first", "second"} {
		if err := api.inApp.Send(ctx, notify.Message{UserID: 1, Title: title, Body: "b", Level: "info"}); err != nil {
			t.Fatal(err)
		}
	}

	code, body := api.do(t, 1, http.MethodGet, "/api/v1/notifications?unread=true", nil)
	if code != http.StatusOK {
		t.Fatalf("list status = %d", code)
	}
	page := dataMap(t, body)
	items := page["items"].([]interface{})
	if len(items) != 2 || page["unread"].(float64) != 2 {
		t.Fatalf("page = %v", page)
	}
	newest := items[0].(map[string]interface{})
	id := strconv.Itoa(int(newest["id"].(float64)))

	if code, _ := api.do(t, 2, http.MethodPost, "/api/v1/notifications/"+id+"/read", nil); code != http.StatusNotFound {
		t.Fatalf("foreign mark read status = %d", code)
	}
	if code, _ := api.do(t, 1, http.MethodPost, "/api/v1/notifications/"+id+"/read", nil); code != http.StatusOK {
		t.Fatalf("mark read status = %d", code)
	}
	_, body = api.do(t, 1, http.MethodGet, "/api/v1/notifications/unread-count", nil)
	if dataMap(t, body)["unread"].(float64) != 1 {
		t.Fatalf("unread after one read = %v", body)
	}
	_, body = api.do(t, 1, http.MethodPost, "/api/v1/notifications/read-all", nil)
	if dataMap(t, body)["updated"].(float64) != 1 {
		t.Fatalf("read-all = %v", body)
	}
}
