package controllers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"crypto_portfolio_tracker/services/prices"
)

// PriceReader is the part of the price service the API exposes.
type PriceReader interface {
	GetPrice(ctx context.Context, symbol string) (prices.Quote, error)
	GetPrices(ctx context.Context, symbols []string) (map[string]prices.Quote, error)
	TrackedSymbols(ctx context.Context) ([]string, error)
	History(ctx context.Context, symbol string, days int) ([]prices.PricePoint, error)
}

// PriceController handles price endpoints
type PriceController struct {
	prices PriceReader
}

func NewPriceController(p PriceReader) *PriceController {
	return &PriceController{prices: p}
}

// GetPrices returns quotes for the requested symbols, or all tracked ones
// GET /api/v1/prices?symbols=BTC,ETH
func (ctrl *PriceController) GetPrices(c *gin.Context) {
	ctx := c.Request.Context()
	var symbols []string
	for _, s := range strings.Split(c.Query("symbols"), ",") {
		if s = prices.NormalizeSymbol(s); s != "" {
			symbols = append(symbols, s)
		}
	}
	if len(symbols) == 0 {
		tracked, err := ctrl.prices.TrackedSymbols(ctx)
		if err != nil {
			respondError(c, err)
			return
		}
		symbols = tracked
	}

	quotes, err := ctrl.prices.GetPrices(ctx, symbols)
	if err != nil {
		respondError(c, err)
		return
	}
	var missing []string
	for _, s := range symbols {
		if _, ok := quotes[s]; !ok {
			missing = append(missing, s)
		}
	}
	c.JSON(http.StatusOK, gin.H{"data": quotes, "count": len(quotes), "missing": missing})
}

// GetPrice returns one quote
// GET /api/v1/prices/:symbol
func (ctrl *PriceController) GetPrice(c *gin.Context) {
	quote, err := ctrl.prices.GetPrice(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": quote})
}

// GetPriceHistory returns the market chart of a symbol
// GET /api/v1/prices/:symbol/history?days=7
func (ctrl *PriceController) GetPriceHistory(c *gin.Context) {
	days := intQuery(c, "days", 7)
	if days < 1 || days > 365 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "days must be between 1 and 365"})
		return
	}
	points, err := ctrl.prices.History(c.Request.Context(), c.Param("symbol"), days)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": points, "count": len(points)})
}
