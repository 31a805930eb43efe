package portfolio

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/montanaflynn/stats"

	"crypto_portfolio_tracker/models"
)

const year = 365 * 24 * time.Hour

type Analytics struct {
	Period          string                        `json:"period"`
	Points          int                           `json:"points"`
	From            time.Time                     `json:"from"`
	To              time.Time                     `json:"to"`
	PeriodsPerYear  float64                       `json:"periods_per_year"`
	TotalReturn     float64                       `json:"total_return"`
	MeanReturn      float64                       `json:"mean_return"`
	Volatility      float64                       `json:"volatility"`
	SharpeRatio     float64                       `json:"sharpe_ratio"`
	MaxDrawdown     float64                       `json:"max_drawdown"`
	Diversification float64                       `json:"diversification"`
	Weights         map[string]float64            `json:"weights"`
	Correlation     map[string]map[string]float64 `json:"correlation"`
}

// Analytics computes risk and return statistics over the snapshot series of
// period. At least two snapshots are required.
func (s *Service) Analytics(ctx context.Context, userID, portfolioID uint, period string) (*Analytics, error) {
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
	if len(rows) < 2 {
		return nil, ErrInsufficientData
	}
	return analyze(name, rows, s.riskFreeRate), nil
}

func analyze(period string, rows []models.HistoricalData, riskFree float64) *Analytics {
	values := make([]float64, len(rows))
	times := make([]time.Time, len(rows))
	for i, r := range rows {
		values[i] = r.TotalValue.InexactFloat64()
		times[i] = r.Timestamp
	}

	ppy := PeriodsPerYear(times)
	returns := Returns(values)
	a := &Analytics{
		Period:         period,
		Points:         len(rows),
		From:           times[0],
		To:             times[len(times)-1],
		PeriodsPerYear: ppy,
		TotalReturn:    TotalReturn(values),
		MaxDrawdown:    MaxDrawdown(values),
		Volatility:     Volatility(returns, ppy),
	}
	if mean, err := stats.Mean(returns); err == nil {
		a.MeanReturn = mean
	}
	a.SharpeRatio = SharpeRatio(returns, ppy, riskFree)

	allocations := make([]map[string]models.AllocationEntry, len(rows))
	for i := range rows {
		allocations[i] = rows[i].AllocationMap()
	}
	latest := allocations[len(allocations)-1]
	a.Weights = make(map[string]float64, len(latest))
	for sym, e := range latest {
		a.Weights[sym] = e.Weight.InexactFloat64() / 100
	}
	a.Diversification = Diversification(a.Weights)
	a.Correlation = CorrelationMatrix(allocations)
	return a
}

// Returns computes simple period returns. Pairs involving a non-positive
// value are skipped.
func Returns(values []float64) []float64 {
	var out []float64
	for i := 1; i < len(values); i++ {
		prev, cur := values[i-1], values[i]
		if prev <= 0 || cur <= 0 {
			continue
		}
		out = append(out, cur/prev-1)
	}
	return out
}

// TotalReturn is last/first - 1, or 0 when the first value is not positive.
func TotalReturn(values []float64) float64 {
	if len(values) < 2 || values[0] <= 0 {
		return 0
	}
	return values[len(values)-1]/values[0] - 1
}

// PeriodsPerYear derives the sampling frequency from the median spacing of
// the timestamps.
func PeriodsPerYear(times []time.Time) float64 {
	if len(times) < 2 {
		return 365
	}
	gaps := make([]float64, 0, len(times)-1)
	for i := 1; i < len(times); i++ {
		if d := times[i].Sub(times[i-1]); d > 0 {
			gaps = append(gaps, d.Seconds())
		}
	}
	median, err := stats.Median(gaps)
	if err != nil || median <= 0 {
		return 365
	}
	return year.Seconds() / median
}

// Volatility is the sample standard deviation of returns annualised by the
// square root of periodsPerYear.
func Volatility(returns []float64, periodsPerYear float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	sd, err := stats.StandardDeviationSample(returns)
	if err != nil {
		return 0
	}
	return sd * math.Sqrt(periodsPerYear)
}

// SharpeRatio is (annualised mean return - riskFree) / annualised volatility,
// 0 when volatility is 0.
func SharpeRatio(returns []float64, periodsPerYear, riskFree float64) float64 {
	vol := Volatility(returns, periodsPerYear)
	if vol == 0 {
		return 0
	}
	mean, err := stats.Mean(returns)
	if err != nil {
		return 0
	}
	return (mean*periodsPerYear - riskFree) / vol
}

// MaxDrawdown is the largest peak to trough decline as a fraction of the peak.
func MaxDrawdown(values []float64) float64 {
	var peak, worst float64
	for _, v := range values {
		if v > peak {
			peak = v
			continue
		}
		if peak > 0 {
			if dd := (peak - v) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

// Diversification is 1 minus the Herfindahl index of the weights (fractions).
func Diversification(weights map[string]float64) float64 {
	if len(weights) == 0 {
		return 0
	}
	var hhi float64
	for _, w := range weights {
		hhi += w * w
	}
	return 1 - hhi
}

// CorrelationMatrix correlates per-asset price returns across the allocation
// series. Pairs with fewer than three overlapping returns or a constant
// series are left out.
func CorrelationMatrix(allocations []map[string]models.AllocationEntry) map[string]map[string]float64 {
	// returns[symbol][i] is the price return between snapshot i-1 and i.
	returns := make(map[string]map[int]float64)
	for i := 1; i < len(allocations); i++ {
		for sym, cur := range allocations[i] {
			prev, ok := allocations[i-1][sym]
			if !ok || !prev.Price.IsPositive() || !cur.Price.IsPositive() {
				continue
			}
			if returns[sym] == nil {
				returns[sym] = make(map[int]float64)
			}
			returns[sym][i] = cur.Price.InexactFloat64()/prev.Price.InexactFloat64() - 1
		}
	}

	symbols := make([]string, 0, len(returns))
	for sym := range returns {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	matrix := make(map[string]map[string]float64)
	set := func(a, b string, v float64) {
		if matrix[a] == nil {
			matrix[a] = make(map[string]float64)
		}
		matrix[a][b] = v
	}
	for i, a := range symbols {
		for _, b := range symbols[i+1:] {
			var xs, ys []float64
			for idx, ra := range returns[a] {
				if rb, ok := returns[b][idx]; ok {
					xs = append(xs, ra)
					ys = append(ys, rb)
				}
			}
			if len(xs) < 3 || constant(xs) || constant(ys) {
				continue
			}
			c, err := stats.Correlation(xs, ys)
			if err != nil || math.IsNaN(c) {
				continue
			}
			set(a, b, c)
			set(b, a, c)
		}
	}
	for sym := range matrix {
		matrix[sym][sym] = 1
	}
	return matrix
}

func constant(xs []float64) bool {
	sd, err := stats.StandardDeviationPopulation(xs)
	return err != nil || sd == 0
}
