package notify

import (
	"strings"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// Message levels
const (
	LevelInfo     = "info"
	LevelWarning  = "warning"
	LevelCritical = "critical"
)

// Message is a channel-agnostic notification.
type Message struct {
	UserID  uint              `json:"user_id"`
	AlertID *uint             `json:"alert_id,omitempty"`
	Title   string            `json:"title"`
	Body    string            `json:"body"`
	Level   string            `json:"level"`
	Data    map[string]string `json:"data,omitempty"`
}

// FormatAmount renders amount in currency using its symbol and minor units,
// e.g. 1234.5 USD -> $1,234.50. Unknown currencies fall back to a plain
// two decimal rendering followed by the code.
func FormatAmount(amount decimal.Decimal, currency string) string {
	code := strings.ToUpper(strings.TrimSpace(currency))
	if code == "" {
		code = money.USD
	}
	cur := money.GetCurrency(code)
	if cur == nil {
		return amount.StringFixed(2) + " " + code
	}
	factor := decimal.New(1, int32(cur.Fraction))
	minor := amount.Mul(factor).Round(0).IntPart()
	return money.New(minor, code).Display()
}

// FormatPercent renders a percentage with an explicit sign and two decimals.
func FormatPercent(p decimal.Decimal) string {
	s := p.StringFixed(2) + "%"
	if p.IsPositive() {
		return "+" + s
	}
	return s
}
