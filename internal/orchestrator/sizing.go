package orchestrator

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// amountPlaces is the precision of sized trade amounts.
const amountPlaces = 8

// TradeAmount converts a quote-currency notional into a base amount at price,
// truncated so the amount never exceeds the notional.
func TradeAmount(notional, price decimal.Decimal) (decimal.Decimal, error) {
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive price %s", price)
	}
	if !notional.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive notional %s", notional)
	}
	amount := notional.DivRound(price, amountPlaces+4).Truncate(amountPlaces)
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("notional %s too small at price %s", notional, price)
	}
	return amount, nil
}

var cutoffSuffix = regexp.MustCompile(`\s*\[cutoff \d{4}-\d{2}-\d{2}\]$`)

// CutoffName embeds the cutoff date in a lab name, replacing an earlier tag.
func CutoffName(name string, cutoff time.Time) string {
	base := strings.TrimSpace(cutoffSuffix.ReplaceAllString(strings.TrimSpace(name), ""))
	tag := fmt.Sprintf("[cutoff %s]", cutoff.UTC().Format("2006-01-02"))
	if base == "" {
		return tag
	}
	return base + " " + tag
}
