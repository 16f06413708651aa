package domain

import (
	"fmt"
	"strings"
)

// Market identifies a tradable pair on one exchange.
// Markets are value types and never change once created.
type Market struct {
	Exchange string // e.g. BINANCE
	Base     string // e.g. BTC
	Quote    string // e.g. USDT
}

// NewMarket normalizes the parts to upper case.
func NewMarket(exchange, base, quote string) Market {
	return Market{
		Exchange: strings.ToUpper(strings.TrimSpace(exchange)),
		Base:     strings.ToUpper(strings.TrimSpace(base)),
		Quote:    strings.ToUpper(strings.TrimSpace(quote)),
	}
}

// ID returns the canonical market key: EXCHANGE_BASE_QUOTE.
func (m Market) ID() string {
	return m.Exchange + "_" + m.Base + "_" + m.Quote
}

// String returns the canonical market key.
func (m Market) String() string {
	return m.ID()
}

// IsValid checks that every part is set.
func (m Market) IsValid() bool {
	return m.Exchange != "" && m.Base != "" && m.Quote != ""
}

// ParseMarket parses a canonical market key produced by Market.ID.
func ParseMarket(id string) (Market, error) {
	parts := strings.Split(strings.TrimSpace(id), "_")
	if len(parts) != 3 {
		return Market{}, fmt.Errorf("invalid market id %q: want EXCHANGE_BASE_QUOTE", id)
	}
	m := NewMarket(parts[0], parts[1], parts[2])
	if !m.IsValid() {
		return Market{}, fmt.Errorf("invalid market id %q: empty component", id)
	}
	return m, nil
}
