package domain

import (
	"fmt"
	"time"
)

// CutoffRecord is a discovered data boundary for one market.
// Lower PrecisionHours is better; 0 means the search stopped at its ceiling.
type CutoffRecord struct {
	MarketID       string
	CutoffDate     time.Time // earliest start with complete history
	PrecisionHours int64     // width of the final bracket
	DiscoveredAt   time.Time
	SourceLabID    string
	Degraded       bool // search stopped before reaching target precision
}

// Age returns how old the record is relative to now.
func (r *CutoffRecord) Age(now time.Time) time.Duration {
	return now.Sub(r.DiscoveredAt)
}

// Bracket bounds the true cutoff by durations: Low passed, High did not.
type Bracket struct {
	Low  time.Duration
	High time.Duration
}

// Width returns High - Low.
func (b Bracket) Width() time.Duration {
	return b.High - b.Low
}

// String renders the bracket for logs and summaries.
func (b Bracket) String() string {
	return fmt.Sprintf("(%s good, %s bad)", FormatSpan(b.Low), FormatSpan(b.High))
}
