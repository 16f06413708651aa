package domain

import (
	"fmt"
	"time"
)

// Duration units used by search schedules.
const (
	Day   = 24 * time.Hour
	Week  = 7 * Day
	Month = 30 * Day
)

// ProbePeriod is a candidate backtest window. Its duration is always derived
// from Start and End.
type ProbePeriod struct {
	Start time.Time
	End   time.Time
	Label string
}

// PeriodEndingAt builds a period of length d that ends at end.
func PeriodEndingAt(end time.Time, d time.Duration, label string) ProbePeriod {
	return ProbePeriod{
		Start: end.Add(-d),
		End:   end,
		Label: label,
	}
}

// Duration returns End - Start.
func (p ProbePeriod) Duration() time.Duration {
	return p.End.Sub(p.Start)
}

// IsZero reports whether the period is unset.
func (p ProbePeriod) IsZero() bool {
	return p.Start.IsZero() && p.End.IsZero()
}

// String renders the period for logs.
func (p ProbePeriod) String() string {
	if p.Label != "" {
		return fmt.Sprintf("%s [%s, %s]", p.Label, p.Start.UTC().Format(time.RFC3339), p.End.UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf("[%s, %s]", p.Start.UTC().Format(time.RFC3339), p.End.UTC().Format(time.RFC3339))
}

// FormatSpan renders a duration in the coarsest exact unit (months, weeks, days, hours).
func FormatSpan(d time.Duration) string {
	switch {
	case d <= 0:
		return "0h"
	case d%Month == 0:
		return fmt.Sprintf("%dmo", d/Month)
	case d%Week == 0:
		return fmt.Sprintf("%dw", d/Week)
	case d%Day == 0:
		return fmt.Sprintf("%dd", d/Day)
	default:
		return fmt.Sprintf("%dh", d/time.Hour)
	}
}
