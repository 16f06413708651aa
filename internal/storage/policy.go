package storage

import (
	"fmt"
	"time"

	"cutoff-lab/internal/domain"
)

// DefaultStaleAfter is the age after which a stored cutoff may be replaced
// by any new discovery.
const DefaultStaleAfter = 30 * 24 * time.Hour

// ReplacePolicy decides whether an incoming cutoff may overwrite a stored one.
type ReplacePolicy struct {
	StaleAfter time.Duration    // zero means DefaultStaleAfter
	Now        func() time.Time // nil means time.Now
}

// Accepts reports whether incoming may replace existing:
//   - nothing is stored yet
//   - the stored record is older than StaleAfter
//   - incoming is at least as precise, and not degraded over a precise record
func (p ReplacePolicy) Accepts(existing, incoming *domain.CutoffRecord) bool {
	if existing == nil {
		return true
	}
	if p.IsStale(existing) {
		return true
	}
	if incoming.Degraded && !existing.Degraded {
		return false
	}
	return incoming.PrecisionHours <= existing.PrecisionHours
}

// IsStale reports whether rec is older than the policy's StaleAfter.
func (p ReplacePolicy) IsStale(rec *domain.CutoffRecord) bool {
	staleAfter := p.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return rec.Age(p.now()) > staleAfter
}

func (p ReplacePolicy) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

// ValidateCutoff checks the fields every store requires.
func ValidateCutoff(rec *domain.CutoffRecord) error {
	switch {
	case rec == nil:
		return ErrInvalidInput
	case rec.MarketID == "":
		return fmt.Errorf("%w: empty market id", ErrInvalidInput)
	case rec.CutoffDate.IsZero():
		return fmt.Errorf("%w: zero cutoff date", ErrInvalidInput)
	case rec.PrecisionHours < 0:
		return fmt.Errorf("%w: negative precision", ErrInvalidInput)
	}
	return nil
}

// ValidateProbe checks the fields every probe history store requires.
func ValidateProbe(rec *domain.ProbeRecord) error {
	switch {
	case rec == nil:
		return ErrInvalidInput
	case rec.ProbeID == "":
		return fmt.Errorf("%w: empty probe id", ErrInvalidInput)
	case rec.MarketID == "":
		return fmt.Errorf("%w: empty market id", ErrInvalidInput)
	case !rec.State.IsValid():
		return fmt.Errorf("%w: state %q", ErrInvalidInput, rec.State)
	}
	return nil
}
