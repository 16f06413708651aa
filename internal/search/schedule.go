package search

import (
	"errors"
	"fmt"
	"time"

	"cutoff-lab/internal/domain"
)

// ErrInvalidSchedule is returned by Schedule.Validate.
var ErrInvalidSchedule = errors.New("invalid search schedule")

// Schedule is the step plan of a search. Steps[0] is the coarse decrement;
// Steps[1:] are the refinement steps, strictly decreasing.
type Schedule struct {
	Ceiling   time.Duration
	Steps     []time.Duration
	Precision time.Duration
	MaxProbes int
	MinWindow time.Duration
}

// DefaultSchedule probes from 36 months down in months, then refines in
// weeks and days to a 24h bracket within 20 probes.
func DefaultSchedule() Schedule {
	return Schedule{
		Ceiling:   36 * domain.Month,
		Steps:     []time.Duration{domain.Month, domain.Week, domain.Day},
		Precision: 24 * time.Hour,
		MaxProbes: 20,
		MinWindow: domain.Day,
	}
}

// Validate checks that the schedule can drive a search.
func (s Schedule) Validate() error {
	switch {
	case s.MinWindow <= 0:
		return fmt.Errorf("%w: min window must be positive", ErrInvalidSchedule)
	case s.Ceiling <= s.MinWindow:
		return fmt.Errorf("%w: ceiling %s must exceed min window %s", ErrInvalidSchedule, s.Ceiling, s.MinWindow)
	case len(s.Steps) == 0:
		return fmt.Errorf("%w: no steps", ErrInvalidSchedule)
	case s.Steps[0] > s.Ceiling:
		return fmt.Errorf("%w: coarse step %s exceeds ceiling %s", ErrInvalidSchedule, s.Steps[0], s.Ceiling)
	case s.Precision <= 0:
		return fmt.Errorf("%w: precision must be positive", ErrInvalidSchedule)
	case s.MaxProbes < 1:
		return fmt.Errorf("%w: max probes must be at least 1", ErrInvalidSchedule)
	}
	for i, step := range s.Steps {
		if step <= 0 {
			return fmt.Errorf("%w: step %d is not positive", ErrInvalidSchedule, i)
		}
		if i > 0 && step >= s.Steps[i-1] {
			return fmt.Errorf("%w: step %d (%s) not smaller than step %d (%s)", ErrInvalidSchedule, i, step, i-1, s.Steps[i-1])
		}
	}
	return nil
}
