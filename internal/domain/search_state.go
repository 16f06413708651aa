package domain

import (
	"fmt"
	"time"
)

// SearchState tracks a running cutoff search.
// Low is the longest duration known to succeed, High the shortest known to fail.
type SearchState struct {
	Low        time.Duration
	High       time.Duration
	Current    *ProbePeriod
	Iterations int
	History    []ProbeResult
	AtCeiling  bool // the ceiling succeeded; Low == High is expected
}

// Bracket returns the current bracket.
func (s *SearchState) Bracket() Bracket {
	return Bracket{Low: s.Low, High: s.High}
}

// Width returns High - Low.
func (s *SearchState) Width() time.Duration {
	return s.High - s.Low
}

// Record appends a result and updates the iteration counter.
func (s *SearchState) Record(r ProbeResult) {
	s.History = append(s.History, r)
	s.Iterations++
}

// Check verifies the bracket invariants against the recorded history:
// Low < High (Low == High at the ceiling), succeeded durations never exceed
// Low and insufficient-data durations are never below High.
func (s *SearchState) Check() error {
	if s.Low > s.High || (s.Low == s.High && !s.AtCeiling) {
		return fmt.Errorf("bracket collapsed: low %s >= high %s", s.Low, s.High)
	}
	for _, r := range s.History {
		d := r.Period.Duration()
		switch r.State {
		case ProbeSucceeded:
			if d > s.Low {
				return fmt.Errorf("succeeded duration %s above low %s", d, s.Low)
			}
		case ProbeInsufficientData:
			if d < s.High {
				return fmt.Errorf("insufficient-data duration %s below high %s", d, s.High)
			}
		}
	}
	return nil
}
