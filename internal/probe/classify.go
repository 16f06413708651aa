package probe

import (
	"strings"

	"cutoff-lab/internal/domain"
	"cutoff-lab/internal/execution"
)

// DefaultInsufficientMarkers are failure-detail fragments that mean the
// requested period precedes the market's history.
var DefaultInsufficientMarkers = []string{
	"insufficient data",
	"insufficient history",
	"not enough data",
	"no data",
	"no history",
	"no candles",
}

// Classifier maps a terminal execution observation to a probe state.
type Classifier struct {
	InsufficientMarkers []string
}

// DefaultClassifier returns a classifier with DefaultInsufficientMarkers.
func DefaultClassifier() Classifier {
	return Classifier{InsufficientMarkers: DefaultInsufficientMarkers}
}

// Classify returns the probe state for obs.
//   - timeout: TimedOut
//   - succeeded with zero evaluated bars: InsufficientData
//   - failed with an insufficient-data marker: InsufficientData
//   - other failures: Error
func (c Classifier) Classify(obs execution.Observation) domain.TerminalState {
	if obs.TimedOut {
		return domain.ProbeTimedOut
	}
	switch obs.Status {
	case domain.StatusSucceeded:
		if obs.EvaluatedBars == 0 {
			return domain.ProbeInsufficientData
		}
		return domain.ProbeSucceeded
	case domain.StatusFailed:
		if c.isInsufficient(obs.Detail) {
			return domain.ProbeInsufficientData
		}
		return domain.ProbeError
	case domain.StatusCancelled:
		return domain.ProbeCancelled
	default:
		return domain.ProbeError
	}
}

func (c Classifier) isInsufficient(detail string) bool {
	detail = strings.ToLower(detail)
	for _, marker := range c.InsufficientMarkers {
		if marker != "" && strings.Contains(detail, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}
