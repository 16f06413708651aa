package orchestrator

import (
	"time"

	"cutoff-lab/internal/domain"
	"cutoff-lab/internal/execution"
)

// Event types.
const (
	EventProbe      = "probe"
	EventDiscovered = "discovered"
	EventCached     = "cached"
	EventFailed     = "failed"
	EventFinalized  = "finalized"
)

// Event is a progress notification for external observers.
type Event struct {
	Type     string    `json:"type"`
	Market   string    `json:"market"`
	LabID    string    `json:"lab_id"`
	Time     time.Time `json:"time"`
	Period   string    `json:"period,omitempty"`
	State    string    `json:"state,omitempty"`
	Cutoff   string    `json:"cutoff,omitempty"`
	Bracket  string    `json:"bracket,omitempty"`
	Degraded bool      `json:"degraded,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// EventSink receives events. Publish must not block.
type EventSink interface {
	Publish(Event)
}

// ProbeObserver returns a search observer that publishes every probe result.
func ProbeObserver(sink EventSink, clock execution.Clock) func(domain.Lab, domain.ProbeResult) {
	if clock == nil {
		clock = execution.RealClock{}
	}
	return func(lab domain.Lab, res domain.ProbeResult) {
		if sink == nil {
			return
		}
		state := res.State.String()
		if res.Inconclusive {
			state += " (inconclusive)"
		}
		sink.Publish(Event{
			Type:   EventProbe,
			Market: lab.Market.ID(),
			LabID:  lab.ID,
			Time:   clock.Now(),
			Period: res.Period.Label,
			State:  state,
		})
	}
}
