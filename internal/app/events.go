package app

import (
	"sync"

	"cutoff-lab/internal/orchestrator"
)

// Broadcast forwards events to every attached sink. Sinks can be attached
// after the orchestrator was built.
type Broadcast struct {
	mu    sync.RWMutex
	sinks []orchestrator.EventSink
}

var _ orchestrator.EventSink = (*Broadcast)(nil)

// Attach adds a sink.
func (b *Broadcast) Attach(s orchestrator.EventSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

func (b *Broadcast) Publish(e orchestrator.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.sinks {
		s.Publish(e)
	}
}
