package agent

import (
	zlog "github.com/rs/zerolog/log"
)

// MaxQueued caps the in-memory retry queue. When the collector stays
// unreachable long enough to overflow it, the oldest events are dropped;
// the startup back-scan recovers anything still in the OS log.
const MaxQueued = 5_000

// Queue is the bounded FIFO of events awaiting a successful send.
type Queue struct {
	events []Event
}

func (q *Queue) Push(events ...Event) {
	q.events = append(q.events, events...)
	if over := len(q.events) - MaxQueued; over > 0 {
		q.events = append([]Event(nil), q.events[over:]...)
		zlog.Warn().Int("dropped", over).Msg("retry queue full, dropped oldest events")
	}
}

// Drain returns all pending events in arrival order. The queue keeps them
// until Clear, so a failed send retries the same batch next cycle.
func (q *Queue) Drain() []Event {
	return append([]Event(nil), q.events...)
}

func (q *Queue) Clear() {
	q.events = q.events[:0]
}

func (q *Queue) Len() int {
	return len(q.events)
}
