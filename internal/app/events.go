package app

import (
	"sync"
	"time"
)

type EventType string

const (
	EventTaskStarted      EventType = "task_started"
	EventAgentThinking    EventType = "agent_thinking"
	EventAgentCompleted   EventType = "agent_completed"
	EventTaskFailed       EventType = "task_failed"
	EventTaskCancelled    EventType = "task_cancelled"
	EventThresholdCrossed EventType = "threshold_crossed"
	EventCostUpdated      EventType = "cost_updated"
	EventSessionChanged   EventType = "session_changed"
)

// Event is the core's progress report to its consumers. The TUI renders
// these; nothing in the core blocks on a slow subscriber.
type Event struct {
	Type      EventType
	SessionID string
	Role      string
	Provider  string
	Model     string
	Text      string
	ErrKind   ProviderErrorKind
	Threshold int
	CostUSD   float64
	At        time.Time
}

// EventFunc receives per-call progress events. May be nil.
type EventFunc func(Event)

// eventBus fans events out to the per-call callback and to long-lived
// subscribers. Publishing never blocks: a subscriber that falls behind loses
// events rather than stalling a provider call.
type eventBus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func newEventBus() *eventBus {
	return &eventBus{subs: map[int]chan Event{}}
}

func (b *eventBus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, 64)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if ch, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
}

func (b *eventBus) publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
