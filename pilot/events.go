package pilot

import (
	"sync"
	"time"
)

// EventType identifies a progress event on the bus.
type EventType string

const (
	EventStepStarted        EventType = "step_started"
	EventStepCompleted      EventType = "step_completed"
	EventStepFailed         EventType = "step_failed"
	EventStepSkipped        EventType = "step_skipped"
	EventExecutionCompleted EventType = "execution_completed"
	EventExecutionError     EventType = "execution_error"
)

// Event is a progress notification emitted during execution.
type Event struct {
	Type        EventType              `json:"type"`
	ExecutionID string                 `json:"execution_id"`
	AgentID     string                 `json:"agent_id"`
	StepIndex   int                    `json:"step_index"`
	StepID      string                 `json:"step_id,omitempty"`
	StepName    string                 `json:"step_name,omitempty"`
	Duration    time.Duration          `json:"duration,omitempty"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// EventBus receives progress events. Publish must not block the execution
// path; implementations drop rather than stall.
type EventBus interface {
	Publish(event Event)
}

// NoOpEventBus discards all events.
type NoOpEventBus struct{}

func (n *NoOpEventBus) Publish(Event) {}

// ChannelEventBus fans events out to subscriber channels. Slow subscribers
// lose events instead of blocking the publisher.
type ChannelEventBus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	bufferSize  int
}

// NewChannelEventBus creates a bus with the given per-subscriber buffer.
func NewChannelEventBus(bufferSize int) *ChannelEventBus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &ChannelEventBus{
		subscribers: make(map[int]chan Event),
		bufferSize:  bufferSize,
	}
}

// Publish delivers the event to every subscriber without blocking.
func (b *ChannelEventBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel function
// removes the subscription and closes the channel.
func (b *ChannelEventBus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.bufferSize)
	b.subscribers[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(sub)
		}
	}
	return ch, cancel
}

// SubscriberCount reports active subscriptions.
func (b *ChannelEventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
