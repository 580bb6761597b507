// Package events is an in-process fan-out of lifecycle events to push
// subscribers such as the SSE endpoint.
package events

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event types.
const (
	TypeBugCreated          = "bug.created"
	TypeBugUpdated          = "bug.updated"
	TypeBugBreachStage      = "bug.breach_stage"
	TypeBugAttentionRaised  = "bug.attention_raised"
	TypeBugAttentionCleared = "bug.attention_cleared"
	TypeTaskCreated         = "task.created"
	TypeTaskUpdated         = "task.updated"
)

// Event is one notification delivered to subscribers.
type Event struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	ResourceID string            `json:"resourceId"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// Bus fans events out to subscriber channels. Publish never blocks: a
// subscriber whose buffer is full misses the event.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
}

func New() *Bus {
	return &Bus{
		subscribers: make(map[string]chan Event),
	}
}

func (b *Bus) Subscribe(bufSize int) (string, <-chan Event) {
	id := ulid.Make().String()
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// buffer full, drop event for this subscriber
		}
	}
}

// PublishNew stamps an id and time on a new event and publishes it.
func (b *Bus) PublishNew(eventType, resourceID string, metadata map[string]string) {
	b.Publish(Event{
		ID:         ulid.Make().String(),
		Type:       eventType,
		ResourceID: resourceID,
		Metadata:   metadata,
		CreatedAt:  time.Now().UTC(),
	})
}
