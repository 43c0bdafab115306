package crmsync

import (
	"sync"
	"time"
)

type EventKind string

const (
	EventQueue    EventKind = "queue"
	EventConflict EventKind = "conflict"
	EventWebhook  EventKind = "webhook"
)

// Event is one status change, published to live subscribers such as the
// websocket stream.
type Event struct {
	Kind        EventKind  `json:"kind"`
	WorkspaceID string     `json:"workspaceId"`
	EntityType  EntityType `json:"entityType,omitempty"`
	EntityID    string     `json:"entityId,omitempty"`
	ItemID      string     `json:"itemId,omitempty"`
	ConflictID  string     `json:"conflictId,omitempty"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	At          time.Time  `json:"at"`
}

// Broadcaster fans events out to subscribers. Slow subscribers drop events
// rather than stall the sync path.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[chan Event]string
	closed bool
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: map[chan Event]string{}}
}

// Subscribe returns a channel of events for workspaceID, or all workspaces
// when empty. cancel must be called to release it.
func (b *Broadcaster) Subscribe(workspaceID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = workspaceID
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
		})
	}
}

func (b *Broadcaster) Publish(event Event) {
	if b == nil {
		return
	}
	if event.At.IsZero() {
		event.At = utcNow()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch, workspaceID := range b.subs {
		if workspaceID != "" && workspaceID != event.WorkspaceID {
			continue
		}
		select {
		case ch <- event:
		default:
		}
	}
}

func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}
