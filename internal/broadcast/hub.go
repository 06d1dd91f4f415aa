package broadcast

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"rfidattend/internal/metrics"
)

// Topic names used by the engine.
const (
	TopicAdmin = "admin-broadcast"
)

// RoomTopic returns the topic for one room's monitors.
func RoomTopic(roomID string) string { return "room:" + roomID }

// ClassTopic returns the topic for one schedule slot's dashboards.
func ClassTopic(slotID int64) string { return fmt.Sprintf("class:%d", slotID) }

// PersonTopic returns the topic for one person's own view.
func PersonTopic(personID int64) string { return fmt.Sprintf("person:%d", personID) }

// Event is the JSON shape pushed to live subscribers.
type Event struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// Encode renders the event for an SSE data frame.
func (e Event) Encode() ([]byte, error) { return json.Marshal(e) }

// Subscriber is one live connection's view of the hub. Events arrive on C;
// when the connection cannot keep up, events are dropped rather than
// blocking other subscribers.
type Subscriber struct {
	ID     string
	topics map[string]struct{}
	C      chan Event

	dropped uint64
	closed  atomic.Bool
}

// Dropped reports how many events this subscriber missed.
func (s *Subscriber) Dropped() uint64 { return atomic.LoadUint64(&s.dropped) }

// Hub fans resolved events out to topic-scoped subscribers. Delivery is
// at-least-once to currently attached connections; there is no replay for
// late joiners.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscriber]struct{}
	buf    int
	nextID uint64
}

// NewHub creates a hub whose subscribers buffer up to buf events.
func NewHub(buf int) *Hub {
	if buf <= 0 {
		buf = 32
	}
	return &Hub{subs: make(map[*Subscriber]struct{}), buf: buf}
}

// Subscribe attaches a new subscriber to the given topics.
func (h *Hub) Subscribe(topics ...string) *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscriber{
		ID:     fmt.Sprintf("sub-%d", h.nextID),
		topics: make(map[string]struct{}, len(topics)),
		C:      make(chan Event, h.buf),
	}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
	}
	h.subs[sub] = struct{}{}
	metrics.Subscribers.Inc()
	return sub
}

// Unsubscribe detaches and closes a subscriber. Safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	sub.closed.Store(true)
	close(sub.C)
	metrics.Subscribers.Dec()
}

// Publish delivers ev to every subscriber of topic. Sends are non-blocking:
// a full or dead subscriber drops the event and the publish continues, so
// one slow connection never stalls the rest.
func (h *Hub) Publish(topic string, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if _, ok := sub.topics[topic]; !ok {
			continue
		}
		if sub.closed.Load() {
			continue
		}
		select {
		case sub.C <- ev:
		default:
			atomic.AddUint64(&sub.dropped, 1)
			metrics.PublishDrops.Inc()
		}
	}
}

// SubscriberCount returns the number of attached subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
