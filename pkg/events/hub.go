package events

import "sync"

const subscriberBuffer = 100

// Event is one delivered notification.
type Event struct {
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
}

// Hub fans events out to per-conversation subscribers. Delivery is
// non-blocking: a full subscriber channel drops the event rather than
// stalling the publisher.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string][]chan Event
}

// NewHub creates an event hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[string][]chan Event)}
}

// Publish delivers an event to every subscriber of the conversation. The send
// happens under the read lock: Unsubscribe closes channels under the write
// lock, so a send can never race the close.
func (h *Hub) Publish(conversationID string, event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subscribers[conversationID] {
		select {
		case ch <- event:
		default:
			// Channel full, skip
		}
	}
}

// Subscribe registers a listener for a conversation's events.
func (h *Hub) Subscribe(conversationID string) <-chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	h.subscribers[conversationID] = append(h.subscribers[conversationID], ch)
	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (h *Hub) Unsubscribe(conversationID string, ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subscribers := h.subscribers[conversationID]
	for i, sub := range subscribers {
		if sub == ch {
			h.subscribers[conversationID] = append(subscribers[:i], subscribers[i+1:]...)
			close(sub)
			break
		}
	}
	if len(h.subscribers[conversationID]) == 0 {
		delete(h.subscribers, conversationID)
	}
}

// ConversationSink returns a Sink that publishes into one conversation's
// stream.
func (h *Hub) ConversationSink(conversationID string) Sink {
	return SinkFunc(func(event string, payload any) {
		h.Publish(conversationID, Event{Name: event, Payload: payload})
	})
}
