// ABOUTME: In-memory fan-out event broadcaster, one topic per conversation
// ABOUTME: Tracks subscriber roles so the service can tell whether the other party is present

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/chat-gateway/internal/store"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

type subscriber struct {
	ch   chan *Event
	role store.Role
}

// EventBroadcaster provides in-memory pub/sub for conversation events.
// Delivery is at-most-once: events are dropped for subscribers whose buffer is full,
// and clients recover missed messages through the since-id endpoint.
type EventBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*subscriber // conversationID -> subID -> sub
	logger      *slog.Logger
}

// NewEventBroadcaster creates a broadcaster. Pass nil logger for default.
func NewEventBroadcaster(logger *slog.Logger) *EventBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBroadcaster{
		subscribers: make(map[string]map[string]*subscriber),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for events on the given conversation.
// Returns a channel that receives events and a subscription ID the subscriber
// passes back when it publishes, so it does not receive its own echo.
// The subscription is automatically cleaned up when ctx is cancelled.
func (b *EventBroadcaster) Subscribe(ctx context.Context, conversationID string, role store.Role) (<-chan *Event, string) {
	subID := uuid.New().String()
	sub := &subscriber{
		ch:   make(chan *Event, subscriberBufferSize),
		role: role,
	}

	b.mu.Lock()
	if _, ok := b.subscribers[conversationID]; !ok {
		b.subscribers[conversationID] = make(map[string]*subscriber)
	}
	b.subscribers[conversationID][subID] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added",
		"conversation_id", conversationID,
		"sub_id", subID,
		"role", role)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(conversationID, subID)
	}()

	return sub.ch, subID
}

// Publish sends an event to all subscribers of the given conversation.
// If excludeSubID is non-empty, that subscriber is skipped.
// Non-blocking: events are dropped for subscribers whose channels are full.
func (b *EventBroadcaster) Publish(conversationID string, event *Event, excludeSubID string) {
	// Sends never block, so holding the read lock keeps Unsubscribe from
	// closing a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.subscribers[conversationID] {
		if excludeSubID != "" && id == excludeSubID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"conversation_id", conversationID,
				"sub_id", id,
				"event_type", event.Type)
		}
	}
}

// SubscriberCount returns how many subscribers of the given role are attached
// to the conversation. Agent and bot count as the same side.
func (b *EventBroadcaster) SubscriberCount(conversationID string, role store.Role) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, sub := range b.subscribers[conversationID] {
		if sameSide(sub.role, role) {
			n++
		}
	}
	return n
}

func sameSide(a, b store.Role) bool {
	if a == b {
		return true
	}
	owner := func(r store.Role) bool { return r == store.RoleAgent || r == store.RoleBot }
	return owner(a) && owner(b)
}

// Unsubscribe removes a subscription and closes its channel.
func (b *EventBroadcaster) Unsubscribe(conversationID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[conversationID]
	if !ok {
		return
	}

	sub, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(sub.ch)

	// Clean up empty conversation entries
	if len(subs) == 0 {
		delete(b.subscribers, conversationID)
	}

	b.logger.Debug("subscriber removed",
		"conversation_id", conversationID,
		"sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *EventBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for convID, subs := range b.subscribers {
		for subID, sub := range subs {
			close(sub.ch)
			delete(subs, subID)
		}
		delete(b.subscribers, convID)
	}

	b.logger.Debug("broadcaster closed")
}

var _ Channel = (*EventBroadcaster)(nil)
