// ABOUTME: Real-time event types published on a conversation's topic
// ABOUTME: new-message, typing, conversation-closed and messages-read payloads

package conversation

import (
	"time"

	"github.com/2389/chat-gateway/internal/store"
)

// EventType names a real-time event.
type EventType string

const (
	EventNewMessage         EventType = "new-message"
	EventTyping             EventType = "typing"
	EventConversationClosed EventType = "conversation-closed"
	EventMessagesRead       EventType = "messages-read"
)

// Event is one real-time notification on a conversation topic.
// Exactly one payload field is set, matching Type.
type Event struct {
	Type           EventType      `json:"type"`
	ConversationID string         `json:"conversation_id"`
	Message        *store.Message `json:"message,omitempty"`
	Typing         *TypingState   `json:"typing,omitempty"`
	Closed         *ClosedState   `json:"closed,omitempty"`
	Read           *ReadState     `json:"read,omitempty"`
	At             time.Time      `json:"at"`
}

// TypingState is the payload of a typing event.
type TypingState struct {
	IsTyping bool       `json:"is_typing"`
	Role     store.Role `json:"role"`
	ActorID  string     `json:"actor_id,omitempty"`
}

// ClosedState is the payload of a conversation-closed event. Status is
// closed or archived.
type ClosedState struct {
	Status   store.ConversationStatus `json:"status"`
	ClosedBy string                   `json:"closed_by,omitempty"`
	Reason   string                   `json:"reason,omitempty"`
}

// ReadState is the payload of a messages-read event.
type ReadState struct {
	Reader store.Role `json:"reader"`
	UpToID int64      `json:"up_to_id"`
}

func newMessageEvent(msg *store.Message) *Event {
	return &Event{
		Type:           EventNewMessage,
		ConversationID: msg.ConversationID,
		Message:        msg,
		At:             msg.CreatedAt,
	}
}

func typingEvent(conversationID string, state TypingState, at time.Time) *Event {
	return &Event{
		Type:           EventTyping,
		ConversationID: conversationID,
		Typing:         &state,
		At:             at,
	}
}

// Channel is the real-time fan-out the service publishes to.
// Publish is fire-and-forget; a delivery failure never fails the caller.
type Channel interface {
	Publish(conversationID string, event *Event, excludeSubID string)
	SubscriberCount(conversationID string, role store.Role) int
}
