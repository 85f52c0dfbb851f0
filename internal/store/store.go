// ABOUTME: Store interface and data types for chat-gateway persistence
// ABOUTME: Defines Conversation, Message, AutomationContext and the Store contract

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when trying to create an entity that already exists
var ErrDuplicate = errors.New("already exists")

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	StatusOpen     ConversationStatus = "open"
	StatusClosed   ConversationStatus = "closed"
	StatusArchived ConversationStatus = "archived"
)

// Valid reports whether s is a known status.
func (s ConversationStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusClosed, StatusArchived:
		return true
	}
	return false
}

// Role identifies who authored a message.
type Role string

const (
	RoleVisitor Role = "visitor"
	RoleAgent   Role = "agent"
	RoleBot     Role = "bot"
	RoleSystem  Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleVisitor, RoleAgent, RoleBot, RoleSystem:
		return true
	}
	return false
}

// ContentKind distinguishes plain text from attachment messages.
type ContentKind string

const (
	KindText  ContentKind = "text"
	KindImage ContentKind = "image"
	KindFile  ContentKind = "file"
)

// Metadata keys written by the engine. The map is open; these are the ones
// the engine reads back.
const (
	MetaOriginalText     = "original_text"
	MetaOriginalLanguage = "original_language"
	MetaSystemEvent      = "system_event" // closed, reopened, rated, holding, escalation
	MetaClosedBy         = "closed_by"
	MetaCloseReason      = "close_reason"
	MetaRating           = "rating"
	MetaRatingComment    = "rating_comment"
	MetaEscalation       = "escalation" // first, repeat
	MetaClientMessageID  = "client_message_id"
)

// Conversation is one visitor-to-owner chat thread.
type Conversation struct {
	ID        string             `json:"id"`
	OwnerID   string             `json:"owner_id"`
	WidgetKey string             `json:"widget_key"`
	VisitorID string             `json:"visitor_id"`
	Status    ConversationStatus `json:"status"`
	Language  string             `json:"language,omitempty"`

	VisitorName  string `json:"visitor_name,omitempty"`
	VisitorEmail string `json:"visitor_email,omitempty"`
	VisitorPhone string `json:"visitor_phone,omitempty"`
	Country      string `json:"country,omitempty"`

	// UnreadByAgent is set when a visitor message arrives and cleared when an
	// agent reads. UnreadByVisitor is the mirror for agent/bot messages.
	UnreadByAgent   bool `json:"unread_by_agent"`
	UnreadByVisitor bool `json:"unread_by_visitor"`

	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
	ClosedBy       string     `json:"closed_by,omitempty"`
	CloseReason    string     `json:"close_reason,omitempty"`

	Rating        *int   `json:"rating,omitempty"`
	RatingComment string `json:"rating_comment,omitempty"`
}

// IsOpen reports whether messages may be appended.
func (c *Conversation) IsOpen() bool {
	return c.Status == StatusOpen
}

// Attachment describes a stored upload. The engine never stores file bytes.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// Message is one unit of communication inside a conversation.
// Messages are immutable after creation except for DeliveredAt and ReadAt.
type Message struct {
	ID             int64             `json:"id"`
	ConversationID string            `json:"conversation_id"`
	Role           Role              `json:"role"`
	ActorID        string            `json:"actor_id,omitempty"`
	Kind           ContentKind       `json:"kind"`
	Content        string            `json:"content"`
	Attachment     *Attachment       `json:"attachment,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	DeliveredAt    *time.Time        `json:"delivered_at,omitempty"`
	ReadAt         *time.Time        `json:"read_at,omitempty"`
}

// Translated reports whether the message content was machine translated.
func (m *Message) Translated() bool {
	_, ok := m.Metadata[MetaOriginalText]
	return ok
}

// AutomationContext tracks automation usage for a single conversation.
type AutomationContext struct {
	ConversationID string `json:"conversation_id"`

	// ReplyCount is the number of automated replies in the current window.
	ReplyCount  int        `json:"reply_count"`
	LastReplyAt *time.Time `json:"last_reply_at,omitempty"`

	// QuotaHitAt is set when ReplyCount first reached the quota and cleared on reset.
	QuotaHitAt *time.Time `json:"quota_hit_at,omitempty"`
	// LastQuotaNotifyAt is when a human was last notified about the exhausted quota.
	LastQuotaNotifyAt *time.Time `json:"last_quota_notify_at,omitempty"`

	// EscalatedAt marks the start of the current escalation episode.
	EscalatedAt *time.Time `json:"escalated_at,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// MessagePage is one page of a conversation, newest message first.
type MessagePage struct {
	Messages []*Message
	HasMore  bool
	OldestID int64
}

// Store defines the interface for conversation and message persistence
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	UpdateConversation(ctx context.Context, conv *Conversation) error
	ListConversationsByVisitor(ctx context.Context, visitorID string, limit int) ([]*Conversation, error)
	ListConversationsByOwner(ctx context.Context, ownerID string, status ConversationStatus, limit int) ([]*Conversation, error)

	// Messages
	AppendMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, conversationID string, id int64) (*Message, error)
	ListMessagesBefore(ctx context.Context, conversationID string, beforeID int64, limit int) (*MessagePage, error)
	ListMessagesAfter(ctx context.Context, conversationID string, afterID int64, limit int) ([]*Message, error)
	LastMessageByRole(ctx context.Context, conversationID string, role Role) (*Message, error)
	MarkDelivered(ctx context.Context, conversationID string, upToID int64, recipient Role, at time.Time) (int64, error)
	MarkRead(ctx context.Context, conversationID string, upToID int64, reader Role, at time.Time) (int64, error)

	// Automation context
	GetAutomationContext(ctx context.Context, conversationID string) (*AutomationContext, error)
	SaveAutomationContext(ctx context.Context, ac *AutomationContext) error

	// Close releases any resources held by the store
	Close() error
}

// UsageStore defines the counters behind the account usage limiter.
type UsageStore interface {
	IncrementUsage(ctx context.Context, ownerID, feature, period string) (int64, error)
	GetUsage(ctx context.Context, ownerID, feature, period string) (int64, error)
}

// authoredBy reports whether a message is "from" the given side of the chat.
// Agent and bot messages both count as the owner side.
func authoredBy(msgRole, side Role) bool {
	switch side {
	case RoleVisitor:
		return msgRole == RoleVisitor
	case RoleAgent, RoleBot:
		return msgRole == RoleAgent || msgRole == RoleBot
	}
	return false
}
