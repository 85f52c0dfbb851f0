// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation      // keyed by conversation ID
	messages      map[string][]*Message         // keyed by conversation ID, ascending id
	automation    map[string]*AutomationContext // keyed by conversation ID
	usage         map[string]int64              // keyed by "owner:feature:period"
	nextID        int64

	// Err, when set, is returned by every method. Lets tests exercise failure paths.
	Err error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		automation:    make(map[string]*AutomationContext),
		usage:         make(map[string]int64),
	}
}

// SetError makes every subsequent call fail with err (nil restores normal behaviour).
func (m *MockStore) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}

func copyConversation(c *Conversation) *Conversation {
	cp := *c
	if c.ClosedAt != nil {
		t := *c.ClosedAt
		cp.ClosedAt = &t
	}
	if c.Rating != nil {
		r := *c.Rating
		cp.Rating = &r
	}
	return &cp
}

func copyMessage(msg *Message) *Message {
	cp := *msg
	if msg.Attachment != nil {
		a := *msg.Attachment
		cp.Attachment = &a
	}
	if msg.Metadata != nil {
		cp.Metadata = make(map[string]string, len(msg.Metadata))
		for k, v := range msg.Metadata {
			cp.Metadata[k] = v
		}
	}
	if msg.DeliveredAt != nil {
		t := *msg.DeliveredAt
		cp.DeliveredAt = &t
	}
	if msg.ReadAt != nil {
		t := *msg.ReadAt
		cp.ReadAt = &t
	}
	return &cp
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	if _, ok := m.conversations[conv.ID]; ok {
		return ErrDuplicate
	}
	m.conversations[conv.ID] = copyConversation(conv)
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConversation(c), nil
}

// UpdateConversation replaces an existing conversation.
func (m *MockStore) UpdateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	existing, ok := m.conversations[conv.ID]
	if !ok {
		return ErrNotFound
	}
	c := copyConversation(conv)
	// Identity fields are fixed at creation.
	c.OwnerID = existing.OwnerID
	c.WidgetKey = existing.WidgetKey
	c.VisitorID = existing.VisitorID
	c.CreatedAt = existing.CreatedAt
	m.conversations[conv.ID] = c
	return nil
}

// ListConversationsByVisitor returns a visitor's conversations, most recent activity first.
func (m *MockStore) ListConversationsByVisitor(ctx context.Context, visitorID string, limit int) ([]*Conversation, error) {
	return m.listConversations(func(c *Conversation) bool {
		return c.VisitorID == visitorID
	}, limit)
}

// ListConversationsByOwner returns an owner's conversations, most recent activity first.
func (m *MockStore) ListConversationsByOwner(ctx context.Context, ownerID string, status ConversationStatus, limit int) ([]*Conversation, error) {
	return m.listConversations(func(c *Conversation) bool {
		return c.OwnerID == ownerID && (status == "" || c.Status == status)
	}, limit)
}

func (m *MockStore) listConversations(match func(*Conversation) bool, limit int) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	var convs []*Conversation
	for _, c := range m.conversations {
		if match(c) {
			convs = append(convs, copyConversation(c))
		}
	}
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].LastActivityAt.After(convs[j].LastActivityAt)
	})

	limit = clampLimit(limit)
	if len(convs) > limit {
		convs = convs[:limit]
	}
	return convs, nil
}

// AppendMessage stores a message and assigns its ID.
func (m *MockStore) AppendMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	if _, ok := m.conversations[msg.ConversationID]; !ok {
		return errors.New("inserting message: FOREIGN KEY constraint failed")
	}
	if msg.Kind == "" {
		msg.Kind = KindText
	}
	m.nextID++
	msg.ID = m.nextID
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], copyMessage(msg))
	return nil
}

// GetMessage retrieves a single message of a conversation.
func (m *MockStore) GetMessage(ctx context.Context, conversationID string, id int64) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	for _, msg := range m.messages[conversationID] {
		if msg.ID == id {
			return copyMessage(msg), nil
		}
	}
	return nil, ErrNotFound
}

// ListMessagesBefore returns up to limit messages older than beforeID, newest first.
func (m *MockStore) ListMessagesBefore(ctx context.Context, conversationID string, beforeID int64, limit int) (*MessagePage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	limit = clampLimit(limit)
	all := m.messages[conversationID]
	var msgs []*Message
	for i := len(all) - 1; i >= 0 && len(msgs) <= limit; i-- {
		if beforeID > 0 && all[i].ID >= beforeID {
			continue
		}
		msgs = append(msgs, copyMessage(all[i]))
	}
	return newMessagePage(msgs, limit), nil
}

// ListMessagesAfter returns up to limit messages newer than afterID, oldest first.
func (m *MockStore) ListMessagesAfter(ctx context.Context, conversationID string, afterID int64, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	limit = clampLimit(limit)
	var msgs []*Message
	for _, msg := range m.messages[conversationID] {
		if msg.ID <= afterID {
			continue
		}
		msgs = append(msgs, copyMessage(msg))
		if len(msgs) == limit {
			break
		}
	}
	return msgs, nil
}

// LastMessageByRole returns the newest message with the given role.
func (m *MockStore) LastMessageByRole(ctx context.Context, conversationID string, role Role) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	all := m.messages[conversationID]
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Role == role {
			return copyMessage(all[i]), nil
		}
	}
	return nil, ErrNotFound
}

// MarkDelivered stamps DeliveredAt on messages addressed to recipient up to upToID.
func (m *MockStore) MarkDelivered(ctx context.Context, conversationID string, upToID int64, recipient Role, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}

	var n int64
	for _, msg := range m.messages[conversationID] {
		if msg.ID > upToID || msg.DeliveredAt != nil || authoredBy(msg.Role, recipient) {
			continue
		}
		t := at
		msg.DeliveredAt = &t
		n++
	}
	return n, nil
}

// MarkRead stamps ReadAt (and DeliveredAt if missing) on messages addressed to reader up to upToID.
func (m *MockStore) MarkRead(ctx context.Context, conversationID string, upToID int64, reader Role, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}

	var n int64
	for _, msg := range m.messages[conversationID] {
		if msg.ID > upToID || msg.ReadAt != nil || authoredBy(msg.Role, reader) {
			continue
		}
		t := at
		msg.ReadAt = &t
		if msg.DeliveredAt == nil {
			d := at
			msg.DeliveredAt = &d
		}
		n++
	}
	return n, nil
}

// GetAutomationContext returns the automation context of a conversation.
func (m *MockStore) GetAutomationContext(ctx context.Context, conversationID string) (*AutomationContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	ac, ok := m.automation[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ac
	return &cp, nil
}

// SaveAutomationContext upserts the automation context of a conversation.
func (m *MockStore) SaveAutomationContext(ctx context.Context, ac *AutomationContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	cp := *ac
	m.automation[ac.ConversationID] = &cp
	return nil
}

func usageKey(ownerID, feature, period string) string {
	return ownerID + ":" + feature + ":" + period
}

// IncrementUsage adds one to a usage counter and returns the new value.
func (m *MockStore) IncrementUsage(ctx context.Context, ownerID, feature, period string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}

	key := usageKey(ownerID, feature, period)
	m.usage[key]++
	return m.usage[key], nil
}

// GetUsage returns a usage counter, zero when absent.
func (m *MockStore) GetUsage(ctx context.Context, ownerID, feature, period string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return 0, m.Err
	}
	return m.usage[usageKey(ownerID, feature, period)], nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements the store interfaces
var (
	_ Store      = (*MockStore)(nil)
	_ UsageStore = (*MockStore)(nil)
)
