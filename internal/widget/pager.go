// ABOUTME: Cursor pagination over a conversation's history
// ABOUTME: Newest page first, then older pages via before_id until has_more is false

package widget

import (
	"context"
	"slices"

	"github.com/2389/chat-gateway/internal/store"
)

// DefaultPageSize is the history page size the widget asks for.
const DefaultPageSize = 30

// Pager walks a conversation's history backwards. Not safe for concurrent use.
type Pager struct {
	client         *Client
	conversationID string
	limit          int

	started  bool
	hasMore  bool
	oldestID int64
}

// NewPager creates a pager. limit <= 0 uses DefaultPageSize.
func NewPager(client *Client, conversationID string, limit int) *Pager {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	return &Pager{client: client, conversationID: conversationID, limit: limit}
}

// Latest fetches the newest page and resets the cursor. Messages are
// returned oldest first for display.
func (p *Pager) Latest(ctx context.Context) ([]*store.Message, error) {
	p.started = false
	p.hasMore = false
	p.oldestID = 0
	return p.fetch(ctx, 0)
}

// LoadOlder fetches the page before the oldest message seen so far. It
// returns nil once the start of the conversation has been reached.
func (p *Pager) LoadOlder(ctx context.Context) ([]*store.Message, error) {
	if !p.started {
		return p.Latest(ctx)
	}
	if !p.hasMore {
		return nil, nil
	}
	return p.fetch(ctx, p.oldestID)
}

// HasMore reports whether older messages remain.
func (p *Pager) HasMore() bool {
	return !p.started || p.hasMore
}

func (p *Pager) fetch(ctx context.Context, beforeID int64) ([]*store.Message, error) {
	page, err := p.client.Messages(ctx, p.conversationID, beforeID, p.limit)
	if err != nil {
		return nil, err
	}
	p.started = true
	p.hasMore = page.HasMore
	if page.OldestID > 0 {
		p.oldestID = page.OldestID
	} else if n := len(page.Messages); n > 0 {
		p.oldestID = page.Messages[n-1].ID
	}

	msgs := slices.Clone(page.Messages)
	slices.Reverse(msgs)
	return msgs, nil
}
