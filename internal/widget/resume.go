// ABOUTME: Resumption on load: session conversation first, then the visitor's open history
// ABOUTME: Falls back to a fresh start that still shows earlier conversations read-only

package widget

import (
	"context"
	"fmt"
	"net/http"

	"github.com/2389/chat-gateway/internal/store"
)

// Resumed is the outcome of Resume.
type Resumed struct {
	// Conversation is the resumed conversation, nil on a fresh start.
	Conversation *store.Conversation
	// Messages is the newest history page of Conversation, oldest first.
	Messages []*store.Message
	Pager    *Pager

	// FreshStart means no open conversation was found; the next send starts one.
	FreshStart bool
	// History lists the visitor's earlier conversations for read-only display.
	History []*store.Conversation
}

// Resume picks the conversation to continue:
//  1. the session's conversation id, fetched directly with its status;
//  2. otherwise the visitor's most recently active open conversation;
//  3. otherwise a fresh start, with the visitor's history attached.
//
// A session conversation the gateway no longer knows is forgotten.
func Resume(ctx context.Context, client *Client, session *Session, pageSize int) (*Resumed, error) {
	if id := session.ConversationID(); id != "" {
		res, err := load(ctx, client, id, pageSize)
		if err == nil {
			if err := session.CacheMessages(res.Messages); err != nil {
				return nil, err
			}
			return res, nil
		}
		if !IsStatus(err, http.StatusNotFound) {
			return nil, err
		}
		if err := session.ClearConversation(); err != nil {
			return nil, err
		}
	}

	visitorID, err := session.VisitorID()
	if err != nil {
		return nil, fmt.Errorf("loading visitor id: %w", err)
	}
	history, err := client.VisitorConversations(ctx, visitorID)
	switch {
	case IsStatus(err, http.StatusUnauthorized), IsStatus(err, http.StatusForbidden):
		// No usable token yet, so there is no history to resume.
		return &Resumed{FreshStart: true}, nil
	case err != nil:
		return nil, err
	}

	for _, conv := range history {
		if conv.Status != store.StatusOpen {
			continue
		}
		res, err := load(ctx, client, conv.ID, pageSize)
		if err != nil {
			return nil, err
		}
		if err := session.SetConversationID(conv.ID); err != nil {
			return nil, err
		}
		if err := session.CacheMessages(res.Messages); err != nil {
			return nil, err
		}
		res.History = history
		return res, nil
	}

	return &Resumed{FreshStart: true, History: history}, nil
}

func load(ctx context.Context, client *Client, conversationID string, pageSize int) (*Resumed, error) {
	conv, err := client.Conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	pager := NewPager(client, conv.ID, pageSize)
	msgs, err := pager.Latest(ctx)
	if err != nil {
		return nil, err
	}
	return &Resumed{Conversation: conv, Messages: msgs, Pager: pager}, nil
}
