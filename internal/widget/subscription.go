// ABOUTME: WebSocket subscription to one conversation's real-time topic
// ABOUTME: Reads the subscribed frame for the subscriber id, then relays events until the socket drops

package widget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/2389/chat-gateway/internal/conversation"
	"github.com/2389/chat-gateway/internal/store"
)

const frameSubscribed = "subscribed"

// frame is any server frame. The first carries SubscriberID; the rest are events.
type frame struct {
	conversation.Event
	SubscriberID string `json:"subscriber_id,omitempty"`
}

// Subscription is one live WebSocket subscription. Events closes when the
// socket drops or Close is called.
type Subscription struct {
	ConversationID string
	SubscriberID   string

	events chan *conversation.Event
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Events returns the event stream.
func (s *Subscription) Events() <-chan *conversation.Event {
	return s.events
}

// Close unsubscribes and waits for the reader to stop.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cancel()
		_ = s.conn.Close(websocket.StatusNormalClosure, "")
	})
	<-s.done
}

// Subscribe opens a WebSocket subscription for the visitor side of
// conversationID. It returns once the server has confirmed the subscription.
func (c *Client) Subscribe(ctx context.Context, conversationID string, logger *slog.Logger) (*Subscription, error) {
	if logger == nil {
		logger = slog.Default()
	}
	wsURL, err := c.websocketURL(conversationID)
	if err != nil {
		return nil, err
	}

	opts := &websocket.DialOptions{}
	if tok := c.bearer(); tok != "" {
		opts.HTTPHeader = map[string][]string{"Authorization": {"Bearer " + tok}}
	}
	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return nil, fmt.Errorf("dialing subscription: %w", err)
	}

	var first frame
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		_ = conn.CloseNow()
		return nil, fmt.Errorf("reading subscribed frame: %w", err)
	}
	if string(first.Type) != frameSubscribed || first.SubscriberID == "" {
		_ = conn.Close(websocket.StatusProtocolError, "expected subscribed frame")
		return nil, fmt.Errorf("unexpected first frame %q", first.Type)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		ConversationID: conversationID,
		SubscriberID:   first.SubscriberID,
		events:         make(chan *conversation.Event, 64),
		conn:           conn,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	go sub.read(readCtx, logger.With("component", "subscription", "conversation_id", conversationID))
	return sub, nil
}

func (s *Subscription) read(ctx context.Context, logger *slog.Logger) {
	defer close(s.done)
	defer close(s.events)
	defer func() { _ = s.conn.CloseNow() }()

	for {
		var f frame
		if err := wsjson.Read(ctx, s.conn, &f); err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure && !errors.Is(err, context.Canceled) {
				logger.Debug("subscription dropped", "error", err)
			}
			return
		}
		ev := f.Event
		select {
		case s.events <- &ev:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) websocketURL(conversationID string) (string, error) {
	u, err := url.Parse(c.baseURL + conversationPath(conversationID, "/ws"))
	if err != nil {
		return "", fmt.Errorf("parsing gateway url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("role", string(store.RoleVisitor))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
