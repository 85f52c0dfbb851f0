// ABOUTME: Real-time subscriptions to a conversation topic over SSE and WebSocket
// ABOUTME: The first frame carries the subscriber id clients echo back to suppress their own events

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/2389/chat-gateway/internal/store"
)

const (
	// EventSubscribed is the first frame on every subscription.
	EventSubscribed = "subscribed"

	keepaliveInterval = 25 * time.Second
	wsWriteTimeout    = 10 * time.Second
)

// SubscribedFrame tells the client which subscriber id to pass on its own
// sends, typing and lifecycle calls.
type SubscribedFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	SubscriberID   string `json:"subscriber_id"`
}

// subscriptionTarget validates the conversation and the subscriber's role.
// Query: role (visitor or agent, default visitor).
func (g *Gateway) subscriptionTarget(w http.ResponseWriter, r *http.Request) (string, store.Role, bool) {
	role := store.Role(r.URL.Query().Get("role"))
	if role == "" {
		role = store.RoleVisitor
	}
	if role != store.RoleVisitor && role != store.RoleAgent {
		g.sendJSONError(w, http.StatusBadRequest, "role must be visitor or agent")
		return "", "", false
	}
	conv, err := g.conversation.GetConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeServiceError(w, err)
		return "", "", false
	}
	return conv.ID, role, true
}

// handleEvents streams a conversation's events as Server-Sent Events.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	convID, role, ok := g.subscriptionTarget(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	events, subID := g.broadcaster.Subscribe(ctx, convID, role)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	g.writeSSEEvent(w, EventSubscribed, SubscribedFrame{
		Type:           EventSubscribed,
		ConversationID: convID,
		SubscriberID:   subID,
	})
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			g.writeSSEEvent(w, string(ev.Type), ev)
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// handleWebSocket streams a conversation's events as JSON WebSocket frames.
// The socket is push-only; client frames are discarded.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	convID, role, ok := g.subscriptionTarget(w, r)
	if !ok {
		return
	}

	// The widget is embedded on customer sites, so any origin may connect.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		g.logger.Debug("websocket accept failed", "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	// CloseRead keeps control frames flowing and cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	events, subID := g.broadcaster.Subscribe(ctx, convID, role)

	if err := g.writeFrame(ctx, conn, SubscribedFrame{
		Type:           EventSubscribed,
		ConversationID: convID,
		SubscriberID:   subID,
	}); err != nil {
		return
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			pingCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				g.logger.Debug("websocket ping failed", "conversation_id", convID, "error", err)
				return
			}
		case ev, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := g.writeFrame(ctx, conn, ev); err != nil {
				g.logger.Debug("websocket write failed", "conversation_id", convID, "error", err)
				return
			}
		}
	}
}

func (g *Gateway) writeFrame(ctx context.Context, conn *websocket.Conn, v any) error {
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, v)
}
