package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chat-gateway/internal/conversation"
	"github.com/2389/chat-gateway/internal/store"
)

func newRelay(t *testing.T, mr *miniredis.Miniredis, node string) (*RedisRelay, *conversation.EventBroadcaster) {
	t.Helper()
	local := conversation.NewEventBroadcaster(nil)
	t.Cleanup(local.Close)

	relay, err := NewRedisRelay(context.Background(), local, RedisOptions{
		Addr:    mr.Addr(),
		Channel: "chat-test",
		NodeID:  node,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = relay.Close() })
	return relay, local
}

func waitEvent(t *testing.T, ch <-chan *conversation.Event) *conversation.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relayed event")
		return nil
	}
}

func TestRedisRelay_FansOutAcrossNodes(t *testing.T) {
	mr := miniredis.RunT(t)
	nodeA, localA := newRelay(t, mr, "node-a")
	_, localB := newRelay(t, mr, "node-b")

	ctx := t.Context()
	onA, _ := localA.Subscribe(ctx, "conv-1", store.RoleAgent)
	onB, _ := localB.Subscribe(ctx, "conv-1", store.RoleVisitor)

	nodeA.Publish("conv-1", &conversation.Event{
		Type:           conversation.EventTyping,
		ConversationID: "conv-1",
		Typing:         &conversation.TypingState{IsTyping: true, Role: store.RoleBot},
		At:             time.Now(),
	}, "")

	local := waitEvent(t, onA)
	assert.Equal(t, conversation.EventTyping, local.Type)

	remote := waitEvent(t, onB)
	assert.Equal(t, conversation.EventTyping, remote.Type)
	require.NotNil(t, remote.Typing)
	assert.True(t, remote.Typing.IsTyping)
	assert.Equal(t, store.RoleBot, remote.Typing.Role)

	select {
	case evt := <-onA:
		t.Fatalf("own node replayed its event: %+v", evt)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRedisRelay_CarriesMessagesAndExclusion(t *testing.T) {
	mr := miniredis.RunT(t)
	nodeA, _ := newRelay(t, mr, "node-a")
	_, localB := newRelay(t, mr, "node-b")

	ctx := t.Context()
	watcher, _ := localB.Subscribe(ctx, "conv-1", store.RoleAgent)

	msg := &store.Message{
		ID:             42,
		ConversationID: "conv-1",
		Role:           store.RoleVisitor,
		Kind:           store.KindText,
		Content:        "hello from node a",
		Metadata:       map[string]string{store.MetaOriginalLanguage: "de"},
		CreatedAt:      time.Now().UTC(),
	}
	nodeA.Publish("conv-1", &conversation.Event{
		Type:           conversation.EventNewMessage,
		ConversationID: "conv-1",
		Message:        msg,
		At:             msg.CreatedAt,
	}, "sub-that-only-exists-on-a")

	evt := waitEvent(t, watcher)
	require.NotNil(t, evt.Message)
	assert.Equal(t, int64(42), evt.Message.ID)
	assert.Equal(t, "hello from node a", evt.Message.Content)
	assert.Equal(t, "de", evt.Message.Metadata[store.MetaOriginalLanguage])
}

func TestRedisRelay_PresenceIsLocal(t *testing.T) {
	mr := miniredis.RunT(t)
	relay, local := newRelay(t, mr, "node-a")

	local.Subscribe(t.Context(), "conv-1", store.RoleAgent)
	assert.Equal(t, 1, relay.SubscriberCount("conv-1", store.RoleAgent))
	assert.Equal(t, 0, relay.SubscriberCount("conv-1", store.RoleVisitor))
}

func TestNewRedisRelay_Unreachable(t *testing.T) {
	local := conversation.NewEventBroadcaster(nil)
	defer local.Close()

	_, err := NewRedisRelay(context.Background(), local, RedisOptions{Addr: "127.0.0.1:1", Channel: "x", NodeID: "n"}, nil)
	assert.Error(t, err)
}
