package widget

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chat-gateway/internal/store"
)

// startLoop runs l until the test ends.
func startLoop(t *testing.T, l *Loop) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		// Drain so Run never blocks on a full updates channel.
		for range l.Updates() {
		}
		assert.NoError(t, <-errCh)
	})
}

// waitFor returns the first update matching match.
func waitFor(t *testing.T, l *Loop, match func(Update) bool) Update {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case u, ok := <-l.Updates():
			require.True(t, ok, "loop stopped")
			if match(u) {
				return u
			}
		case <-timeout:
			t.Fatal("timed out waiting for update")
		}
	}
}

// waitForMessage waits until a message with content arrives.
func waitForMessage(t *testing.T, l *Loop, content string) *store.Message {
	t.Helper()
	var found *store.Message
	waitFor(t, l, func(u Update) bool {
		for _, m := range u.Messages {
			if m.Content == content {
				found = m
				return true
			}
		}
		return false
	})
	return found
}

func kind(k UpdateKind) func(Update) bool {
	return func(u Update) bool { return u.Kind == k }
}

func TestLoop_FirstSendStartsAndSubscribes(t *testing.T) {
	base := newTestGateway(t, nil)
	s := newTestSession()
	l := NewLoop(NewClient(base, nil), s, LoopConfig{WidgetKey: "w1"}, testLogger())
	startLoop(t, l)

	resumed := waitFor(t, l, kind(UpdateResumed))
	assert.True(t, resumed.Resumed.FreshStart)

	ctx := context.Background()
	require.NoError(t, l.Send(ctx, "hello"))

	first := waitFor(t, l, kind(UpdateMessages))
	require.Len(t, first.Messages, 2, "visitor message and automated reply")
	assert.Equal(t, store.RoleVisitor, first.Messages[0].Role)
	assert.Equal(t, store.RoleBot, first.Messages[1].Role)

	conn := waitFor(t, l, kind(UpdateConnection))
	assert.True(t, conn.Subscribed)

	convID := s.ConversationID()
	require.NotEmpty(t, convID)
	assert.Len(t, s.CachedMessages(), 2)

	// With the subscription live, the agent's reply arrives in real time.
	agentSay(t, base, convID, "hi, I'm here")
	waitForMessage(t, l, "hi, I'm here")
}

func TestLoop_PollingOnly(t *testing.T) {
	base := newTestGateway(t, nil)
	c := NewClient(base, nil)
	s := newTestSession()

	visitorID, err := s.VisitorID()
	require.NoError(t, err)
	started, err := c.Start(context.Background(), "w1", visitorID, "hello", VisitorProfile{})
	require.NoError(t, err)

	l := NewLoop(c, s, LoopConfig{
		WidgetKey:       "w1",
		PollInterval:    20 * time.Millisecond,
		DisableRealtime: true,
	}, testLogger())
	startLoop(t, l)

	resumed := waitFor(t, l, kind(UpdateResumed))
	require.NotNil(t, resumed.Resumed.Conversation)
	assert.Equal(t, started.ConversationID, resumed.Resumed.Conversation.ID)
	assert.Equal(t, []string{"hello", started.AutoReply.Content}, contents(resumed.Resumed.Messages))

	agentSay(t, base, started.ConversationID, "polled reply")
	msg := waitForMessage(t, l, "polled reply")
	assert.Equal(t, store.RoleAgent, msg.Role)

	// A close seen only through polling still updates the status.
	post(t, base, "/api/conversations/"+started.ConversationID+"/close", map[string]string{"closed_by": "agent"})
	closed := waitFor(t, l, kind(UpdateClosed))
	assert.Equal(t, store.StatusClosed, closed.Closed.Status)
	assert.Equal(t, "agent", closed.Closed.ClosedBy)

	assert.ErrorIs(t, l.Send(context.Background(), "anyone?"), ErrConversationClosed)
}

func TestLoop_ClosedThenStartNew(t *testing.T) {
	base := newTestGateway(t, nil)
	s := newTestSession()
	l := NewLoop(NewClient(base, nil), s, LoopConfig{WidgetKey: "w1"}, testLogger())
	startLoop(t, l)
	waitFor(t, l, kind(UpdateResumed))

	ctx := context.Background()
	require.NoError(t, l.Send(ctx, "hello"))
	waitFor(t, l, kind(UpdateConnection))
	firstID := s.ConversationID()

	post(t, base, "/api/conversations/"+firstID+"/close", map[string]string{"closed_by": "agent", "reason": "resolved"})
	closed := waitFor(t, l, kind(UpdateClosed))
	assert.Equal(t, "resolved", closed.Closed.Reason)

	assert.ErrorIs(t, l.Send(ctx, "one more thing"), ErrConversationClosed)
	require.NoError(t, l.Rate(ctx, 5, "thanks"))

	require.NoError(t, l.StartNew(ctx))
	assert.Empty(t, s.ConversationID())
	require.NoError(t, l.Send(ctx, "new question"))
	waitForMessage(t, l, "new question")
	assert.NotEqual(t, firstID, s.ConversationID())
}

func TestLoop_TypingAndHistory(t *testing.T) {
	base := newTestGateway(t, nil)
	s := newTestSession()
	l := NewLoop(NewClient(base, nil), s, LoopConfig{
		WidgetKey:      "w1",
		TypingDebounce: 10 * time.Millisecond,
		PageSize:       2,
	}, testLogger())
	startLoop(t, l)
	waitFor(t, l, kind(UpdateResumed))

	ctx := context.Background()
	_, err := l.LoadOlder(ctx)
	assert.ErrorIs(t, err, ErrNoConversation)
	assert.NoError(t, l.Typing(ctx), "typing before a conversation exists is a no-op")

	require.NoError(t, l.Send(ctx, "hello"))
	waitFor(t, l, kind(UpdateConnection))
	convID := s.ConversationID()

	require.NoError(t, l.Typing(ctx))
	require.NoError(t, l.Typing(ctx))
	require.NoError(t, l.SetVisible(ctx, false))
	require.NoError(t, l.SetVisible(ctx, true))

	// Agent typing reaches the visitor.
	post(t, base, "/api/conversations/"+convID+"/typing", map[string]any{"role": "agent", "is_typing": true})
	typing := waitFor(t, l, kind(UpdateTyping))
	assert.True(t, typing.Typing.IsTyping)
	assert.Equal(t, store.RoleAgent, typing.Typing.Role)

	// The pager starts at the newest page, already seen, then walks back.
	older, err := l.LoadOlder(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello"}, contents(older[:1]))
}
