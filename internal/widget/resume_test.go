package widget

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chat-gateway/internal/config"
	"github.com/2389/chat-gateway/internal/store"
)

func TestResume_FreshVisitor(t *testing.T) {
	base := newTestGateway(t, nil)
	s := newTestSession()

	res, err := Resume(context.Background(), NewClient(base, nil), s, 0)
	require.NoError(t, err)
	assert.True(t, res.FreshStart)
	assert.Nil(t, res.Conversation)
	assert.Empty(t, res.History)
}

func TestResume_SessionConversation(t *testing.T) {
	base := newTestGateway(t, nil)
	c := NewClient(base, nil)
	ctx := context.Background()

	started, err := c.Start(ctx, "w1", "v1", "hello", VisitorProfile{})
	require.NoError(t, err)
	_, err = c.Close(ctx, started.ConversationID, "", "")
	require.NoError(t, err)

	s := newTestSession()
	require.NoError(t, s.SetConversationID(started.ConversationID))

	// The session's conversation wins even when closed; its status is shown.
	res, err := Resume(ctx, c, s, 0)
	require.NoError(t, err)
	require.NotNil(t, res.Conversation)
	assert.Equal(t, started.ConversationID, res.Conversation.ID)
	assert.Equal(t, store.StatusClosed, res.Conversation.Status)
	assert.Equal(t, "hello", res.Messages[0].Content)
	assert.NotEmpty(t, s.CachedMessages())
}

func TestResume_ForgetsUnknownSessionConversation(t *testing.T) {
	base := newTestGateway(t, nil)
	s := newTestSession()
	require.NoError(t, s.SetConversationID("gone"))

	res, err := Resume(context.Background(), NewClient(base, nil), s, 0)
	require.NoError(t, err)
	assert.True(t, res.FreshStart)
	assert.Empty(t, s.ConversationID())
}

func TestResume_PrefersMostRecentOpen(t *testing.T) {
	base := newTestGateway(t, nil)
	c := NewClient(base, nil)
	ctx := context.Background()

	s := newTestSession()
	visitorID, err := s.VisitorID()
	require.NoError(t, err)

	open, err := c.Start(ctx, "w1", visitorID, "still open", VisitorProfile{})
	require.NoError(t, err)
	closed, err := c.Start(ctx, "w1", visitorID, "will close", VisitorProfile{})
	require.NoError(t, err)
	_, err = c.Close(ctx, closed.ConversationID, "", "")
	require.NoError(t, err)

	res, err := Resume(ctx, c, s, 0)
	require.NoError(t, err)
	assert.False(t, res.FreshStart)
	require.NotNil(t, res.Conversation)
	assert.Equal(t, open.ConversationID, res.Conversation.ID)
	assert.Len(t, res.History, 2)
	assert.Equal(t, open.ConversationID, s.ConversationID())
}

func TestResume_AllClosedShowsHistory(t *testing.T) {
	base := newTestGateway(t, nil)
	c := NewClient(base, nil)
	ctx := context.Background()

	s := newTestSession()
	visitorID, err := s.VisitorID()
	require.NoError(t, err)

	started, err := c.Start(ctx, "w1", visitorID, "hello", VisitorProfile{})
	require.NoError(t, err)
	_, err = c.Close(ctx, started.ConversationID, "", "")
	require.NoError(t, err)

	res, err := Resume(ctx, c, s, 0)
	require.NoError(t, err)
	assert.True(t, res.FreshStart)
	require.Len(t, res.History, 1)
	assert.Equal(t, store.StatusClosed, res.History[0].Status)
}

func TestResume_WithoutTokenStartsFresh(t *testing.T) {
	base := newTestGateway(t, func(cfg *config.Config) {
		cfg.Auth.VisitorTokenSecret = "secret"
	})

	res, err := Resume(context.Background(), NewClient(base, nil), newTestSession(), 0)
	require.NoError(t, err)
	assert.True(t, res.FreshStart)
}
