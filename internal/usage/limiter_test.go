package usage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chat-gateway/internal/store"
)

func TestPeriod(t *testing.T) {
	at := time.Date(2026, 3, 31, 23, 30, 0, 0, time.FixedZone("x", -2*3600))
	assert.Equal(t, "2026-04", Period(at))
}

func TestLimiter_EnforcesMonthlyLimit(t *testing.T) {
	ms := store.NewMockStore()
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	l := NewLimiter(ms, map[string]int64{FeatureAutomationReplies: 2}, nil).
		WithClock(func() time.Time { return now })
	ctx := context.Background()

	assert.True(t, l.CanUse(ctx, "owner-1", FeatureAutomationReplies))
	require.NoError(t, l.IncrementUsage(ctx, "owner-1", FeatureAutomationReplies))
	require.NoError(t, l.IncrementUsage(ctx, "owner-1", FeatureAutomationReplies))
	assert.False(t, l.CanUse(ctx, "owner-1", FeatureAutomationReplies))
	assert.True(t, l.CanUse(ctx, "owner-2", FeatureAutomationReplies), "counters are per owner")

	now = now.AddDate(0, 1, 0)
	assert.True(t, l.CanUse(ctx, "owner-1", FeatureAutomationReplies), "new month, new allowance")
}

func TestLimiter_UnlimitedFeature(t *testing.T) {
	ms := store.NewMockStore()
	l := NewLimiter(ms, map[string]int64{FeatureConversations: 0}, nil)
	ctx := context.Background()

	for range 5 {
		require.NoError(t, l.IncrementUsage(ctx, "owner-1", FeatureConversations))
	}
	assert.True(t, l.CanUse(ctx, "owner-1", FeatureConversations))
	assert.True(t, l.CanUse(ctx, "owner-1", "unknown_feature"))
	assert.Zero(t, l.Limit("unknown_feature"))
}

func TestLimiter_FailsOpenOnStoreError(t *testing.T) {
	ms := store.NewMockStore()
	l := NewLimiter(ms, map[string]int64{FeatureConversations: 1}, nil)
	ctx := context.Background()

	ms.SetError(errors.New("disk gone"))
	assert.True(t, l.CanUse(ctx, "owner-1", FeatureConversations))
	assert.Error(t, l.IncrementUsage(ctx, "owner-1", FeatureConversations))
}
