package automation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chat-gateway/internal/store"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func testPolicy() Policy {
	return Policy{
		Quota:             2,
		AgentBackoff:      30 * time.Minute,
		HumanWait:         15 * time.Minute,
		NotifySuppression: 5 * time.Minute,
	}
}

// decideAt runs one decision and threads the persisted context forward.
func decideAt(p Policy, ac **store.AutomationContext, lastAgent *time.Time, now time.Time) Decision {
	d := p.Decide(Input{
		ConversationID: "conv-1",
		Context:        *ac,
		LastAgentAt:    lastAgent,
		UsageAllowed:   true,
		Now:            now,
	})
	if d.Context != nil {
		*ac = d.Context
	}
	return d
}

func TestDecide_RepliesUntilQuota(t *testing.T) {
	p := testPolicy()
	var ac *store.AutomationContext

	d := decideAt(p, &ac, nil, t0)
	assert.Equal(t, ActionReply, d.Action)
	assert.Equal(t, 1, ac.ReplyCount)
	assert.Equal(t, "conv-1", ac.ConversationID)

	d = decideAt(p, &ac, nil, t0.Add(time.Minute))
	assert.Equal(t, ActionReply, d.Action)
	assert.Equal(t, 2, ac.ReplyCount)

	d = decideAt(p, &ac, nil, t0.Add(2*time.Minute))
	assert.Equal(t, ActionHold, d.Action)
	assert.Equal(t, ReasonQuotaExceeded, d.Reason)
	assert.True(t, d.NotifyHuman)
	require.NotNil(t, ac.QuotaHitAt)
	assert.Equal(t, 2, ac.ReplyCount, "holding does not consume quota")
}

func TestDecide_QuotaNotificationSuppressed(t *testing.T) {
	p := testPolicy()
	ac := &store.AutomationContext{ConversationID: "conv-1", ReplyCount: 2}

	d := decideAt(p, &ac, nil, t0)
	assert.Equal(t, ActionHold, d.Action)
	assert.True(t, d.NotifyHuman)

	// Within the 5 minute window: silent, no second notification.
	d = decideAt(p, &ac, nil, t0.Add(4*time.Minute))
	assert.Equal(t, ActionSilent, d.Action)
	assert.False(t, d.NotifyHuman)
	assert.Equal(t, ReasonQuotaExceeded, d.Reason)

	// After the quiet period the human is reminded.
	d = decideAt(p, &ac, nil, t0.Add(5*time.Minute))
	assert.Equal(t, ActionHold, d.Action)
	assert.True(t, d.NotifyHuman)
}

func TestDecide_AgentBackoff(t *testing.T) {
	p := testPolicy()
	var ac *store.AutomationContext
	agentAt := t0.Add(-29 * time.Minute)

	d := decideAt(p, &ac, &agentAt, t0)
	assert.Equal(t, ActionSilent, d.Action)
	assert.Equal(t, ReasonAgentActive, d.Reason)
	assert.Nil(t, d.Context, "backoff leaves the context untouched")

	d = decideAt(p, &ac, &agentAt, agentAt.Add(30*time.Minute))
	assert.Equal(t, ActionReply, d.Action, "backoff window is half-open")
}

func TestDecide_QuotaResetsAfterHumanWait(t *testing.T) {
	p := testPolicy()
	hit := t0
	ac := &store.AutomationContext{
		ConversationID:    "conv-1",
		ReplyCount:        2,
		QuotaHitAt:        &hit,
		LastQuotaNotifyAt: &hit,
		EscalatedAt:       &hit,
	}

	d := decideAt(p, &ac, nil, t0.Add(14*time.Minute))
	assert.Equal(t, ActionHold, d.Action, "still waiting for a human")

	d = decideAt(p, &ac, nil, t0.Add(15*time.Minute))
	assert.Equal(t, ActionReply, d.Action)
	assert.Equal(t, 1, ac.ReplyCount)
	assert.Nil(t, ac.QuotaHitAt)
	assert.Nil(t, ac.LastQuotaNotifyAt)
	assert.Nil(t, ac.EscalatedAt, "reset ends the escalation episode")
}

func TestDecide_ResetMeasuredFromLaterAgentReply(t *testing.T) {
	p := testPolicy()
	p.AgentBackoff = time.Minute
	hit := t0
	ac := &store.AutomationContext{ConversationID: "conv-1", ReplyCount: 2, QuotaHitAt: &hit}
	agentAt := t0.Add(10 * time.Minute)

	// 16 minutes after the hit but only 6 after the agent spoke.
	d := decideAt(p, &ac, &agentAt, t0.Add(16*time.Minute))
	assert.NotEqual(t, ActionReply, d.Action)

	d = decideAt(p, &ac, &agentAt, agentAt.Add(15*time.Minute))
	assert.Equal(t, ActionReply, d.Action)
}

func TestDecide_UsageExhaustedAlwaysNotifies(t *testing.T) {
	p := testPolicy()
	var ac *store.AutomationContext

	for i := range 3 {
		d := p.Decide(Input{
			ConversationID: "conv-1",
			Context:        ac,
			UsageAllowed:   false,
			Now:            t0.Add(time.Duration(i) * time.Second),
		})
		assert.Equal(t, ActionHold, d.Action)
		assert.Equal(t, ReasonUsageExhausted, d.Reason)
		assert.True(t, d.NotifyHuman, "hard limit is never suppressed")
		ac = d.Context
		assert.Zero(t, ac.ReplyCount)
	}
}

func TestDecide_DoesNotMutateInput(t *testing.T) {
	p := testPolicy()
	in := &store.AutomationContext{ConversationID: "conv-1", ReplyCount: 1}

	d := p.Decide(Input{ConversationID: "conv-1", Context: in, UsageAllowed: true, Now: t0})
	require.NotNil(t, d.Context)
	assert.Equal(t, 2, d.Context.ReplyCount)
	assert.Equal(t, 1, in.ReplyCount)
}

func TestRelease(t *testing.T) {
	ac := &store.AutomationContext{ReplyCount: 1}
	Release(ac, t0)
	assert.Zero(t, ac.ReplyCount)
	Release(ac, t0)
	assert.Zero(t, ac.ReplyCount, "never negative")
}

func TestEscalationEpisode(t *testing.T) {
	ac := &store.AutomationContext{}

	assert.True(t, Escalate(ac, t0), "first escalation")
	assert.False(t, Escalate(ac, t0.Add(time.Minute)), "repeat escalation")
	assert.Equal(t, t0, *ac.EscalatedAt)

	assert.True(t, EndEscalation(ac, t0.Add(2*time.Minute)))
	assert.False(t, EndEscalation(ac, t0.Add(3*time.Minute)))
	assert.True(t, Escalate(ac, t0.Add(4*time.Minute)), "new episode")
}

func TestDefaultPolicy_WindowsAreDistinct(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 30*time.Minute, p.AgentBackoff)
	assert.Equal(t, 5*time.Minute, p.NotifySuppression)
}

func TestAction_String(t *testing.T) {
	assert.Equal(t, "reply", ActionReply.String())
	assert.Equal(t, "hold", ActionHold.String())
	assert.Equal(t, "silent", ActionSilent.String())
}
