// ABOUTME: Automation gate deciding whether an inbound visitor message gets a bot reply
// ABOUTME: Pure function over the per-conversation AutomationContext; callers hold the conversation lock

package automation

import (
	"time"

	"github.com/2389/chat-gateway/internal/store"
)

// These two windows are unrelated. AgentBackoff silences automation after a
// human speaks; NotifySuppression rate-limits repeated quota notifications.
const (
	DefaultAgentBackoff      = 30 * time.Minute
	DefaultNotifySuppression = 5 * time.Minute
	DefaultHumanWait         = 15 * time.Minute
	DefaultQuota             = 3
)

// Action is what the gate decided to do with an inbound message.
type Action int

const (
	// ActionSilent produces no automated message.
	ActionSilent Action = iota
	// ActionReply invokes the provider. A reply slot has been reserved.
	ActionReply
	// ActionHold sends a holding message instead of invoking the provider.
	ActionHold
)

func (a Action) String() string {
	switch a {
	case ActionReply:
		return "reply"
	case ActionHold:
		return "hold"
	default:
		return "silent"
	}
}

// Reason explains a Decision, mostly for logs and tests.
type Reason string

const (
	ReasonAllowed        Reason = "allowed"
	ReasonAgentActive    Reason = "agent_active"
	ReasonQuotaExceeded  Reason = "quota_exceeded"
	ReasonUsageExhausted Reason = "usage_exhausted"
)

// Policy holds the gate's tunables.
type Policy struct {
	// Quota is the number of automated replies allowed before a human must take over.
	Quota int
	// AgentBackoff suppresses automation entirely while a human agent spoke recently.
	AgentBackoff time.Duration
	// HumanWait resets the quota when no agent answered this long after it was hit.
	HumanWait time.Duration
	// NotifySuppression is the quiet period between repeated quota notifications.
	NotifySuppression time.Duration
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		Quota:             DefaultQuota,
		AgentBackoff:      DefaultAgentBackoff,
		HumanWait:         DefaultHumanWait,
		NotifySuppression: DefaultNotifySuppression,
	}
}

// Input is everything the gate reads for one decision.
type Input struct {
	ConversationID string
	// Context is the stored automation context, nil if automation never ran.
	Context *store.AutomationContext
	// LastAgentAt is when a human agent last wrote in the conversation.
	LastAgentAt *time.Time
	// UsageAllowed is the account-level allowance for automated replies.
	UsageAllowed bool
	Now          time.Time
}

// Decision is the gate's verdict.
type Decision struct {
	Action      Action
	Reason      Reason
	NotifyHuman bool
	// Context is the state to persist. Nil means nothing changed.
	Context *store.AutomationContext
}

// Decide evaluates the gate for one inbound visitor message. It is pure:
// the caller persists Decision.Context under the same conversation lock it
// read Input.Context with, which makes read-decide-increment atomic.
func (p Policy) Decide(in Input) Decision {
	now := in.Now

	if in.LastAgentAt != nil && now.Sub(*in.LastAgentAt) < p.AgentBackoff {
		return Decision{Action: ActionSilent, Reason: ReasonAgentActive}
	}

	ac := cloneContext(in.Context, in.ConversationID)
	ac.UpdatedAt = now

	if ac.QuotaHitAt != nil {
		since := *ac.QuotaHitAt
		if in.LastAgentAt != nil && in.LastAgentAt.After(since) {
			since = *in.LastAgentAt
		}
		if now.Sub(since) >= p.HumanWait {
			resetContext(ac)
		}
	}

	if ac.ReplyCount >= p.Quota {
		if ac.QuotaHitAt == nil {
			ac.QuotaHitAt = ptr(now)
		}
		if ac.LastQuotaNotifyAt != nil && now.Sub(*ac.LastQuotaNotifyAt) < p.NotifySuppression {
			return Decision{Action: ActionSilent, Reason: ReasonQuotaExceeded, Context: ac}
		}
		ac.LastQuotaNotifyAt = ptr(now)
		return Decision{Action: ActionHold, Reason: ReasonQuotaExceeded, NotifyHuman: true, Context: ac}
	}

	// A hard limit: notify every time, no suppression window.
	if !in.UsageAllowed {
		return Decision{Action: ActionHold, Reason: ReasonUsageExhausted, NotifyHuman: true, Context: ac}
	}

	ac.ReplyCount++
	ac.LastReplyAt = ptr(now)
	return Decision{Action: ActionReply, Reason: ReasonAllowed, Context: ac}
}

// Release returns a reserved reply slot when no reply was delivered.
func Release(ac *store.AutomationContext, now time.Time) {
	if ac.ReplyCount > 0 {
		ac.ReplyCount--
	}
	ac.UpdatedAt = now
}

// Escalate starts an escalation episode if none is running.
// Returns true for the first escalation of the episode.
func Escalate(ac *store.AutomationContext, now time.Time) bool {
	ac.UpdatedAt = now
	if ac.EscalatedAt != nil {
		return false
	}
	ac.EscalatedAt = ptr(now)
	return true
}

// EndEscalation closes the current escalation episode, typically because an
// agent joined. Returns true if an episode was open.
func EndEscalation(ac *store.AutomationContext, now time.Time) bool {
	if ac.EscalatedAt == nil {
		return false
	}
	ac.EscalatedAt = nil
	ac.UpdatedAt = now
	return true
}

func resetContext(ac *store.AutomationContext) {
	ac.ReplyCount = 0
	ac.QuotaHitAt = nil
	ac.LastQuotaNotifyAt = nil
	ac.EscalatedAt = nil
}

func cloneContext(ac *store.AutomationContext, conversationID string) *store.AutomationContext {
	if ac == nil {
		return &store.AutomationContext{ConversationID: conversationID}
	}
	cp := *ac
	return &cp
}

func ptr(t time.Time) *time.Time {
	return &t
}
