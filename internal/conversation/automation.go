// ABOUTME: Runs the automation gate for an inbound visitor message and delivers the outcome
// ABOUTME: Decides under the conversation lock, produces text unlocked, re-checks status before appending

package conversation

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/2389/chat-gateway/internal/automation"
	"github.com/2389/chat-gateway/internal/store"
)

// automate evaluates the gate for inbound and returns the message it
// produced, or nil. Provider failures, timeouts and conversations closed
// while a reply was being prepared all end in silence.
//
// The team hears about inbound at most once: the gate's urgent alert
// replaces the routine one, and a quota alert the gate suppressed sends
// nothing at all. announced means a new-conversation alert already covered
// inbound, so no routine alert is sent.
func (s *Service) automate(ctx context.Context, conv *store.Conversation, inbound *store.Message, announced bool) *store.Message {
	routine := func(ctx context.Context, conv *store.Conversation) {
		if !announced {
			s.notifyRoutine(ctx, conv, inbound)
		}
	}
	if s.provider == nil {
		routine(ctx, conv)
		return nil
	}

	// The reply outlives the request that triggered it; Close and Archive
	// cancel it instead.
	actx, done := s.trackInflight(context.WithoutCancel(ctx), conv.ID)
	defer done()

	current, dec, err := s.decide(actx, conv.ID)
	if err != nil {
		s.logger.Warn("automation decision failed", "conversation_id", conv.ID, "error", err)
		routine(actx, conv)
		return nil
	}

	s.logger.Debug("automation decision",
		"conversation_id", conv.ID,
		"action", dec.Action.String(),
		"reason", dec.Reason)

	switch {
	case dec.NotifyHuman:
		s.notifyNewMessage(actx, current, inbound.Content, true, string(dec.Reason))
	case dec.Reason == automation.ReasonQuotaExceeded:
		// Suppressed repeat of a quota alert.
	case dec.Action == automation.ActionReply:
		// Deferred until the provider answers: an escalation notifies instead.
	default:
		routine(actx, current)
	}

	switch dec.Action {
	case automation.ActionHold:
		return s.deliverSystem(actx, current, s.texts.holding, map[string]string{
			store.MetaSystemEvent: "holding",
		})
	case automation.ActionReply:
		msg, notified := s.reply(actx, current, inbound)
		if !notified {
			routine(actx, current)
		}
		return msg
	default:
		return nil
	}
}

// notifyRoutine sends a non-urgent alert for inbound when no agent is
// watching the conversation.
func (s *Service) notifyRoutine(ctx context.Context, conv *store.Conversation, inbound *store.Message) {
	if s.channel.SubscriberCount(conv.ID, store.RoleAgent) > 0 {
		return
	}
	s.notifyNewMessage(ctx, conv, inbound.Content, false, "")
}

// decide runs the gate atomically: read context, decide, persist, all under
// the conversation lock.
func (s *Service) decide(ctx context.Context, conversationID string) (*store.Conversation, automation.Decision, error) {
	unlock, err := s.locks.Lock(ctx, conversationID)
	if err != nil {
		return nil, automation.Decision{}, err
	}
	defer unlock()

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, automation.Decision{}, err
	}
	if !conv.IsOpen() {
		return conv, automation.Decision{Action: automation.ActionSilent}, nil
	}

	ac, err := s.store.GetAutomationContext(ctx, conversationID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, automation.Decision{}, err
	}

	var lastAgentAt *time.Time
	last, err := s.store.LastMessageByRole(ctx, conversationID, store.RoleAgent)
	switch {
	case err == nil:
		lastAgentAt = &last.CreatedAt
	case !errors.Is(err, store.ErrNotFound):
		return nil, automation.Decision{}, err
	}

	allowed := true
	if s.usage != nil {
		allowed = s.usage.CanUse(ctx, conv.OwnerID, featureAutomationReplies)
	}

	dec := s.policy.Decide(automation.Input{
		ConversationID: conversationID,
		Context:        ac,
		LastAgentAt:    lastAgentAt,
		UsageAllowed:   allowed,
		Now:            s.now(),
	})
	if dec.Context != nil {
		if err := s.store.SaveAutomationContext(ctx, dec.Context); err != nil {
			return nil, automation.Decision{}, err
		}
	}
	return conv, dec, nil
}

// reply invokes the provider for a reserved slot and delivers the answer.
// notified reports whether the team was already alerted about inbound.
func (s *Service) reply(ctx context.Context, conv *store.Conversation, inbound *store.Message) (msg *store.Message, notified bool) {
	history, err := s.history(ctx, conv.ID)
	if err != nil {
		s.logger.Warn("loading history for automation failed", "conversation_id", conv.ID, "error", err)
		s.release(ctx, conv.ID)
		return nil, false
	}

	pctx, cancel := ctx, context.CancelFunc(func() {})
	if s.timeout > 0 {
		pctx, cancel = context.WithTimeout(ctx, s.timeout)
	}
	rep, err := s.provider.Reply(pctx, automation.Request{
		ConversationID: conv.ID,
		History:        history,
		Inbound:        inbound,
	})
	cancel()
	if err != nil || rep == nil || (rep.Text == "" && !rep.Escalate) {
		if err == nil {
			err = automation.ErrNoReply
		}
		s.logger.Warn("automation provider failed, staying silent", "conversation_id", conv.ID, "error", err)
		s.release(ctx, conv.ID)
		return nil, false
	}

	if rep.Escalate {
		return s.escalate(ctx, conv, inbound)
	}

	text, meta := s.translator.Outbound(ctx, rep.Text, conv.Language)

	err = s.typing.Simulate(ctx, text, func(isTyping bool) {
		s.channel.Publish(conv.ID, typingEvent(conv.ID, TypingState{
			IsTyping: isTyping,
			Role:     store.RoleBot,
		}, s.now()), "")
	})
	if err != nil {
		s.logger.Debug("automated reply cancelled", "conversation_id", conv.ID, "error", err)
		s.release(ctx, conv.ID)
		return nil, false
	}

	msg = s.deliver(ctx, conv.ID, &store.Message{
		ConversationID: conv.ID,
		Role:           store.RoleBot,
		Kind:           store.KindText,
		Content:        text,
		Metadata:       meta,
	})
	if msg == nil {
		s.release(ctx, conv.ID)
		return nil, false
	}
	s.countReply(ctx, conv)
	return msg, false
}

// escalate hands the conversation to a human. Only the first escalation of
// an episode notifies; later ones get a short waiting message.
func (s *Service) escalate(ctx context.Context, conv *store.Conversation, inbound *store.Message) (*store.Message, bool) {
	first, err := s.markEscalated(ctx, conv.ID)
	if err != nil {
		s.logger.Warn("recording escalation failed", "conversation_id", conv.ID, "error", err)
		return nil, false
	}

	text, kind := s.texts.escalationRepeat, "repeat"
	if first {
		text, kind = s.texts.escalation, "first"
		s.notifyNewMessage(ctx, conv, inbound.Content, true, "escalation")
	}
	s.logger.Info("conversation escalated", "conversation_id", conv.ID, "first", first)

	msg := s.deliverSystem(ctx, conv, text, map[string]string{
		store.MetaSystemEvent: "escalation",
		store.MetaEscalation:  kind,
	})
	if msg != nil {
		s.countReply(ctx, conv)
	}
	return msg, first
}

func (s *Service) markEscalated(ctx context.Context, conversationID string) (bool, error) {
	unlock, err := s.locks.Lock(ctx, conversationID)
	if err != nil {
		return false, err
	}
	defer unlock()

	ac, err := s.store.GetAutomationContext(ctx, conversationID)
	if err != nil {
		return false, err
	}
	first := automation.Escalate(ac, s.now())
	if err := s.store.SaveAutomationContext(ctx, ac); err != nil {
		return false, err
	}
	return first, nil
}

// deliverSystem translates an engine text for the visitor and delivers it
// as a system message.
func (s *Service) deliverSystem(ctx context.Context, conv *store.Conversation, text string, meta map[string]string) *store.Message {
	content, tmeta := s.translator.Outbound(ctx, text, conv.Language)
	for k, v := range tmeta {
		meta[k] = v
	}
	return s.deliver(ctx, conv.ID, &store.Message{
		ConversationID: conv.ID,
		Role:           store.RoleSystem,
		Kind:           store.KindText,
		Content:        content,
		Metadata:       meta,
	})
}

// deliver appends an automation-produced message if the conversation is
// still open, then publishes it. Returns nil when the message was dropped.
func (s *Service) deliver(ctx context.Context, conversationID string, msg *store.Message) *store.Message {
	if ctx.Err() != nil {
		s.logger.Debug("dropping automated message, cancelled", "conversation_id", conversationID)
		return nil
	}
	unlock, err := s.locks.Lock(ctx, conversationID)
	if err != nil {
		return nil
	}
	defer unlock()

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		s.logger.Warn("dropping automated message", "conversation_id", conversationID, "error", err)
		return nil
	}
	if !conv.IsOpen() {
		s.logger.Debug("dropping automated message, conversation not open",
			"conversation_id", conversationID,
			"status", conv.Status)
		return nil
	}
	if err := s.appendLocked(ctx, conv, msg); err != nil {
		s.logger.Warn("recording automated message failed", "conversation_id", conversationID, "error", err)
		return nil
	}
	unlock()

	s.channel.Publish(conversationID, newMessageEvent(msg), "")
	return msg
}

// release gives back a reserved reply slot that produced no message.
func (s *Service) release(ctx context.Context, conversationID string) {
	// The slot must come back even when the reply was cancelled.
	ctx = context.WithoutCancel(ctx)
	unlock, err := s.locks.Lock(ctx, conversationID)
	if err != nil {
		return
	}
	defer unlock()

	ac, err := s.store.GetAutomationContext(ctx, conversationID)
	if err != nil {
		s.logger.Warn("releasing automation slot failed", "conversation_id", conversationID, "error", err)
		return
	}
	automation.Release(ac, s.now())
	if err := s.store.SaveAutomationContext(ctx, ac); err != nil {
		s.logger.Warn("releasing automation slot failed", "conversation_id", conversationID, "error", err)
	}
}

func (s *Service) countReply(ctx context.Context, conv *store.Conversation) {
	if s.usage == nil {
		return
	}
	if err := s.usage.IncrementUsage(ctx, conv.OwnerID, featureAutomationReplies); err != nil {
		s.logger.Warn("counting automation usage failed", "conversation_id", conv.ID, "error", err)
	}
}

// history returns recent messages oldest first.
func (s *Service) history(ctx context.Context, conversationID string) ([]*store.Message, error) {
	page, err := s.store.ListMessagesBefore(ctx, conversationID, 0, historyLimit)
	if err != nil {
		return nil, err
	}
	msgs := slices.Clone(page.Messages)
	slices.Reverse(msgs)
	return msgs, nil
}

// trackInflight derives a cancellable context registered under the
// conversation so Close and Archive can abandon pending replies.
func (s *Service) trackInflight(parent context.Context, conversationID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)

	s.inflightMu.Lock()
	s.nextCancel++
	id := s.nextCancel
	if s.inflight[conversationID] == nil {
		s.inflight[conversationID] = make(map[uint64]context.CancelFunc)
	}
	s.inflight[conversationID][id] = cancel
	s.inflightMu.Unlock()

	return ctx, func() {
		s.inflightMu.Lock()
		delete(s.inflight[conversationID], id)
		if len(s.inflight[conversationID]) == 0 {
			delete(s.inflight, conversationID)
		}
		s.inflightMu.Unlock()
		cancel()
	}
}

func (s *Service) cancelInflight(conversationID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	for _, cancel := range s.inflight[conversationID] {
		cancel()
	}
}

// inflightCount reports pending automated replies for a conversation.
func (s *Service) inflightCount(conversationID string) int {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	return len(s.inflight[conversationID])
}
