// ABOUTME: Provider contract for automated replies and a scripted implementation
// ABOUTME: Providers may request escalation to a human alongside (or instead of) reply text

package automation

import (
	"context"
	"errors"
	"strings"

	"github.com/2389/chat-gateway/internal/store"
)

// ErrNoReply is returned when a provider has nothing to say.
var ErrNoReply = errors.New("provider produced no reply")

// Request is the input to a provider call.
type Request struct {
	ConversationID string
	// History is recent conversation content, oldest first, in the canonical language.
	History []*store.Message
	// Inbound is the visitor message being answered.
	Inbound *store.Message
}

// Reply is a provider's answer.
type Reply struct {
	Text string
	// Escalate asks for a human agent to take over.
	Escalate bool
}

// Provider produces automated replies.
type Provider interface {
	Reply(ctx context.Context, req Request) (*Reply, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, req Request) (*Reply, error)

// Reply calls f.
func (f ProviderFunc) Reply(ctx context.Context, req Request) (*Reply, error) {
	return f(ctx, req)
}

// DefaultEscalationKeywords trigger escalation in the scripted provider.
var DefaultEscalationKeywords = []string{"human", "agent", "person", "representative"}

// ScriptedProvider answers from a fixed list, cycling by the number of
// replies already given, and escalates when the visitor asks for a person.
type ScriptedProvider struct {
	Replies  []string
	Keywords []string
}

// NewScriptedProvider creates a scripted provider with the default escalation keywords.
func NewScriptedProvider(replies []string) *ScriptedProvider {
	return &ScriptedProvider{
		Replies:  replies,
		Keywords: DefaultEscalationKeywords,
	}
}

// Reply implements Provider.
func (p *ScriptedProvider) Reply(ctx context.Context, req Request) (*Reply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if req.Inbound != nil {
		text := strings.ToLower(req.Inbound.Content)
		for _, kw := range p.Keywords {
			if strings.Contains(text, kw) {
				return &Reply{Escalate: true}, nil
			}
		}
	}

	if len(p.Replies) == 0 {
		return nil, ErrNoReply
	}

	given := 0
	for _, m := range req.History {
		if m.Role == store.RoleBot {
			given++
		}
	}
	return &Reply{Text: p.Replies[given%len(p.Replies)]}, nil
}
