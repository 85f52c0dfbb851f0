// ABOUTME: OpenAI-backed automation provider using chat completions
// ABOUTME: Asks for a JSON object carrying the reply text and an escalation flag

package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/2389/chat-gateway/internal/store"
)

const (
	defaultOpenAIModel = openai.GPT4oMini
	// historyLimit caps how many prior messages are sent as context.
	historyLimit = 20
)

// DefaultSystemPrompt instructs the model on tone and output format.
const DefaultSystemPrompt = `You are a friendly first-line support assistant on a website chat.
Answer briefly and concretely. If you cannot help, or the visitor asks for a person,
set "escalate" to true.

Return the response as a JSON object with this structure:
{
    "reply": "text shown to the visitor (may be empty when escalating)",
    "escalate": false
}`

// OpenAIConfig configures OpenAIProvider.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
	MaxTokens    int
}

// OpenAIProvider produces replies with an OpenAI-compatible chat completion API.
type OpenAIProvider struct {
	client       *openai.Client
	model        string
	systemPrompt string
	maxTokens    int
	logger       *slog.Logger
}

type openAIReply struct {
	Reply    string `json:"reply"`
	Escalate bool   `json:"escalate"`
}

// NewOpenAIProvider creates a provider. Pass nil logger for default.
func NewOpenAIProvider(cfg OpenAIConfig, logger *slog.Logger) *OpenAIProvider {
	if logger == nil {
		logger = slog.Default()
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	prompt := cfg.SystemPrompt
	if prompt == "" {
		prompt = DefaultSystemPrompt
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 400
	}
	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientCfg),
		model:        model,
		systemPrompt: prompt,
		maxTokens:    maxTokens,
		logger:       logger.With("component", "openai_provider"),
	}
}

// Reply implements Provider.
func (p *OpenAIProvider) Reply(ctx context.Context, req Request) (*Reply, error) {
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     p.model,
		Messages:  p.buildMessages(req),
		MaxTokens: p.maxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrNoReply
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	var parsed openAIReply
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		// Some compatible endpoints ignore response_format; use the raw text.
		p.logger.Debug("reply was not JSON, using raw content",
			"conversation_id", req.ConversationID,
			"error", err)
		parsed = openAIReply{Reply: content}
	}

	parsed.Reply = strings.TrimSpace(parsed.Reply)
	if parsed.Reply == "" && !parsed.Escalate {
		return nil, ErrNoReply
	}
	return &Reply{Text: parsed.Reply, Escalate: parsed.Escalate}, nil
}

func (p *OpenAIProvider) buildMessages(req Request) []openai.ChatCompletionMessage {
	msgs := []openai.ChatCompletionMessage{{
		Role:    openai.ChatMessageRoleSystem,
		Content: p.systemPrompt,
	}}

	history := req.History
	if len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}
	for _, m := range history {
		if req.Inbound != nil && m.ID == req.Inbound.ID {
			continue
		}
		if msg, ok := chatMessage(m); ok {
			msgs = append(msgs, msg)
		}
	}
	if req.Inbound != nil {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: req.Inbound.Content,
		})
	}
	return msgs
}

// chatMessage maps a stored message onto a completion role. System messages
// carry lifecycle noise and are skipped.
func chatMessage(m *store.Message) (openai.ChatCompletionMessage, bool) {
	content := m.Content
	if m.Attachment != nil && content == "" {
		content = "[attachment: " + m.Attachment.Name + "]"
	}
	switch m.Role {
	case store.RoleVisitor:
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: content}, true
	case store.RoleAgent, store.RoleBot:
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content}, true
	default:
		return openai.ChatCompletionMessage{}, false
	}
}
