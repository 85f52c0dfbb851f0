// ABOUTME: OpenAI-backed Translator with language detection
// ABOUTME: Requests JSON so the detected language comes back alongside the text

package translate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures OpenAITranslator.
type OpenAIConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	Canonical string
}

// OpenAITranslator translates with an OpenAI-compatible chat completion API.
type OpenAITranslator struct {
	client    *openai.Client
	model     string
	canonical string
}

// NewOpenAITranslator creates a translator.
func NewOpenAITranslator(cfg OpenAIConfig) *OpenAITranslator {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	canonical := NormalizeLanguage(cfg.Canonical)
	if canonical == "" {
		canonical = "en"
	}
	return &OpenAITranslator{
		client:    openai.NewClientWithConfig(clientCfg),
		model:     model,
		canonical: canonical,
	}
}

type detectResponse struct {
	Language    string `json:"language"`
	Translation string `json:"translation"`
}

// ToCanonical implements Translator.
func (t *OpenAITranslator) ToCanonical(ctx context.Context, text, sourceHint string) (*Result, error) {
	prompt := fmt.Sprintf(`Detect the language of the text below and translate it to %q.
The sender's browser suggests %q, which may be wrong.
If the text is already in %q, return it unchanged.

Return the response as a JSON object with this structure:
{
    "language": "ISO 639-1 code of the source text",
    "translation": "translated text"
}

Text: %s`, t.canonical, sourceHint, t.canonical, text)

	content, err := t.complete(ctx, prompt, true)
	if err != nil {
		return nil, err
	}

	var resp detectResponse
	if err := json.Unmarshal([]byte(content), &resp); err != nil {
		return nil, fmt.Errorf("decoding translation: %w", err)
	}
	return &Result{Text: resp.Translation, Language: resp.Language}, nil
}

// FromCanonical implements Translator.
func (t *OpenAITranslator) FromCanonical(ctx context.Context, text, targetLang string) (string, error) {
	prompt := fmt.Sprintf(`Translate the following customer support message from %q to %q.
Keep the tone and formatting. Reply with the translation only.

%s`, t.canonical, targetLang, text)

	return t.complete(ctx, prompt, false)
}

func (t *OpenAITranslator) complete(ctx context.Context, prompt string, jsonOut bool) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: t.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		Temperature: 0,
	}
	if jsonOut {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := t.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

var _ Translator = (*OpenAITranslator)(nil)
