// ABOUTME: Translator contract and the fail-open Service the conversation engine calls
// ABOUTME: Stores translated text as content and keeps the original in message metadata

package translate

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/chat-gateway/internal/store"
)

// Result is the outcome of translating visitor text into the canonical language.
type Result struct {
	Text string
	// Language is the detected source language, empty if unknown.
	Language string
}

// Translator is the external translation collaborator.
type Translator interface {
	ToCanonical(ctx context.Context, text, sourceHint string) (*Result, error)
	FromCanonical(ctx context.Context, text, targetLang string) (string, error)
}

// NormalizeLanguage reduces a language tag to its lower-case primary subtag
// ("en-US" and "EN_gb" become "en").
func NormalizeLanguage(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if i := strings.IndexAny(tag, "-_"); i >= 0 {
		tag = tag[:i]
	}
	return tag
}

// Service applies translation with timeouts and fails open: any translator
// error returns the input text unchanged and no metadata.
type Service struct {
	translator Translator
	canonical  string
	timeout    time.Duration
	logger     *slog.Logger
}

// NewService wraps a translator. A nil translator disables translation.
func NewService(translator Translator, canonical string, timeout time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if canonical == "" {
		canonical = "en"
	}
	return &Service{
		translator: translator,
		canonical:  NormalizeLanguage(canonical),
		timeout:    timeout,
		logger:     logger.With("component", "translate"),
	}
}

// Canonical returns the working language of agents and automation.
func (s *Service) Canonical() string {
	return s.canonical
}

// Enabled reports whether a translator is configured.
func (s *Service) Enabled() bool {
	return s != nil && s.translator != nil
}

// Inbound translates visitor text into the canonical language.
// Returns the content to store, metadata preserving the original (nil when the
// text was not changed), and the detected visitor language.
func (s *Service) Inbound(ctx context.Context, text, hint string) (string, map[string]string, string) {
	hint = NormalizeLanguage(hint)
	if !s.Enabled() || strings.TrimSpace(text) == "" || hint == s.canonical {
		return text, nil, hint
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.translator.ToCanonical(ctx, text, hint)
	if err != nil {
		s.logger.Warn("inbound translation failed, passing through",
			"error", err,
			"hint", hint)
		return text, nil, hint
	}

	detected := NormalizeLanguage(res.Language)
	if detected == "" {
		detected = hint
	}
	if detected == s.canonical || res.Text == "" || res.Text == text {
		return text, nil, detected
	}

	return res.Text, map[string]string{
		store.MetaOriginalText:     text,
		store.MetaOriginalLanguage: detected,
	}, detected
}

// Outbound translates agent or bot text into the visitor's language.
// Returns the content to store and metadata preserving the canonical original
// (nil when the text was not changed).
func (s *Service) Outbound(ctx context.Context, text, targetLang string) (string, map[string]string) {
	targetLang = NormalizeLanguage(targetLang)
	if !s.Enabled() || strings.TrimSpace(text) == "" || targetLang == "" || targetLang == s.canonical {
		return text, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	out, err := s.translator.FromCanonical(ctx, text, targetLang)
	if err != nil {
		s.logger.Warn("outbound translation failed, passing through",
			"error", err,
			"target", targetLang)
		return text, nil
	}
	if out == "" || out == text {
		return text, nil
	}

	return out, map[string]string{
		store.MetaOriginalText:     text,
		store.MetaOriginalLanguage: s.canonical,
	}
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}
