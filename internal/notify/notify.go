// ABOUTME: Notification collaborator contract and payloads sent to the owning team
// ABOUTME: Includes a log-only notifier and a fan-out Multi notifier

package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// NewConversation announces a conversation started by a visitor.
type NewConversation struct {
	OwnerID        string
	ConversationID string
	VisitorName    string
	Country        string
	IsReturning    bool
	Preview        string
}

// NewMessage announces a message the owner has not seen yet. Urgent requests
// (quota exhausted, usage limit, escalation) skip coalescing.
type NewMessage struct {
	OwnerID        string
	ConversationID string
	VisitorName    string
	Preview        string
	Urgent         bool
	Reason         string
}

// ConversationClosed announces a close, with the visitor's rating if any.
type ConversationClosed struct {
	OwnerID        string
	ConversationID string
	VisitorName    string
	ClosedBy       string
	Reason         string
	Rating         *int
	Comment        string
}

// Notifier delivers notifications. Callers treat failures as best-effort.
type Notifier interface {
	NotifyNewConversation(ctx context.Context, n NewConversation) error
	NotifyNewMessage(ctx context.Context, n NewMessage) error
	NotifyConversationClosed(ctx context.Context, n ConversationClosed) error
}

// Format renders a notification as one line of plain text.
func Format(n any) string {
	switch v := n.(type) {
	case NewConversation:
		who := displayName(v.VisitorName)
		if v.IsReturning {
			who += " (returning)"
		}
		if v.Country != "" {
			who += " from " + v.Country
		}
		return fmt.Sprintf("New conversation %s with %s: %s", v.ConversationID, who, truncate(v.Preview))
	case NewMessage:
		prefix := "New message"
		if v.Urgent {
			prefix = "Needs a human"
			if v.Reason != "" {
				prefix += " (" + strings.ReplaceAll(v.Reason, "_", " ") + ")"
			}
		}
		return fmt.Sprintf("%s in %s from %s: %s", prefix, v.ConversationID, displayName(v.VisitorName), truncate(v.Preview))
	case ConversationClosed:
		s := fmt.Sprintf("Conversation %s with %s closed by %s", v.ConversationID, displayName(v.VisitorName), v.ClosedBy)
		if v.Reason != "" {
			s += " (" + v.Reason + ")"
		}
		if v.Rating != nil {
			s += fmt.Sprintf(", rated %d/5", *v.Rating)
			if v.Comment != "" {
				s += ": " + truncate(v.Comment)
			}
		}
		return s
	}
	return fmt.Sprintf("%+v", n)
}

func displayName(name string) string {
	if name == "" {
		return "a visitor"
	}
	return name
}

const previewLen = 140

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= previewLen {
		return s
	}
	return string(r[:previewLen-1]) + "…"
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier. Pass nil logger for default.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notify")}
}

// NotifyNewConversation implements Notifier.
func (l *LogNotifier) NotifyNewConversation(ctx context.Context, n NewConversation) error {
	l.logger.Info(Format(n), "owner_id", n.OwnerID, "conversation_id", n.ConversationID, "returning", n.IsReturning)
	return nil
}

// NotifyNewMessage implements Notifier.
func (l *LogNotifier) NotifyNewMessage(ctx context.Context, n NewMessage) error {
	l.logger.Info(Format(n), "owner_id", n.OwnerID, "conversation_id", n.ConversationID, "urgent", n.Urgent)
	return nil
}

// NotifyConversationClosed implements Notifier.
func (l *LogNotifier) NotifyConversationClosed(ctx context.Context, n ConversationClosed) error {
	l.logger.Info(Format(n), "owner_id", n.OwnerID, "conversation_id", n.ConversationID)
	return nil
}

// Multi fans a notification out to several notifiers and joins their errors.
type Multi []Notifier

// NotifyNewConversation implements Notifier.
func (m Multi) NotifyNewConversation(ctx context.Context, n NewConversation) error {
	var errs []error
	for _, nt := range m {
		errs = append(errs, nt.NotifyNewConversation(ctx, n))
	}
	return errors.Join(errs...)
}

// NotifyNewMessage implements Notifier.
func (m Multi) NotifyNewMessage(ctx context.Context, n NewMessage) error {
	var errs []error
	for _, nt := range m {
		errs = append(errs, nt.NotifyNewMessage(ctx, n))
	}
	return errors.Join(errs...)
}

// NotifyConversationClosed implements Notifier.
func (m Multi) NotifyConversationClosed(ctx context.Context, n ConversationClosed) error {
	var errs []error
	for _, nt := range m {
		errs = append(errs, nt.NotifyConversationClosed(ctx, n))
	}
	return errors.Join(errs...)
}

var (
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = Multi(nil)
)
