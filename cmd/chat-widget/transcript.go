// ABOUTME: Colorized transcript rendering for chat-widget
// ABOUTME: Turns widget loop updates into terminal lines

package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/2389/chat-gateway/internal/store"
	"github.com/2389/chat-gateway/internal/widget"
)

var (
	visitorColor = color.New(color.FgGreen)
	agentColor   = color.New(color.FgCyan, color.Bold)
	botColor     = color.New(color.FgMagenta)
	systemColor  = color.New(color.FgHiBlack)
	noticeColor  = color.New(color.FgYellow)
)

// transcript writes conversation updates as lines of text.
type transcript struct {
	out      io.Writer
	typingOn bool
}

func (t *transcript) render(u widget.Update) {
	switch u.Kind {
	case widget.UpdateResumed:
		t.resumed(u.Resumed)
	case widget.UpdateMessages:
		for _, m := range u.Messages {
			t.message(m)
		}
	case widget.UpdateTyping:
		if u.Typing.IsTyping && !t.typingOn {
			systemColor.Fprintf(t.out, "  %s is typing...\n", speaker(u.Typing.Role, u.Typing.ActorID))
		}
		t.typingOn = u.Typing.IsTyping
	case widget.UpdateClosed:
		line := "conversation " + string(u.Closed.Status)
		if u.Closed.ClosedBy != "" {
			line += " by " + u.Closed.ClosedBy
		}
		if u.Closed.Reason != "" {
			line += ": " + u.Closed.Reason
		}
		noticeColor.Fprintf(t.out, "-- %s. /new starts a new conversation, /rate N scores this one.\n", line)
	case widget.UpdateConnection:
		if !u.Subscribed {
			noticeColor.Fprintln(t.out, "-- live connection lost, polling for messages")
		}
	case widget.UpdateRead:
		// Read receipts are not shown.
	}
}

func (t *transcript) resumed(r *widget.Resumed) {
	if r.FreshStart {
		if len(r.History) > 0 {
			systemColor.Fprintf(t.out, "-- %d earlier conversation(s):\n", len(r.History))
			for _, c := range r.History {
				systemColor.Fprintf(t.out, "   %s  %-8s  last active %s\n",
					c.ID, c.Status, c.LastActivityAt.Local().Format("2006-01-02 15:04"))
			}
		}
		noticeColor.Fprintln(t.out, "-- type a message to start a new conversation")
		return
	}

	conv := r.Conversation
	systemColor.Fprintf(t.out, "-- resumed conversation %s (%s)\n", conv.ID, conv.Status)
	if r.Pager != nil && r.Pager.HasMore() && len(r.Messages) > 0 {
		systemColor.Fprintln(t.out, "-- /older loads earlier messages")
	}
	for _, m := range r.Messages {
		t.message(m)
	}
}

func (t *transcript) message(m *store.Message) {
	t.typingOn = false
	ts := m.CreatedAt.Local().Format(time.Kitchen)
	body := m.Content
	if m.Attachment != nil {
		attach := fmt.Sprintf("[%s %s]", m.Attachment.Name, m.Attachment.URL)
		if body != "" {
			body += " " + attach
		} else {
			body = attach
		}
	}

	if m.Role == store.RoleSystem {
		systemColor.Fprintf(t.out, "%s  * %s\n", ts, body)
		return
	}

	c := roleColor(m.Role)
	fmt.Fprintf(t.out, "%s  %s: %s\n", systemColor.Sprint(ts), c.Sprint(speaker(m.Role, m.ActorID)), indentContinuation(body))
}

func roleColor(r store.Role) *color.Color {
	switch r {
	case store.RoleVisitor:
		return visitorColor
	case store.RoleAgent:
		return agentColor
	case store.RoleBot:
		return botColor
	default:
		return systemColor
	}
}

func speaker(r store.Role, actorID string) string {
	switch r {
	case store.RoleVisitor:
		return "you"
	case store.RoleAgent:
		if actorID != "" {
			return actorID
		}
		return "agent"
	case store.RoleBot:
		return "assistant"
	default:
		return string(r)
	}
}

func indentContinuation(s string) string {
	return strings.ReplaceAll(s, "\n", "\n          ")
}
