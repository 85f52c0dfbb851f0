// ABOUTME: Simulated typing before an automated reply is published
// ABOUTME: Delay grows with reply length and is clamped; typing-stop is always emitted

package automation

import (
	"context"
	"time"
	"unicode/utf8"
)

// Typing simulates a human typing a reply.
type Typing struct {
	Min     time.Duration
	Max     time.Duration
	PerChar time.Duration
	// Sleep waits for d or until ctx is done. Nil uses a real timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Delay returns how long typing lasts for text.
func (t Typing) Delay(text string) time.Duration {
	d := t.Min + time.Duration(utf8.RuneCountInString(text))*t.PerChar
	if d > t.Max {
		d = t.Max
	}
	if d < t.Min {
		d = t.Min
	}
	return d
}

// Simulate calls setTyping(true), waits Delay(text), then calls setTyping(false).
// The stop call happens even when ctx is cancelled mid-wait; the wait error is returned.
func (t Typing) Simulate(ctx context.Context, text string, setTyping func(isTyping bool)) error {
	setTyping(true)
	defer setTyping(false)

	sleep := t.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return sleep(ctx, t.Delay(text))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
