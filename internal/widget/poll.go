// ABOUTME: Polling fallback policy for the widget event loop
// ABOUTME: Polls while visible and unsubscribed or while the other party types, plus a bounded tail

package widget

// pollGate decides whether the loop should poll "messages since". It is
// owned by the loop goroutine.
type pollGate struct {
	visible    bool
	subscribed bool
	peerTyping bool

	// extra counts the polls left after typing stopped or a send.
	extra    int
	maxExtra int
}

func newPollGate(maxExtra int) *pollGate {
	return &pollGate{visible: true, maxExtra: maxExtra}
}

// Active reports whether a poll should be scheduled.
func (g *pollGate) Active() bool {
	if !g.visible {
		return false
	}
	return !g.subscribed || g.peerTyping || g.extra > 0
}

// Polled records one completed poll.
func (g *pollGate) Polled() {
	if g.subscribed && !g.peerTyping && g.extra > 0 {
		g.extra--
	}
}

// PeerTyping records the other party's typing signal. Both edges refill
// the tail so polling covers the reply that usually follows.
func (g *pollGate) PeerTyping(typing bool) {
	g.peerTyping = typing
	g.extra = g.maxExtra
}

// Sent resumes polling after the visitor sends.
func (g *pollGate) Sent() {
	g.extra = g.maxExtra
}

func (g *pollGate) SetSubscribed(ok bool) {
	g.subscribed = ok
}

func (g *pollGate) SetVisible(visible bool) {
	g.visible = visible
}
