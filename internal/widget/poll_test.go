package widget

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPollGate_BootstrapUntilSubscribed(t *testing.T) {
	g := newPollGate(2)
	assert.True(t, g.Active(), "no subscription yet")

	g.SetSubscribed(true)
	assert.False(t, g.Active())

	g.SetVisible(false)
	g.SetSubscribed(false)
	assert.False(t, g.Active(), "hidden widgets never poll")
}

func TestPollGate_TypingThenBoundedTail(t *testing.T) {
	g := newPollGate(2)
	g.SetSubscribed(true)

	g.PeerTyping(true)
	for range 5 {
		assert.True(t, g.Active())
		g.Polled()
	}

	g.PeerTyping(false)
	assert.True(t, g.Active())
	g.Polled()
	assert.True(t, g.Active())
	g.Polled()
	assert.False(t, g.Active(), "tail exhausted")

	g.Sent()
	assert.True(t, g.Active(), "sending resumes polling")
}

func TestPollGate_ZeroExtraCycles(t *testing.T) {
	g := newPollGate(0)
	g.SetSubscribed(true)
	g.PeerTyping(true)
	assert.True(t, g.Active())
	g.PeerTyping(false)
	assert.False(t, g.Active())
}
