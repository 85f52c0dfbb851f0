package automation

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testTyping(sleep func(context.Context, time.Duration) error) Typing {
	return Typing{
		Min:     time.Second,
		Max:     3 * time.Second,
		PerChar: 50 * time.Millisecond,
		Sleep:   sleep,
	}
}

func TestTyping_DelayIsBounded(t *testing.T) {
	typ := testTyping(nil)

	assert.Equal(t, time.Second, typ.Delay(""))
	assert.Equal(t, time.Second+10*50*time.Millisecond, typ.Delay("ten chars!"))
	assert.Equal(t, 3*time.Second, typ.Delay(strings.Repeat("x", 500)))
	// Runes, not bytes.
	assert.Equal(t, typ.Delay("aaaa"), typ.Delay("éééé"))
}

func TestTyping_StartPrecedesStop(t *testing.T) {
	var calls []string
	var slept time.Duration
	typ := testTyping(func(ctx context.Context, d time.Duration) error {
		calls = append(calls, "sleep")
		slept = d
		return nil
	})

	err := typ.Simulate(context.Background(), "hello", func(on bool) {
		if on {
			calls = append(calls, "start")
		} else {
			calls = append(calls, "stop")
		}
	})

	assert.NoError(t, err)
	assert.Equal(t, []string{"start", "sleep", "stop"}, calls)
	assert.Equal(t, typ.Delay("hello"), slept)
}

func TestTyping_StopNeverSkipped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls []bool
	typ := testTyping(nil) // real sleeper, ctx already cancelled
	err := typ.Simulate(ctx, "hello", func(on bool) { calls = append(calls, on) })

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []bool{true, false}, calls)
}

func TestTyping_StopEmittedOnPanic(t *testing.T) {
	var calls []bool
	typ := testTyping(func(context.Context, time.Duration) error { panic("boom") })

	assert.Panics(t, func() {
		_ = typ.Simulate(context.Background(), "x", func(on bool) { calls = append(calls, on) })
	})
	assert.Equal(t, []bool{true, false}, calls)
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))
	assert.NoError(t, sleepContext(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}
