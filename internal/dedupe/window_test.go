package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestWindow(length time.Duration, limit int) (*Window, *manualClock) {
	clock := &manualClock{now: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
	return NewWindow(length, limit, WithClock(clock.Now)), clock
}

func TestWindow_FirstOccurrenceOpensWindow(t *testing.T) {
	w, _ := newTestWindow(5*time.Minute, 0)

	assert.True(t, w.Allow("conv-1"))
	assert.False(t, w.Allow("conv-1"))
	assert.True(t, w.Allow("conv-2"), "keys have independent windows")
	assert.Equal(t, 2, w.Len())
}

func TestWindow_DuplicatesDoNotExtend(t *testing.T) {
	w, clock := newTestWindow(5*time.Minute, 0)
	require.True(t, w.Allow("conv-1"))

	clock.Advance(3 * time.Minute)
	assert.False(t, w.Allow("conv-1"))
	clock.Advance(119 * time.Second)
	assert.False(t, w.Allow("conv-1"))

	clock.Advance(time.Second)
	assert.True(t, w.Allow("conv-1"), "window measured from its opening")
}

func TestWindow_LenSweepsExpired(t *testing.T) {
	w, clock := newTestWindow(time.Minute, 0)
	w.Allow("a")
	clock.Advance(30 * time.Second)
	w.Allow("b")

	clock.Advance(30 * time.Second)
	assert.Equal(t, 1, w.Len())
	clock.Advance(30 * time.Second)
	assert.Zero(t, w.Len())
}

func TestWindow_Forget(t *testing.T) {
	w, _ := newTestWindow(time.Hour, 0)
	w.Allow("conv-1")

	w.Forget("conv-1")
	w.Forget("never-seen")
	assert.True(t, w.Allow("conv-1"))
}

func TestWindow_LimitClosesOldest(t *testing.T) {
	w, clock := newTestWindow(time.Hour, 2)
	w.Allow("a")
	clock.Advance(time.Second)
	w.Allow("b")
	clock.Advance(time.Second)
	w.Allow("c")

	assert.Equal(t, 2, w.Len())
	assert.False(t, w.Allow("b"))
	assert.False(t, w.Allow("c"))
	assert.True(t, w.Allow("a"), "oldest window was closed to make room")
}

func TestWindow_ClockSteppingBack(t *testing.T) {
	w, clock := newTestWindow(time.Minute, 0)
	clock.Advance(10 * time.Minute)
	w.Allow("late")
	clock.Advance(-9 * time.Minute)
	w.Allow("early")

	clock.Advance(2 * time.Minute)
	assert.True(t, w.Allow("early"), "expired window behind a live one is still honoured as expired")
}

func TestWindow_ConcurrentAllowOpensOnce(t *testing.T) {
	w, _ := newTestWindow(time.Minute, 0)

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if w.Allow("shared") {
				allowed.Add(1)
			}
			w.Allow(fmt.Sprintf("own-%d", i))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), allowed.Load())
	assert.Equal(t, 51, w.Len())
}
