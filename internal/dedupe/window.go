// ABOUTME: Per-key suppression windows with lazy expiry and a size bound
// ABOUTME: The notification queue opens one window per conversation to coalesce routine alerts

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// opening is one open window. Openings are kept oldest first, so expired
// windows collect at the front of the list.
type opening struct {
	key string
	at  time.Time
}

// Window tracks a suppression window per key. The first occurrence of a key
// opens a window of fixed length; occurrences inside it are duplicates and
// do not extend it. Expired windows are swept on access, so a Window needs
// no background goroutine.
type Window struct {
	mu     sync.Mutex
	length time.Duration
	limit  int
	now    func() time.Time
	open   map[string]*list.Element
	byAge  *list.List
}

// Option configures a Window.
type Option func(*Window)

// WithClock replaces time.Now, letting callers drive expiry deterministically.
func WithClock(now func() time.Time) Option {
	return func(w *Window) {
		w.now = now
	}
}

// NewWindow creates a Window of the given length holding at most limit open
// windows. When full, the oldest window is closed early. limit <= 0 means
// unbounded.
func NewWindow(length time.Duration, limit int, opts ...Option) *Window {
	w := &Window{
		length: length,
		limit:  limit,
		now:    time.Now,
		open:   make(map[string]*list.Element),
		byAge:  list.New(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Allow reports whether key is outside any open window. If so, it opens a
// new window for key and returns true; a duplicate returns false.
func (w *Window) Allow(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.sweepLocked(now)

	if el, ok := w.open[key]; ok {
		// A clock that stepped back can leave an expired window behind a live one.
		if now.Sub(el.Value.(*opening).at) < w.length {
			return false
		}
		w.removeLocked(el)
	}

	if w.limit > 0 && len(w.open) >= w.limit {
		w.removeLocked(w.byAge.Front())
	}
	w.open[key] = w.byAge.PushBack(&opening{key: key, at: now})
	return true
}

// Forget closes key's window so its next occurrence is allowed.
func (w *Window) Forget(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if el, ok := w.open[key]; ok {
		w.removeLocked(el)
	}
}

// Len returns the number of windows still open.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sweepLocked(w.now())
	return len(w.open)
}

func (w *Window) sweepLocked(now time.Time) {
	for el := w.byAge.Front(); el != nil; el = w.byAge.Front() {
		if now.Sub(el.Value.(*opening).at) < w.length {
			return
		}
		w.removeLocked(el)
	}
}

func (w *Window) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	delete(w.open, el.Value.(*opening).key)
	w.byAge.Remove(el)
}
