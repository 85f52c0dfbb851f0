// ABOUTME: Buffered side-effect queue decoupling notifications from conversation writes
// ABOUTME: Retries failed deliveries and coalesces routine new-message alerts per conversation

package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/chat-gateway/internal/dedupe"
)

// ErrQueueFull is returned when a notification cannot be buffered.
var ErrQueueFull = errors.New("notification queue full")

// ErrQueueClosed is returned after Close.
var ErrQueueClosed = errors.New("notification queue closed")

// QueueConfig tunes a Queue.
type QueueConfig struct {
	Size    int
	Workers int
	Retries int
	Backoff time.Duration
	// Coalesce suppresses non-urgent new-message alerts for the same
	// conversation within this window. Zero disables coalescing.
	Coalesce time.Duration
	// Now overrides the clock used for coalescing.
	Now func() time.Time
}

type job struct {
	kind    string
	convID  string
	deliver func(ctx context.Context) error
}

// Queue implements Notifier by buffering deliveries to a target notifier.
// Enqueue never blocks the caller.
type Queue struct {
	target   Notifier
	cfg      QueueConfig
	jobs     chan job
	coalesce *dedupe.Window
	logger   *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	sleep  func(ctx context.Context, d time.Duration) error

	ctx    context.Context
	cancel context.CancelFunc
}

// NewQueue creates a queue and starts its workers. Pass nil logger for default.
func NewQueue(target Notifier, cfg QueueConfig, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Size <= 0 {
		cfg.Size = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		target: target,
		cfg:    cfg,
		jobs:   make(chan job, cfg.Size),
		logger: logger.With("component", "notify_queue"),
		sleep:  sleepContext,
		ctx:    ctx,
		cancel: cancel,
	}
	if cfg.Coalesce > 0 {
		var opts []dedupe.Option
		if cfg.Now != nil {
			opts = append(opts, dedupe.WithClock(cfg.Now))
		}
		q.coalesce = dedupe.NewWindow(cfg.Coalesce, 10_000, opts...)
	}

	for range cfg.Workers {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// NotifyNewConversation implements Notifier.
func (q *Queue) NotifyNewConversation(ctx context.Context, n NewConversation) error {
	return q.enqueue(job{
		kind:   "new_conversation",
		convID: n.ConversationID,
		deliver: func(ctx context.Context) error {
			return q.target.NotifyNewConversation(ctx, n)
		},
	})
}

// NotifyNewMessage implements Notifier.
func (q *Queue) NotifyNewMessage(ctx context.Context, n NewMessage) error {
	if !n.Urgent && q.coalesce != nil && !q.coalesce.Allow(n.ConversationID) {
		q.logger.Debug("coalesced new message notification", "conversation_id", n.ConversationID)
		return nil
	}
	return q.enqueue(job{
		kind:   "new_message",
		convID: n.ConversationID,
		deliver: func(ctx context.Context) error {
			return q.target.NotifyNewMessage(ctx, n)
		},
	})
}

// NotifyConversationClosed implements Notifier.
func (q *Queue) NotifyConversationClosed(ctx context.Context, n ConversationClosed) error {
	if q.coalesce != nil {
		q.coalesce.Forget(n.ConversationID)
	}
	return q.enqueue(job{
		kind:   "conversation_closed",
		convID: n.ConversationID,
		deliver: func(ctx context.Context) error {
			return q.target.NotifyConversationClosed(ctx, n)
		},
	})
}

func (q *Queue) enqueue(j job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.jobs <- j:
		return nil
	default:
		q.logger.Warn("dropping notification, queue full",
			"kind", j.kind,
			"conversation_id", j.convID)
		return ErrQueueFull
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for j := range q.jobs {
		q.deliver(j)
	}
}

func (q *Queue) deliver(j job) {
	var err error
	for attempt := 0; attempt <= q.cfg.Retries; attempt++ {
		if attempt > 0 {
			// Linear backoff.
			if q.sleep(q.ctx, time.Duration(attempt)*q.cfg.Backoff) != nil {
				break
			}
		}
		if err = j.deliver(q.ctx); err == nil {
			return
		}
		q.logger.Warn("notification delivery failed",
			"kind", j.kind,
			"conversation_id", j.convID,
			"attempt", attempt+1,
			"error", err)
	}
	q.logger.Error("giving up on notification",
		"kind", j.kind,
		"conversation_id", j.convID,
		"error", err)
}

// Close stops accepting work, drains buffered notifications and waits for
// workers. If ctx ends first, in-flight retries are abandoned.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		q.cancel()
		<-done
		err = ctx.Err()
	}
	q.cancel()
	return err
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

var _ Notifier = (*Queue)(nil)
