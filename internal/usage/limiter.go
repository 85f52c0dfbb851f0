// ABOUTME: Account usage limiter answering canUse/incrementUsage per owner and feature
// ABOUTME: Counts per calendar month in the store; limits come from configuration

package usage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/chat-gateway/internal/store"
)

// Feature keys consulted by the conversation service.
const (
	FeatureConversations     = "conversations"
	FeatureAutomationReplies = "automation_replies"
)

// PeriodFormat buckets counters by calendar month.
const PeriodFormat = "2006-01"

// Limiter checks and counts feature usage for an owner.
// A feature with no configured limit, or a limit of zero, is unlimited.
type Limiter struct {
	store  store.UsageStore
	limits map[string]int64
	now    func() time.Time
	logger *slog.Logger
}

// NewLimiter creates a Limiter. Pass nil logger for default.
func NewLimiter(s store.UsageStore, limits map[string]int64, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	copied := make(map[string]int64, len(limits))
	for k, v := range limits {
		copied[k] = v
	}
	return &Limiter{
		store:  s,
		limits: copied,
		now:    time.Now,
		logger: logger.With("component", "usage"),
	}
}

// WithClock replaces the clock used to pick the counting period.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Period returns the counter bucket for t.
func Period(t time.Time) string {
	return t.UTC().Format(PeriodFormat)
}

// Limit returns the configured limit for feature, zero meaning unlimited.
func (l *Limiter) Limit(feature string) int64 {
	return l.limits[feature]
}

// CanUse reports whether owner has allowance left for feature. Storage errors
// fail open: an unreadable counter must not take the chat down.
func (l *Limiter) CanUse(ctx context.Context, ownerID, feature string) bool {
	limit := l.limits[feature]
	if limit <= 0 {
		return true
	}
	used, err := l.store.GetUsage(ctx, ownerID, feature, Period(l.now()))
	if err != nil {
		l.logger.Warn("reading usage failed, allowing",
			"owner_id", ownerID,
			"feature", feature,
			"error", err)
		return true
	}
	return used < limit
}

// IncrementUsage records one use of feature by owner.
func (l *Limiter) IncrementUsage(ctx context.Context, ownerID, feature string) error {
	count, err := l.store.IncrementUsage(ctx, ownerID, feature, Period(l.now()))
	if err != nil {
		return fmt.Errorf("incrementing %s usage: %w", feature, err)
	}
	if limit := l.limits[feature]; limit > 0 && count == limit {
		l.logger.Info("usage limit reached",
			"owner_id", ownerID,
			"feature", feature,
			"limit", limit)
	}
	return nil
}
