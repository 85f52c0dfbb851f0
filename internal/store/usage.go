// ABOUTME: SQLite implementation for per-owner feature usage counters
// ABOUTME: Backs the account usage limiter with (owner, feature, period) rows

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// IncrementUsage adds one to the counter for (owner, feature, period) and
// returns the new value.
func (s *SQLiteStore) IncrementUsage(ctx context.Context, ownerID, feature, period string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO feature_usage (owner_id, feature, period, count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(owner_id, feature, period) DO UPDATE SET count = count + 1
		RETURNING count`,
		ownerID, feature, period,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("incrementing usage: %w", err)
	}

	s.logger.Debug("incremented usage",
		"owner_id", ownerID,
		"feature", feature,
		"period", period,
		"count", count,
	)
	return count, nil
}

// GetUsage returns the counter for (owner, feature, period), zero when absent.
func (s *SQLiteStore) GetUsage(ctx context.Context, ownerID, feature, period string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT count FROM feature_usage
		WHERE owner_id = ? AND feature = ? AND period = ?`,
		ownerID, feature, period,
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("querying usage: %w", err)
	}
	return count, nil
}
