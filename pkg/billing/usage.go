package billing

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// RecordUsage appends one usage event. Events are never updated or deleted.
func (s *PostgresService) RecordUsage(ctx context.Context, req *RecordUsageRequest) error {
	if strings.TrimSpace(req.UserID) == "" {
		return fmt.Errorf("user_id is required: %w", ErrValidation)
	}
	if strings.TrimSpace(req.Metric) == "" {
		return fmt.Errorf("metric is required: %w", ErrValidation)
	}
	if req.Quantity < 0 {
		return fmt.Errorf("quantity %d is negative: %w", req.Quantity, ErrValidation)
	}

	at := s.now().UTC()
	if req.At != nil {
		at = req.At.UTC()
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_events (user_id, metric, quantity, at) VALUES ($1, $2, $3, $4)`,
		req.UserID, req.Metric, req.Quantity, at)
	if err != nil {
		return ClassifyStorageError(fmt.Sprintf("record usage for user %s", req.UserID), err)
	}

	if s.metrics != nil {
		s.metrics.UsageEventsTotal.Inc()
	}
	return nil
}

// SumUsage totals every metric recorded for userID in [start, end).
func SumUsage(ctx context.Context, q Queryer, userID string, start, end time.Time) (int64, error) {
	var total int64
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(quantity), 0)
		FROM usage_events
		WHERE user_id = $1 AND at >= $2 AND at < $3`,
		userID, start, end).Scan(&total)
	if err != nil {
		return 0, ClassifyStorageError("sum usage", err)
	}
	return total, nil
}
