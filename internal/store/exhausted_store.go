package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/DevoteMe/webhookd/internal/event"
)

// ListExhausted returns failed_exhausted jobs of a provider, oldest first.
func (s *Store) ListExhausted(ctx context.Context, p event.Provider, limit int) ([]Job, error) {
	db, err := s.dbFor(p)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM queue_jobs
		WHERE provider = $1 AND status = 'failed_exhausted'
		ORDER BY finished_at, id
		LIMIT $2
	`, p, limit)
	if err != nil {
		s.logger.Error("Failed to list exhausted jobs", zap.Error(err))
		return nil, fmt.Errorf("list exhausted: %w", err)
	}
	return scanJobs(rows)
}

// Requeue gives an exhausted job a fresh attempt budget and resets its audit
// record to pending.
func (s *Store) Requeue(ctx context.Context, p event.Provider, jobID int64) error {
	db, err := s.dbFor(p)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var eventID string
	err = tx.QueryRowContext(ctx, `
		UPDATE queue_jobs
		SET status = 'pending', attempt = 0, deliver_after = $1, updated_at = $1, finished_at = NULL
		WHERE id = $2 AND provider = $3 AND status = 'failed_exhausted'
		RETURNING event_id
	`, now, jobID, p).Scan(&eventID)
	if err != nil {
		return fmt.Errorf("requeue job %d: %w", jobID, notFound(err))
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE webhook_events SET outcome = 'pending', processed_at = NULL WHERE id = $1 AND outcome <> 'succeeded'
	`, eventID)
	if err != nil {
		return fmt.Errorf("reset outcome: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Info("Requeued exhausted job", zap.Int64("job_id", jobID), zap.String("provider", string(p)))
	return nil
}
