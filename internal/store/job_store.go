package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/DevoteMe/webhookd/internal/event"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertJob(ctx context.Context, tx execer, job *Job) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO queue_jobs (id, queue_name, provider, event_id, payload, attempt, max_attempts, status,
			deliver_after, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, job.ID, job.Queue, job.Provider, job.EventID, job.Payload, job.Attempt, job.MaxAttempts, job.Status,
		job.DeliverAfter.UTC(), job.CreatedAt.UTC(), job.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Enqueue adds a job for an event that is already recorded.
func (s *Store) Enqueue(ctx context.Context, job *Job) error {
	db, err := s.dbFor(job.Provider)
	if err != nil {
		return err
	}
	return insertJob(ctx, db, job)
}

// Lease claims up to limit jobs from queue for owner. Leasing counts as an
// attempt. Pending jobs become eligible once deliver_after has passed;
// in-flight jobs become eligible again once their lease expires, as long as
// they have attempts left.
func (s *Store) Lease(ctx context.Context, p event.Provider, owner string, limit int, ttl time.Duration) ([]Job, error) {
	db, err := s.dbFor(p)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	rows, err := db.QueryContext(ctx, `
		UPDATE queue_jobs
		SET status = 'in_flight', attempt = attempt + 1, lease_owner = $1, lease_expires_at = $2, updated_at = $3
		WHERE id IN (
			SELECT id FROM queue_jobs
			WHERE queue_name = $4
			AND attempt < max_attempts
			AND (
				(status = 'pending' AND deliver_after <= $3)
				OR (status = 'in_flight' AND lease_expires_at < $3)
			)
			ORDER BY deliver_after, id
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		owner, now.Add(ttl), now, p.QueueName(), limit)
	if err != nil {
		return nil, fmt.Errorf("lease jobs: %w", err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING order is not guaranteed.
	sort.Slice(jobs, func(i, k int) bool {
		if !jobs[i].DeliverAfter.Equal(jobs[k].DeliverAfter) {
			return jobs[i].DeliverAfter.Before(jobs[k].DeliverAfter)
		}
		return jobs[i].ID < jobs[k].ID
	})
	return jobs, nil
}

// Complete marks a leased job succeeded.
func (s *Store) Complete(ctx context.Context, job *Job) error {
	return s.finishLeased(ctx, job, `
		UPDATE queue_jobs
		SET status = 'succeeded', finished_at = $1, updated_at = $1, lease_owner = NULL, lease_expires_at = NULL
		WHERE id = $2 AND lease_owner = $3 AND status = 'in_flight'
	`, time.Now().UTC(), job.ID, owner(job))
}

// Reschedule returns a leased job to pending, deliverable at deliverAfter.
func (s *Store) Reschedule(ctx context.Context, job *Job, deliverAfter time.Time, lastErr string) error {
	now := time.Now().UTC()
	return s.finishLeased(ctx, job, `
		UPDATE queue_jobs
		SET status = 'pending', deliver_after = $1, last_error = $2, first_failed_at = COALESCE(first_failed_at, $3),
			updated_at = $3, lease_owner = NULL, lease_expires_at = NULL
		WHERE id = $4 AND lease_owner = $5 AND status = 'in_flight'
	`, deliverAfter.UTC(), truncate(lastErr, 2048), now, job.ID, owner(job))
}

// Exhaust moves a leased job to failed_exhausted. The row is kept for
// operators.
func (s *Store) Exhaust(ctx context.Context, job *Job, lastErr string) error {
	now := time.Now().UTC()
	return s.finishLeased(ctx, job, `
		UPDATE queue_jobs
		SET status = 'failed_exhausted', last_error = $1, first_failed_at = COALESCE(first_failed_at, $2),
			finished_at = $2, updated_at = $2, lease_owner = NULL, lease_expires_at = NULL
		WHERE id = $3 AND lease_owner = $4 AND status = 'in_flight'
	`, truncate(lastErr, 2048), now, job.ID, owner(job))
}

func (s *Store) finishLeased(ctx context.Context, job *Job, query string, args ...any) error {
	db, err := s.dbFor(job.Provider)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job %d: %w", job.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("job %d: %w", job.ID, ErrLeaseLost)
	}
	return nil
}

func owner(job *Job) string {
	if job.LeaseOwner == nil {
		return ""
	}
	return *job.LeaseOwner
}

// ExtendLeases pushes the lease of the given in-flight jobs held by owner to
// now+ttl and returns the ids whose lease was extended.
func (s *Store) ExtendLeases(ctx context.Context, p event.Provider, owner string, ids []int64, ttl time.Duration) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	db, err := s.dbFor(p)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	rows, err := db.QueryContext(ctx, `
		UPDATE queue_jobs SET lease_expires_at = $1, updated_at = $2
		WHERE id = ANY($3) AND lease_owner = $4 AND status = 'in_flight'
		RETURNING id
	`, now.Add(ttl), now, pq.Array(ids), owner)
	if err != nil {
		return nil, fmt.Errorf("extend leases: %w", err)
	}
	defer rows.Close()
	var renewed []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		renewed = append(renewed, id)
	}
	return renewed, rows.Err()
}

// ReapExpiredFinalAttempts exhausts in-flight jobs whose final attempt's lease
// ran out: the worker died or hung and no attempts remain to re-lease them.
func (s *Store) ReapExpiredFinalAttempts(ctx context.Context, now time.Time) ([]Job, error) {
	var reaped []Job
	err := s.eachShard(func(_ int, db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `
			UPDATE queue_jobs
			SET status = 'failed_exhausted', finished_at = $1, updated_at = $1,
				last_error = COALESCE(last_error, 'lease expired on final attempt'),
				first_failed_at = COALESCE(first_failed_at, $1),
				lease_owner = NULL, lease_expires_at = NULL
			WHERE status = 'in_flight' AND attempt >= max_attempts AND lease_expires_at < $1
			RETURNING `+jobColumns, now.UTC())
		if err != nil {
			return fmt.Errorf("reap jobs: %w", err)
		}
		jobs, err := scanJobs(rows)
		if err != nil {
			return err
		}
		reaped = append(reaped, jobs...)
		return nil
	})
	return reaped, err
}

// DeleteSucceededBefore removes succeeded jobs finished before cutoff. Audit
// records are untouched.
func (s *Store) DeleteSucceededBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	err := s.eachShard(func(_ int, db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			DELETE FROM queue_jobs WHERE status = 'succeeded' AND finished_at < $1
		`, cutoff.UTC())
		if err != nil {
			return fmt.Errorf("delete succeeded: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		total += n
		return nil
	})
	return total, err
}

// QueueDepths counts jobs per queue and status across healthy shards.
func (s *Store) QueueDepths(ctx context.Context) (map[string]map[JobStatus]int, error) {
	depths := make(map[string]map[JobStatus]int)
	err := s.eachShard(func(_ int, db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `
			SELECT queue_name, status, COUNT(*) FROM queue_jobs GROUP BY queue_name, status
		`)
		if err != nil {
			return fmt.Errorf("queue depths: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				queue  string
				status JobStatus
				count  int
			)
			if err := rows.Scan(&queue, &status, &count); err != nil {
				return err
			}
			if depths[queue] == nil {
				depths[queue] = make(map[JobStatus]int)
			}
			depths[queue][status] += count
		}
		return rows.Err()
	})
	return depths, err
}
