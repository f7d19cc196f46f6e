package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/DevoteMe/webhookd/internal/event"
	"github.com/DevoteMe/webhookd/internal/log"
)

//go:embed schema.sql
var schema string

var (
	ErrNotFound         = errors.New("not found")
	ErrShardUnavailable = errors.New("shard unavailable")
	// ErrLeaseLost is returned when a job changed hands before its holder
	// reported the result.
	ErrLeaseLost = errors.New("job lease lost")
)

// Store holds audit records and queue jobs. Each provider lives on exactly
// one shard so its audit row and its job can be written in one transaction.
type Store struct {
	dbs           []*sql.DB
	logger        *log.Logger
	checkInterval time.Duration

	healthyMu     sync.RWMutex
	healthyShards map[int]bool
}

func Open(dbURLs []string, logger *log.Logger) (*Store, error) {
	var dbs []*sql.DB
	for i, url := range dbURLs {
		db, err := sql.Open("postgres", url)
		if err != nil {
			for _, opened := range dbs {
				opened.Close()
			}
			return nil, fmt.Errorf("open postgres shard %d: %w", i, err)
		}
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(10)
		db.SetConnMaxIdleTime(5 * time.Minute)
		dbs = append(dbs, db)
	}
	return New(dbs, logger), nil
}

// New wraps already opened shards. All shards start healthy.
func New(dbs []*sql.DB, logger *log.Logger) *Store {
	s := &Store{
		dbs:           dbs,
		logger:        logger.Named("store"),
		checkInterval: 10 * time.Second,
		healthyShards: make(map[int]bool, len(dbs)),
	}
	for i := range dbs {
		s.healthyShards[i] = true
	}
	return s
}

func (s *Store) Close() error {
	var errs []error
	for _, db := range s.dbs {
		errs = append(errs, db.Close())
	}
	return errors.Join(errs...)
}

func (s *Store) Migrate(ctx context.Context) error {
	for i, db := range s.dbs {
		if _, err := db.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("migrate shard %d: %w", i, err)
		}
	}
	return nil
}

func (s *Store) ShardCount() int { return len(s.dbs) }

func (s *Store) ShardFor(p event.Provider) int {
	h := fnv.New32a()
	h.Write([]byte(p))
	return int(h.Sum32() % uint32(len(s.dbs)))
}

func (s *Store) dbFor(p event.Provider) (*sql.DB, error) {
	shard := s.ShardFor(p)
	s.healthyMu.RLock()
	healthy := s.healthyShards[shard]
	s.healthyMu.RUnlock()
	if !healthy {
		return nil, fmt.Errorf("%w: shard %d", ErrShardUnavailable, shard)
	}
	return s.dbs[shard], nil
}

// ShardHealth returns a snapshot of the last health check.
func (s *Store) ShardHealth() map[int]bool {
	s.healthyMu.RLock()
	defer s.healthyMu.RUnlock()
	out := make(map[int]bool, len(s.healthyShards))
	for k, v := range s.healthyShards {
		out[k] = v
	}
	return out
}

// Ping checks every shard and returns the first failure.
func (s *Store) Ping(ctx context.Context) error {
	for i, db := range s.dbs {
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("ping shard %d: %w", i, err)
		}
	}
	return nil
}

// Run pings every shard periodically and marks unreachable shards unhealthy
// until they answer again. Writes to an unhealthy shard fail fast.
func (s *Store) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.checkShards(ctx)
		}
	}
}

func (s *Store) checkShards(ctx context.Context) {
	for i, db := range s.dbs {
		pingCtx, cancel := context.WithTimeout(ctx, s.checkInterval/2)
		err := db.PingContext(pingCtx)
		cancel()

		s.healthyMu.Lock()
		was := s.healthyShards[i]
		s.healthyShards[i] = err == nil
		s.healthyMu.Unlock()

		switch {
		case err != nil && was:
			s.logger.Error("Shard unhealthy", zap.Int("shard", i), zap.Error(err))
		case err == nil && !was:
			s.logger.Info("Shard recovered", zap.Int("shard", i))
		}
	}
}

// eachShard runs fn against every healthy shard, collecting errors.
func (s *Store) eachShard(fn func(shard int, db *sql.DB) error) error {
	health := s.ShardHealth()
	var errs []error
	for i, db := range s.dbs {
		if !health[i] {
			continue
		}
		if err := fn(i, db); err != nil {
			errs = append(errs, fmt.Errorf("shard %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

type rowScanner interface {
	Scan(dest ...any) error
}

const jobColumns = `id, queue_name, provider, event_id, payload, attempt, max_attempts, status,
	deliver_after, lease_expires_at, lease_owner, last_error, first_failed_at,
	created_at, updated_at, finished_at`

func scanJob(row rowScanner) (Job, error) {
	var j Job
	err := row.Scan(&j.ID, &j.Queue, &j.Provider, &j.EventID, &j.Payload, &j.Attempt, &j.MaxAttempts, &j.Status,
		&j.DeliverAfter, &j.LeaseExpiresAt, &j.LeaseOwner, &j.LastError, &j.FirstFailedAt,
		&j.CreatedAt, &j.UpdatedAt, &j.FinishedAt)
	return j, err
}

func scanJobs(rows *sql.Rows) ([]Job, error) {
	defer rows.Close()
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
