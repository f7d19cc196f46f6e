package lease

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DevoteMe/webhookd/internal/event"
	"github.com/DevoteMe/webhookd/internal/log"
	"github.com/DevoteMe/webhookd/internal/store"
)

type Store interface {
	ExtendLeases(ctx context.Context, p event.Provider, owner string, ids []int64, ttl time.Duration) ([]int64, error)
}

// holder is one lease owner on one provider's shard.
type holder struct {
	provider event.Provider
	owner    string
}

// Renewer keeps the leases of jobs this process has leased but not finished
// alive, so a slow batch is not re-leased by another worker mid-attempt. It
// also tracks each job's lease deadline so workers can skip jobs whose lease
// ran out before they got to them.
type Renewer struct {
	store  Store
	ttl    time.Duration
	period time.Duration
	logger *log.Logger
	now    func() time.Time

	mu   sync.Mutex
	held map[holder]map[int64]time.Time
}

func NewRenewer(s Store, ttl, period time.Duration, logger *log.Logger) *Renewer {
	return &Renewer{
		store:  s,
		ttl:    ttl,
		period: period,
		logger: logger.Named("lease"),
		now:    time.Now,
		held:   make(map[holder]map[int64]time.Time),
	}
}

func holderOf(job *store.Job) holder {
	h := holder{provider: job.Provider}
	if job.LeaseOwner != nil {
		h.owner = *job.LeaseOwner
	}
	return h
}

func (r *Renewer) Hold(job *store.Job) {
	var deadline time.Time
	if job.LeaseExpiresAt != nil {
		deadline = *job.LeaseExpiresAt
	}
	h := holderOf(job)

	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.held[h]
	if ids == nil {
		ids = make(map[int64]time.Time)
		r.held[h] = ids
	}
	ids[job.ID] = deadline
}

func (r *Renewer) Release(job *store.Job) {
	h := holderOf(job)

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.held[h], job.ID)
	if len(r.held[h]) == 0 {
		delete(r.held, h)
	}
}

// Valid reports whether job is held and its lease has not run out.
func (r *Renewer) Valid(job *store.Job) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	deadline, ok := r.held[holderOf(job)][job.ID]
	return ok && r.now().Before(deadline)
}

// Held returns the number of jobs currently tracked.
func (r *Renewer) Held() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ids := range r.held {
		n += len(ids)
	}
	return n
}

func (r *Renewer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Lease renewer shutting down")
			return nil
		case <-ticker.C:
			r.renew(ctx)
		}
	}
}

func (r *Renewer) snapshot() map[holder][]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[holder][]int64, len(r.held))
	for h, ids := range r.held {
		for id := range ids {
			out[h] = append(out[h], id)
		}
	}
	return out
}

func (r *Renewer) renew(ctx context.Context) {
	for h, ids := range r.snapshot() {
		// The store stamps the new expiry after this, so start+ttl never
		// overstates it.
		start := r.now()
		renewed, err := r.store.ExtendLeases(ctx, h.provider, h.owner, ids, r.ttl)
		if err != nil {
			r.logger.Error("Failed to renew leases",
				zap.String("provider", string(h.provider)), zap.String("owner", h.owner), zap.Error(err))
			continue
		}
		r.extend(h, renewed, start.Add(r.ttl))
		if len(renewed) < len(ids) {
			// Some jobs finished between the snapshot and the update, or
			// their lease was already lost.
			r.logger.Debug("Renewed fewer leases than held",
				zap.String("provider", string(h.provider)), zap.String("owner", h.owner),
				zap.Int("held", len(ids)), zap.Int("renewed", len(renewed)))
		}
	}
}

func (r *Renewer) extend(h holder, ids []int64, deadline time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	held := r.held[h]
	for _, id := range ids {
		if _, ok := held[id]; ok {
			held[id] = deadline
		}
	}
}
