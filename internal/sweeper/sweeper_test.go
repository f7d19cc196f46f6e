package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DevoteMe/webhookd/internal/event"
	"github.com/DevoteMe/webhookd/internal/log"
	"github.com/DevoteMe/webhookd/internal/store"
)

type fakeStore struct {
	reaped    []store.Job
	reapErr   error
	reapCalls int
	cutoff    time.Time
	deleted   int64
	outcomes  map[uuid.UUID]event.Outcome
}

func (f *fakeStore) ReapExpiredFinalAttempts(context.Context, time.Time) ([]store.Job, error) {
	f.reapCalls++
	if f.reapErr != nil {
		return nil, f.reapErr
	}
	out := f.reaped
	f.reaped = nil
	return out, nil
}

func (f *fakeStore) DeleteSucceededBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return f.deleted, nil
}

func (f *fakeStore) MarkOutcome(_ context.Context, _ event.Provider, id uuid.UUID, o event.Outcome, _ string) error {
	f.outcomes[id] = o
	return nil
}

func TestSweepReapsAndPurges(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	id := uuid.New()
	fs := &fakeStore{
		reaped:   []store.Job{{ID: 1, Provider: event.MediaPipeline, EventID: id, Attempt: 3, MaxAttempts: 3}},
		deleted:  4,
		outcomes: map[uuid.UUID]event.Outcome{},
	}
	s := NewSweeper(fs, time.Minute, 72*time.Hour, log.NewNop())
	s.now = func() time.Time { return now }

	s.Sweep(context.Background())

	assert.Equal(t, event.OutcomeFailed, fs.outcomes[id])
	assert.Equal(t, now.Add(-72*time.Hour), fs.cutoff)
}

func TestSweepZeroRetentionKeepsSucceeded(t *testing.T) {
	fs := &fakeStore{outcomes: map[uuid.UUID]event.Outcome{}}
	s := NewSweeper(fs, time.Minute, 0, log.NewNop())
	s.Sweep(context.Background())
	assert.True(t, fs.cutoff.IsZero())
}

func TestBreakerOpensOnRepeatedFailures(t *testing.T) {
	fs := &fakeStore{reapErr: errors.New("shard down"), outcomes: map[uuid.UUID]event.Outcome{}}
	s := NewSweeper(fs, time.Minute, 0, log.NewNop())

	for i := 0; i < 4; i++ {
		require.Error(t, s.reap(context.Background()))
	}
	assert.Equal(t, 4, fs.reapCalls)

	err := s.reap(context.Background())
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 4, fs.reapCalls, "open breaker must not reach the store")
}
