//go:build integration
// +build integration

package ingest

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/DevoteMe/webhookd/internal/collab/collabtest"
	"github.com/DevoteMe/webhookd/internal/dispatch"
	"github.com/DevoteMe/webhookd/internal/event"
	"github.com/DevoteMe/webhookd/internal/id"
	"github.com/DevoteMe/webhookd/internal/lease"
	"github.com/DevoteMe/webhookd/internal/log"
	"github.com/DevoteMe/webhookd/internal/metrics"
	"github.com/DevoteMe/webhookd/internal/provider"
	"github.com/DevoteMe/webhookd/internal/retry"
	"github.com/DevoteMe/webhookd/internal/store"
	"github.com/DevoteMe/webhookd/internal/worker"
)

func setupTestDB(ctx context.Context) (string, func(), error) {
	if url := os.Getenv("TEST_DB_URL"); url != "" {
		return url, func() {}, nil
	}
	pgContainer, err := postgres.Run(ctx, "postgres:15",
		postgres.WithDatabase("webhookd"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("securepassword"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		return "", nil, fmt.Errorf("failed to start postgres container: %w", err)
	}
	dbURL, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return "", nil, fmt.Errorf("failed to get connection string for postgres: %w", err)
	}
	return dbURL, func() { pgContainer.Terminate(ctx) }, nil
}

func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	dbURL, cleanup, err := setupTestDB(ctx)
	require.NoError(t, err)
	defer cleanup()

	logger := log.NewNop()
	st, err := store.Open([]string{dbURL}, logger)
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.Migrate(ctx))

	platform := collabtest.NewPlatform()
	platform.AddPendingSubscription("sub-1")
	d := dispatch.New(platform, logger)
	dispatch.RegisterDefaultRoutes(d, &dispatch.Handlers{
		Subscriptions: platform,
		Payments:      platform,
		Gifts:         platform,
		Notifications: platform,
		Profiles:      platform,
		Messages:      platform,
		Media:         platform,
	})

	node, err := id.NewNode(1)
	require.NoError(t, err)
	m := metrics.New(prometheus.NewRegistry(), logger)

	pool := worker.NewPool(st, d, retry.NewManager(st, 10*time.Millisecond, logger),
		lease.NewRenewer(st, time.Minute, 10*time.Second, logger), m, logger, worker.Options{
			Owner:          "e2e",
			Providers:      []event.Provider{event.PaymentPrimary},
			Workers:        1,
			BatchSize:      10,
			PollInterval:   50 * time.Millisecond,
			LeaseTTL:       time.Minute,
			HandlerTimeout: 5 * time.Second,
		})

	registry := provider.NewRegistry(5*time.Minute, provider.NewStripe(secret, 5*time.Minute))
	pipeline := NewPipeline(registry, st, d, nil, node, m, logger, Options{
		MaxAttempts:     3,
		StoreTimeout:    5 * time.Second,
		CriticalTimeout: 2 * time.Second,
		Trigger:         pool.Trigger,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go pool.Run(runCtx)

	res, err := pipeline.Handle(ctx, event.PaymentPrimary, signedRequest(checkoutBody, secret))
	require.NoError(t, err)
	require.Equal(t, StateAcknowledged, res.State)
	assert.Equal(t, "active", platform.State().Subscriptions["sub-1"], "critical path unlocks before the ack")

	require.Eventually(t, func() bool {
		rec, err := st.GetEvent(ctx, event.PaymentPrimary, res.EventID)
		return err == nil && rec.Outcome == event.OutcomeSucceeded
	}, 10*time.Second, 50*time.Millisecond)

	// Redelivery after processing changes nothing.
	dup, err := pipeline.Handle(ctx, event.PaymentPrimary, signedRequest(checkoutBody, secret))
	require.NoError(t, err)
	assert.Equal(t, StateDuplicate, dup.State)
	assert.Equal(t, res.EventID, dup.EventID)

	rec, err := st.GetEvent(ctx, event.PaymentPrimary, res.EventID)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.DuplicateCount)

	stState := platform.State()
	require.Len(t, stState.Notifications, 1)
	assert.Equal(t, "payment-primary:pi_1:subscription_activated", stState.Notifications[0].DedupKey)
	assert.Contains(t, stState.Payments, "payment-primary:pi_1")
	assert.Equal(t, []string{"payment-primary:evt_100"}, stState.Published)
}
