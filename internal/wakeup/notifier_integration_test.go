//go:build integration
// +build integration

package wakeup

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/DevoteMe/webhookd/internal/log"
)

func setupTestRedis(ctx context.Context) (string, func(), error) {
	if addr := os.Getenv("TEST_REDIS_ADDR"); addr != "" {
		return addr, func() {}, nil
	}
	redisContainer, err := tcRedis.Run(ctx, "redis:7")
	if err != nil {
		return "", nil, fmt.Errorf("failed to start redis container: %w", err)
	}
	addr, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		return "", nil, fmt.Errorf("failed to get redis endpoint: %w", err)
	}
	return addr, func() { _ = redisContainer.Terminate(ctx) }, nil
}

func TestWakeReachesSubscriber(t *testing.T) {
	ctx := context.Background()
	addr, cleanup, err := setupTestRedis(ctx)
	require.NoError(t, err)
	defer cleanup()

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	n := NewNotifier(client, log.NewNop())

	var mu sync.Mutex
	var got []string
	subCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- n.Subscribe(subCtx, func(queue string) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, queue)
		})
	}()

	// Publish until the subscriber is attached and has seen one.
	require.Eventually(t, func() bool {
		require.NoError(t, n.Wake(ctx, "webhooks.payment-primary"))
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, 5*time.Second, 50*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "webhooks.payment-primary", got[0])
	mu.Unlock()

	cancel()
	assert.NoError(t, <-done)
}
