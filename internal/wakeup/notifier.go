// Package wakeup tells workers in every instance that a queue has new work.
// Delivery is best-effort; workers still poll.
package wakeup

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/DevoteMe/webhookd/internal/log"
)

const channelPrefix = "webhookd:wake:"

type Notifier struct {
	client *redis.Client
	logger *log.Logger
}

func NewNotifier(client *redis.Client, logger *log.Logger) *Notifier {
	return &Notifier{client: client, logger: logger.Named("wakeup")}
}

func Channel(queue string) string {
	return channelPrefix + queue
}

func (n *Notifier) Wake(ctx context.Context, queue string) error {
	if err := n.client.Publish(ctx, Channel(queue), "1").Err(); err != nil {
		return fmt.Errorf("publish wake-up for %s: %w", queue, err)
	}
	return nil
}

// Subscribe calls fn with the queue name of every wake-up until ctx is done.
func (n *Notifier) Subscribe(ctx context.Context, fn func(queue string)) error {
	sub := n.client.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	// Wait for the subscription to be confirmed so no message is missed
	// after Subscribe has been observed as running.
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe to wake-ups: %w", err)
	}
	n.logger.Info("Listening for wake-ups")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			queue := strings.TrimPrefix(msg.Channel, channelPrefix)
			n.logger.Debug("Wake-up received", zap.String("queue", queue))
			fn(queue)
		}
	}
}
