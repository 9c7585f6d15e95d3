package platform

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// WakeupChannel wraps a Redis Pub/Sub channel used to nudge blocked
// long-poll and push delivery tasks as soon as an event persists, instead
// of waiting for the next poll interval. Redis is a
// best-effort notification path only: a missed notification just means the
// delivery engine falls back to its own poll interval, it never affects
// correctness since the engine's shard scan is the source of truth.
type WakeupChannel struct {
	rdb *redis.Client
}

// NewWakeupChannel wraps an established Redis client.
func NewWakeupChannel(rdb *redis.Client) *WakeupChannel {
	return &WakeupChannel{rdb: rdb}
}

func topicChannel(topic string) string {
	return fmt.Sprintf("fragtale:wakeup:%s", topic)
}

// Notify publishes a wakeup ping for the given topic. Errors are non-fatal
// by design — callers log and continue rather than fail ingest.
func (w *WakeupChannel) Notify(ctx context.Context, topic string) error {
	return w.rdb.Publish(ctx, topicChannel(topic), "1").Err()
}

// Subscribe returns a channel of wakeup pings for the given topic. The
// caller must call Close on the returned subscription when done.
func (w *WakeupChannel) Subscribe(ctx context.Context, topic string) *redis.PubSub {
	return w.rdb.Subscribe(ctx, topicChannel(topic))
}

// Wait adapts Subscribe into the delivery package's Waiter interface: a
// buffered signal channel that receives a value for every ping and is
// closed once ctx is cancelled or the subscription itself ends.
func (w *WakeupChannel) Wait(ctx context.Context, topic string) <-chan struct{} {
	sub := w.Subscribe(ctx, topic)
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out
}
