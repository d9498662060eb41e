package events

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	consumeBaseBackoff = 50 * time.Millisecond
	consumeMaxBackoff  = 2 * time.Second
)

// Consume drains ch until it closes, handing each event to fn. A
// failing event is retried with capped exponential backoff so a
// transient store error never loses a delivery; only once ctx is done
// is the event abandoned, and the loop keeps draining so blocked
// publishers can finish shutting down.
func Consume[T any](ctx context.Context, ch <-chan T, fn func(context.Context, T) error, log *zap.Logger, name string) {
	for ev := range ch {
		backoff := consumeBaseBackoff
		for attempt := 1; ; attempt++ {
			err := fn(ctx, ev)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				log.Error("event dropped at shutdown",
					zap.String("consumer", name),
					zap.Int("attempts", attempt),
					zap.Error(err))
				break
			}
			log.Warn("event handling failed, retrying",
				zap.String("consumer", name),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(err))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
			}
			if backoff *= 2; backoff > consumeMaxBackoff {
				backoff = consumeMaxBackoff
			}
		}
	}
}
