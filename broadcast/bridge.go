package broadcast

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"board-api/domain"
)

// Bridge relays events through a Redis channel so subscribers connected to
// any instance see mutations accepted on every instance. Redis pub/sub
// preserves per-channel publish order, which keeps the router's per-topic
// ordering guarantee intact across the relay.
type Bridge struct {
	rc      *redis.Client
	channel string
	router  *Router
	logger  *log.Logger
}

// NewBridge creates a bridge publishing to and relaying from the named
// Redis channel into the local router.
func NewBridge(rc *redis.Client, channel string, router *Router, logger *log.Logger) *Bridge {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Bridge{rc: rc, channel: channel, router: router, logger: logger}
}

// Publish sends the event through Redis. Fire and forget from the engine's
// perspective: failures are logged, never surfaced to the mutation caller.
func (b *Bridge) Publish(ctx context.Context, ev domain.Event) {
	data, err := sonic.Marshal(ev)
	if err != nil {
		b.logger.Errorf("marshal event: %v", err)
		return
	}
	if err := b.rc.Publish(ctx, b.channel, data).Err(); err != nil {
		b.logger.Errorf("publish event to %s: %v", b.channel, err)
	}
}

// Run relays messages from the Redis channel into the local router until
// ctx is cancelled, reconnecting when the pubsub channel closes.
func (b *Bridge) Run(ctx context.Context) {
	for {
		sub := b.rc.Subscribe(ctx, b.channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var ev domain.Event
				if err := sonic.UnmarshalString(msg.Payload, &ev); err != nil {
					b.logger.Errorf("unable to parse event: %v", err)
					continue
				}
				b.router.Publish(ctx, ev)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		b.logger.Error("pubsub channel closed, reconnecting")
		time.Sleep(time.Second)
	}
}
