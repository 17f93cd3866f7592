package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/chirino/messenger-service/internal/config"
	goredis "github.com/redis/go-redis/v9"
)

// NewBus returns the Emitter selected by cfg.RealtimeBusType. Every event
// ends up in hub on each instance; with "redis" the forwarder runs until ctx
// is done.
func NewBus(ctx context.Context, cfg *config.Config, hub *Hub) (Emitter, error) {
	kind := "local"
	if cfg != nil && cfg.RealtimeBusType != "" {
		kind = cfg.RealtimeBusType
	}
	switch kind {
	case "local":
		return hub, nil
	case "redis":
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("redis realtime bus: MESSENGER_SERVICE_REDIS_URL is required")
		}
		bus, err := NewRedisBus(ctx, cfg.RedisURL, cfg.RealtimeBusChannel, hub)
		if err != nil {
			return nil, err
		}
		if err := bus.StartForwarder(ctx); err != nil {
			_ = bus.Close()
			return nil, err
		}
		go func() {
			<-ctx.Done()
			_ = bus.Close()
		}()
		return bus, nil
	default:
		return nil, fmt.Errorf("unknown realtime bus %q; valid: [local redis]", kind)
	}
}

// RedisBus publishes every event on a pub/sub channel; each instance's
// forwarder hands what it receives to its local Hub.
type RedisBus struct {
	rdb     *goredis.Client
	channel string
	hub     *Hub
}

func NewRedisBus(ctx context.Context, redisURL, channel string, hub *Hub) (*RedisBus, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis realtime bus: invalid URL: %w", err)
	}
	rdb := goredis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis realtime bus: ping failed: %w", err)
	}
	if channel == "" {
		channel = "messenger-realtime"
	}
	return &RedisBus{rdb: rdb, channel: channel, hub: hub}, nil
}

func (b *RedisBus) Emit(ctx context.Context, eventType string, payload any, room string) error {
	evt, err := NewEvent(eventType, room, payload)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

// StartForwarder subscribes to the channel and returns once the subscription
// is live.
func (b *RedisBus) StartForwarder(ctx context.Context) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis realtime bus: subscribe: %w", err)
	}
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var evt Event
				if err := json.Unmarshal([]byte(m.Payload), &evt); err != nil {
					log.Warn("Ignoring malformed realtime bus message", "err", err)
					continue
				}
				b.hub.Deliver(evt)
			}
		}
	}()
	return nil
}

func (b *RedisBus) Close() error {
	return b.rdb.Close()
}

var _ Emitter = (*RedisBus)(nil)
