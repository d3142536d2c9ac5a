package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	backend "github.com/redis/go-redis/v9"
)

const defaultRedisChannel = "flowtree:events"

// RedisHub is an EventHub backed by Redis pub/sub, so editor and run events
// reach subscribers in every flowtree process sharing the Redis server.
type RedisHub struct {
	client  *backend.Client
	channel string
	logger  *slog.Logger
}

// RedisOption configures a RedisHub.
type RedisOption func(*RedisHub)

// WithChannel sets the Redis pub/sub channel name.
func WithChannel(channel string) RedisOption {
	return func(h *RedisHub) { h.channel = channel }
}

// WithRedisLogger sets the logger used for undecodable messages.
func WithRedisLogger(logger *slog.Logger) RedisOption {
	return func(h *RedisHub) { h.logger = logger }
}

// NewRedisHub connects to the Redis server at url (redis://host:port/db).
func NewRedisHub(url string, opts ...RedisOption) (*RedisHub, error) {
	parsed, err := backend.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisHubFromClient(backend.NewClient(parsed), opts...), nil
}

// NewRedisHubFromClient wraps an existing client.
func NewRedisHubFromClient(client *backend.Client, opts ...RedisOption) *RedisHub {
	h := &RedisHub{client: client, channel: defaultRedisChannel, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Ping checks connectivity.
func (h *RedisHub) Ping(ctx context.Context) error {
	return h.client.Ping(ctx).Err()
}

// Publish encodes the event as JSON and publishes it on the hub channel.
func (h *RedisHub) Publish(ctx context.Context, event StreamEvent) error {
	data, err := json.Marshal(stamp(event))
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := h.client.Publish(ctx, h.channel, data).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscribe opens a Redis subscription and forwards matching events. The
// subscription is confirmed before Subscribe returns. Payloads arrive as
// decoded JSON (maps, slices and float64s).
func (h *RedisHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	pubsub := h.client.Subscribe(ctx, h.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", h.channel, err)
	}

	out := make(chan StreamEvent, defaultChannelBuffer)
	done := make(chan struct{})
	msgs := pubsub.Channel()

	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event StreamEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					h.logger.Warn("dropping undecodable event", "channel", msg.Channel, "error", err)
					continue
				}
				if !matchFilter(filter, event) {
					continue
				}
				select {
				case out <- event:
				default:
					// backpressure: drop event for slow subscriber
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = pubsub.Close()
		})
	}
	return out, cancel, nil
}

// Close releases the Redis client.
func (h *RedisHub) Close() error {
	return h.client.Close()
}

var _ EventHub = (*RedisHub)(nil)
