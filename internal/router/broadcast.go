package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Broadcaster delivers an encoded event to the members of a room.
type Broadcaster interface {
	Broadcast(ctx context.Context, room, event string, data []byte) error
}

// Envelope is the wire form of a broadcast event.
type Envelope struct {
	Event string          `json:"event"`
	Room  string          `json:"room"`
	Data  json.RawMessage `json:"data"`
}

// Emit sends payload to every room that has subscribers. The payload is
// encoded once, and only if at least one room is live.
func (r *Router) Emit(ctx context.Context, event string, rooms []string, payload any) {
	var data []byte
	for _, room := range rooms {
		if room == "" {
			continue
		}
		if !r.HasSubscribers(room) {
			r.metrics.RecordBroadcastSkipped()
			continue
		}
		if data == nil {
			encoded, err := json.Marshal(payload)
			if err != nil {
				r.logger.Error("Router: failed to encode event", "event", event, "error", err)
				r.metrics.RecordError("router", "encode")
				return
			}
			data = encoded
		}

		r.mu.RLock()
		sinks := r.sinks
		r.mu.RUnlock()
		for _, sink := range sinks {
			if err := sink.Broadcast(ctx, strings.ToUpper(room), event, data); err != nil {
				r.logger.Warn("Router: broadcast failed", "event", event, "room", room, "error", err)
				r.metrics.RecordError("router", "broadcast")
			}
		}
		r.logger.Debug("Router: emitted event", "event", event, "room", room)
	}
}

// RedisPublisher publishes events on a redis channel per room.
type RedisPublisher struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedisPublisher creates a publisher for redisURL. Channels are named
// <prefix>:<room>.
func NewRedisPublisher(redisURL, password, prefix string, logger *slog.Logger) (*RedisPublisher, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if password != "" {
		opt.Password = password
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisPublisher{
		client: client,
		prefix: prefix,
		logger: logger.With("component", "redis_publisher"),
	}, nil
}

// Channel returns the redis channel used for room.
func (p *RedisPublisher) Channel(room string) string {
	return p.prefix + ":" + room
}

// Broadcast publishes the event envelope to the room's channel.
func (p *RedisPublisher) Broadcast(ctx context.Context, room, event string, data []byte) error {
	msg, err := json.Marshal(Envelope{Event: event, Room: room, Data: data})
	if err != nil {
		return fmt.Errorf("json marshal failed: %w", err)
	}
	if err := p.client.Publish(ctx, p.Channel(room), msg).Err(); err != nil {
		return fmt.Errorf("redis PUBLISH failed: %w", err)
	}
	return nil
}

// Close closes the redis connection.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
