package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/warp/retainer-engine/retainer"
)

// DefaultRedisKey is the list the delivery worker consumes.
const DefaultRedisKey = "retainer:notifications"

// RedisConfig configures NewRedisDispatcher.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// RedisDispatcher pushes notifications onto a Redis list as JSON.
type RedisDispatcher struct {
	client *redis.Client
	key    string
}

var _ retainer.Dispatcher = (*RedisDispatcher)(nil)

// Message is the wire format pushed to Redis.
type Message struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Title         string    `json:"title"`
	Body          string    `json:"body"`
	ReferenceType string    `json:"referenceType"`
	ReferenceID   string    `json:"referenceId"`
	RecipientID   string    `json:"recipientId"`
	CreatedAt     time.Time `json:"createdAt"`
}

// NewRedisDispatcher connects to Redis and verifies the connection.
func NewRedisDispatcher(ctx context.Context, cfg RedisConfig) (*RedisDispatcher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisDispatcherWithClient(client, cfg.Key), nil
}

// NewRedisDispatcherWithClient wraps an existing client.
func NewRedisDispatcherWithClient(client *redis.Client, key string) *RedisDispatcher {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisDispatcher{client: client, key: key}
}

func (d *RedisDispatcher) Dispatch(ctx context.Context, n retainer.Notification) error {
	payload, err := json.Marshal(Message{
		ID:            n.ID,
		Type:          string(n.Type),
		Title:         n.Title,
		Body:          n.Body,
		ReferenceType: n.ReferenceType,
		ReferenceID:   n.ReferenceID,
		RecipientID:   n.RecipientID,
		CreatedAt:     n.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	if err := d.client.RPush(ctx, d.key, payload).Err(); err != nil {
		return fmt.Errorf("redis rpush failed: %w", err)
	}
	return nil
}

// Close releases the Redis connection pool.
func (d *RedisDispatcher) Close() error {
	return d.client.Close()
}
