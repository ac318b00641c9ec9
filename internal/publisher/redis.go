// Package publisher implements a notification sink backed by Redis streams.
package publisher

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"yad2_bot/internal/failure"
)

// DefaultStreamMaxLength bounds each stream; trimming is approximate.
const DefaultStreamMaxLength = 10000

// RedisSink delivers notifications by appending them to a Redis stream.
type RedisSink struct {
	client    *redis.Client
	maxLength int64
	now       func() time.Time
}

// NewRedisSink creates a sink connected to the Redis server at addr.
func NewRedisSink(addr string, db int) *RedisSink {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	return &RedisSink{
		client:    client,
		maxLength: DefaultStreamMaxLength,
		now:       time.Now,
	}
}

// Send appends text to the stream named by destination. Every failure is
// reported as a retryable delivery failure.
func (s *RedisSink) Send(ctx context.Context, destination, text string) error {
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: destination,
		MaxLen: s.maxLength,
		Approx: true,
		Values: map[string]interface{}{
			"message": text,
			"sent_at": s.now().UTC().Format(time.RFC3339),
		},
	}).Err()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return failure.NewDelivery("xadd "+destination, err)
	}
	return nil
}

// Ping checks that the Redis server is reachable.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
