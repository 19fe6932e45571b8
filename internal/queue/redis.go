package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	streamName    = "webhook.deliveries"
	scheduledSet  = "webhook.deliveries.scheduled"
	consumerGroup = "delivery-workers"
)

// RedisQueue backs the queue with a Redis stream for immediate work and a
// sorted set, scored by due time, for delayed work. A promoter loop moves
// due members from the set onto the stream. The consumer group hands each
// stream entry to exactly one consumer, which gives the at-most-one
// in-flight guarantee per task.
type RedisQueue struct {
	rdb *redis.Client
}

func NewRedisQueue(rdb *redis.Client) *RedisQueue {
	return &RedisQueue{rdb: rdb}
}

// EnsureGroup creates the stream and consumer group if they do not exist.
func (q *RedisQueue) EnsureGroup(ctx context.Context) error {
	err := q.rdb.XGroupCreateMkStream(ctx, streamName, consumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, deliveryID uuid.UUID) error {
	err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamName,
		Values: map[string]any{"delivery_id": deliveryID.String()},
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue delivery: %w", err)
	}
	return nil
}

func (q *RedisQueue) EnqueueAt(ctx context.Context, deliveryID uuid.UUID, at time.Time) error {
	if !at.After(time.Now()) {
		return q.Enqueue(ctx, deliveryID)
	}
	err := q.rdb.ZAdd(ctx, scheduledSet, redis.Z{
		Score:  float64(at.Unix()),
		Member: deliveryID.String(),
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue delayed delivery: %w", err)
	}
	return nil
}

// PromoteDue moves scheduled tasks whose due time has passed onto the
// stream. Returns the number promoted.
func (q *RedisQueue) PromoteDue(ctx context.Context, now time.Time, limit int64) (int, error) {
	members, err := q.rdb.ZRangeByScore(ctx, scheduledSet, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.Unix()),
		Count: limit,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list due tasks: %w", err)
	}
	promoted := 0
	for _, m := range members {
		id, err := uuid.Parse(m)
		if err != nil {
			q.rdb.ZRem(ctx, scheduledSet, m)
			continue
		}
		if err := q.Enqueue(ctx, id); err != nil {
			return promoted, err
		}
		if err := q.rdb.ZRem(ctx, scheduledSet, m).Err(); err != nil {
			return promoted, fmt.Errorf("remove promoted task: %w", err)
		}
		promoted++
	}
	return promoted, nil
}

// Consume reads tasks for one consumer until the context is cancelled.
// Every message is acked, even on handler panic-free failure paths: a task
// that could not complete is rediscovered by the periodic sweeps rather
// than redelivered by the stream.
func (q *RedisQueue) Consume(ctx context.Context, consumer string, handle Handler) {
	for {
		if ctx.Err() != nil {
			return
		}

		streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: consumer,
			Streams:  []string{streamName, ">"},
			Count:    1,
			Block:    5 * time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			slog.Error("xreadgroup error", "error", err, "consumer", consumer)
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				raw, ok := msg.Values["delivery_id"].(string)
				if !ok {
					slog.Error("invalid delivery_id in stream message", "msg_id", msg.ID)
					q.rdb.XAck(ctx, streamName, consumerGroup, msg.ID)
					continue
				}
				id, err := uuid.Parse(raw)
				if err != nil {
					slog.Error("failed to parse delivery_id", "error", err, "value", raw)
					q.rdb.XAck(ctx, streamName, consumerGroup, msg.ID)
					continue
				}
				handle(ctx, id)
				q.rdb.XAck(ctx, streamName, consumerGroup, msg.ID)
			}
		}
	}
}
