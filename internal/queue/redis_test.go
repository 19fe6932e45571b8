package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*RedisQueue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	q := NewRedisQueue(rdb)
	require.NoError(t, q.EnsureGroup(context.Background()))
	return q, rdb
}

func TestEnqueueAddsToStream(t *testing.T) {
	q, rdb := newTestQueue(t)
	ctx := context.Background()

	id := uuid.New()
	require.NoError(t, q.Enqueue(ctx, id))

	entries, err := rdb.XRange(ctx, streamName, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id.String(), entries[0].Values["delivery_id"])
}

func TestEnqueueAtPastRunsImmediately(t *testing.T) {
	q, rdb := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.EnqueueAt(ctx, uuid.New(), time.Now().Add(-time.Second)))

	n, err := rdb.XLen(ctx, streamName).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	members, err := rdb.ZCard(ctx, scheduledSet).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), members)
}

func TestEnqueueAtFutureIsScheduled(t *testing.T) {
	q, rdb := newTestQueue(t)
	ctx := context.Background()

	id := uuid.New()
	due := time.Now().Add(time.Hour)
	require.NoError(t, q.EnqueueAt(ctx, id, due))

	n, err := rdb.XLen(ctx, streamName).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "future task must not hit the stream yet")

	members, err := rdb.ZRange(ctx, scheduledSet, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, id.String(), members[0])
}

func TestPromoteDueMovesOnlyDueTasks(t *testing.T) {
	q, rdb := newTestQueue(t)
	ctx := context.Background()

	dueID := uuid.New()
	laterID := uuid.New()
	now := time.Now()
	require.NoError(t, q.EnqueueAt(ctx, dueID, now.Add(10*time.Second)))
	require.NoError(t, q.EnqueueAt(ctx, laterID, now.Add(time.Hour)))

	promoted, err := q.PromoteDue(ctx, now.Add(time.Minute), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	entries, err := rdb.XRange(ctx, streamName, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, dueID.String(), entries[0].Values["delivery_id"])

	members, err := rdb.ZRange(ctx, scheduledSet, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, laterID.String(), members[0])
}

func TestPromoteDueDiscardsGarbageMembers(t *testing.T) {
	q, rdb := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, rdb.ZAdd(ctx, scheduledSet, redis.Z{Score: 1, Member: "not-a-uuid"}).Err())

	promoted, err := q.PromoteDue(ctx, time.Now(), 100)
	require.NoError(t, err)
	assert.Equal(t, 0, promoted)

	members, err := rdb.ZCard(ctx, scheduledSet).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), members)
}
