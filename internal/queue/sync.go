package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ScheduledTask is a delayed task held by a Sync queue.
type ScheduledTask struct {
	DeliveryID uuid.UUID
	At         time.Time
}

// Sync is the no-queue fallback: Enqueue runs the handler inline, EnqueueAt
// records the task so a caller (or a test) can drain due tasks itself.
type Sync struct {
	Handler Handler

	mu        sync.Mutex
	scheduled []ScheduledTask
}

func NewSync(h Handler) *Sync {
	return &Sync{Handler: h}
}

func (q *Sync) Enqueue(ctx context.Context, deliveryID uuid.UUID) error {
	q.Handler(ctx, deliveryID)
	return nil
}

func (q *Sync) EnqueueAt(ctx context.Context, deliveryID uuid.UUID, at time.Time) error {
	if !at.After(time.Now()) {
		return q.Enqueue(ctx, deliveryID)
	}
	q.mu.Lock()
	q.scheduled = append(q.scheduled, ScheduledTask{DeliveryID: deliveryID, At: at})
	q.mu.Unlock()
	return nil
}

// Scheduled returns a copy of the tasks waiting on a future due time.
func (q *Sync) Scheduled() []ScheduledTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]ScheduledTask, len(q.scheduled))
	copy(out, q.scheduled)
	return out
}

// DrainDue runs every task whose due time has passed.
func (q *Sync) DrainDue(ctx context.Context, now time.Time) int {
	q.mu.Lock()
	var due []ScheduledTask
	var rest []ScheduledTask
	for _, t := range q.scheduled {
		if !t.At.After(now) {
			due = append(due, t)
		} else {
			rest = append(rest, t)
		}
	}
	q.scheduled = rest
	q.mu.Unlock()

	for _, t := range due {
		q.Handler(ctx, t.DeliveryID)
	}
	return len(due)
}
