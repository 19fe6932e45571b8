// Package worker consumes delivery tasks from the Redis queue and promotes
// delayed retries when they come due.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/festivo/webhook-engine/internal/dispatch"
	"github.com/festivo/webhook-engine/internal/queue"
)

type Worker struct {
	queue           *queue.RedisQueue
	service         *dispatch.Service
	concurrency     int
	promoteInterval time.Duration
}

func New(q *queue.RedisQueue, svc *dispatch.Service, concurrency int, promoteInterval time.Duration) *Worker {
	if promoteInterval <= 0 {
		promoteInterval = time.Second
	}
	return &Worker{
		queue:           q,
		service:         svc,
		concurrency:     concurrency,
		promoteInterval: promoteInterval,
	}
}

// Start launches the consumer pool and the delayed-task promoter. It
// returns once everything is running; goroutines exit when ctx is
// cancelled.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	for i := range w.concurrency {
		consumer := fmt.Sprintf("worker-%d", i)
		go w.queue.Consume(ctx, consumer, w.handle)
	}
	go w.promoteLoop(ctx)
	return nil
}

func (w *Worker) handle(ctx context.Context, deliveryID uuid.UUID) {
	if err := w.service.ProcessDelivery(ctx, deliveryID); err != nil {
		slog.Error("process delivery failed", "error", err, "delivery_id", deliveryID)
	}
}

func (w *Worker) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(w.promoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.queue.PromoteDue(ctx, time.Now(), 100); err != nil && ctx.Err() == nil {
				slog.Error("promote due tasks failed", "error", err)
			}
		}
	}
}
