// Package queue abstracts the task queue used to schedule delivery
// processing. The dispatcher only ever needs two operations: run a delivery
// task as soon as possible, or run it at a given time. Any backing queue
// can implement this, including the in-process synchronous fallback used in
// tests and small deployments.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Queue interface {
	// Enqueue schedules processing of a delivery as soon as a worker is free.
	Enqueue(ctx context.Context, deliveryID uuid.UUID) error
	// EnqueueAt schedules processing of a delivery no earlier than at.
	EnqueueAt(ctx context.Context, deliveryID uuid.UUID, at time.Time) error
}

// Handler processes one delivery task.
type Handler func(ctx context.Context, deliveryID uuid.UUID)
