package delivery

import (
	"context"
	"time"
)

// Task is the queue message for one attempt of one delivery
type Task struct {
	DeliveryID     string            `json:"delivery_id"`
	SubscriptionID int64             `json:"subscription_id"`
	EventType      string            `json:"event_type,omitempty"`
	Payload        map[string]any    `json:"payload"`
	Attempt        int               `json:"attempt"`                 // 1-based
	EnqueuedAt     string            `json:"enqueued_at"`             // RFC3339
	TraceHeaders   map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
}

// Next returns the task for the following attempt of the same delivery
func (t Task) Next(now time.Time) Task {
	n := t
	n.Attempt = t.Attempt + 1
	n.EnqueuedAt = now.UTC().Format(time.RFC3339)
	return n
}

// Enqueuer hands a task to the delivery queue, to become visible after delay
type Enqueuer interface {
	Enqueue(ctx context.Context, t Task, delay time.Duration) error
}

// HandlerFunc processes one task. A non-nil error asks the queue to redeliver it.
type HandlerFunc func(ctx context.Context, t Task) error
