// Package queue carries delivery tasks from ingestion to the workers.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/austindbirch/hookrelay/internal/config"
	"github.com/austindbirch/hookrelay/internal/delivery"
	"github.com/austindbirch/hookrelay/internal/logging"
)

const (
	BackendNSQ    = "nsq"
	BackendRedis  = "redis"
	BackendAMQP   = "amqp"
	BackendMemory = "memory"

	// DefaultRedeliveryDelay is how long a task whose handler failed waits before it is handed out again
	DefaultRedeliveryDelay = 5 * time.Second
)

// Consumer hands tasks to a handler until ctx is cancelled
type Consumer interface {
	Run(ctx context.Context, h delivery.HandlerFunc) error
}

// Queue is a delivery queue backend
type Queue interface {
	delivery.Enqueuer
	Consumer
	Ping(ctx context.Context) error
	Close() error
}

// New builds the backend named by cfg.Backend
func New(ctx context.Context, cfg config.Queue, workers int, logger *logging.Logger) (Queue, error) {
	switch cfg.Backend {
	case BackendNSQ, "":
		return NewNSQQueue(cfg, workers, logger)
	case BackendRedis:
		client, err := NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return NewRedisQueue(client, cfg, workers, WithRedisLogger(logger)), nil
	case BackendAMQP:
		return NewAMQPQueue(ctx, cfg, workers, logger)
	case BackendMemory:
		return NewMemoryQueue(workers, WithMemoryLogger(logger)), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}

func encodeTask(t delivery.Task) ([]byte, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode task: %w", err)
	}
	return b, nil
}

// decodeTask keeps payload numbers as json.Number so they are relayed unchanged
func decodeTask(b []byte) (delivery.Task, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	var t delivery.Task
	if err := dec.Decode(&t); err != nil {
		return delivery.Task{}, fmt.Errorf("decode task: %w", err)
	}
	if t.DeliveryID == "" {
		return delivery.Task{}, fmt.Errorf("decode task: missing delivery_id")
	}
	return t, nil
}
