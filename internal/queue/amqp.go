package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/hookrelay/internal/config"
	"github.com/austindbirch/hookrelay/internal/delivery"
	"github.com/austindbirch/hookrelay/internal/logging"
	"github.com/austindbirch/hookrelay/internal/metrics"
)

const amqpConnectTimeout = 30 * time.Second

var errAMQPClosed = errors.New("amqp connection closed")

// AMQPQueue runs the deliveries queue on RabbitMQ. Delays go through one
// holding queue per delay length whose TTL dead-letters back into the work queue.
type AMQPQueue struct {
	url       string
	queue     string
	dlq       string
	workers   int
	redeliver time.Duration
	logger    *logging.Logger

	// republish sends a failed task back with a delay; Enqueue unless a test swaps it
	republish func(ctx context.Context, t delivery.Task, delay time.Duration) error

	mu       sync.Mutex
	conn     *amqp.Connection
	pub      *amqp.Channel
	declared map[string]bool
}

func NewAMQPQueue(ctx context.Context, cfg config.Queue, workers int, logger *logging.Logger) (*AMQPQueue, error) {
	if workers < 1 {
		workers = 1
	}
	q := newAMQPQueue(cfg, workers, logger)

	ctx, cancel := context.WithTimeout(ctx, amqpConnectTimeout)
	defer cancel()
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, err := q.channel(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func newAMQPQueue(cfg config.Queue, workers int, logger *logging.Logger) *AMQPQueue {
	q := &AMQPQueue{
		url:       cfg.AMQPURL,
		queue:     cfg.DeliveriesTopic,
		dlq:       cfg.DLQTopic,
		workers:   workers,
		redeliver: DefaultRedeliveryDelay,
		logger:    logger,
		declared:  map[string]bool{},
	}
	q.republish = q.Enqueue
	return q
}

// delayQueueName names the holding queue for one delay length
func delayQueueName(queue string, delay time.Duration) string {
	return fmt.Sprintf("%s.delay.%d", queue, delay.Milliseconds())
}

// delayQueueArgs expire messages after delay and route them to the work queue
func delayQueueArgs(queue string, delay time.Duration) amqp.Table {
	return amqp.Table{
		"x-message-ttl":             delay.Milliseconds(),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue,
	}
}

// channel returns the publishing channel, dialing again when the broker dropped it. Caller holds mu.
func (q *AMQPQueue) channel(ctx context.Context) (*amqp.Channel, error) {
	if q.pub != nil && !q.pub.IsClosed() {
		return q.pub, nil
	}

	conn, err := backoff.Retry(ctx, func() (*amqp.Connection, error) {
		if q.conn != nil && !q.conn.IsClosed() {
			return q.conn, nil
		}
		return amqp.Dial(q.url)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(amqpConnectTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			q.logger.Plain().WithError(err).Warnf("amqp dial failed, retrying in %s", next)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	q.conn = conn

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	for _, name := range []string{q.queue, q.dlq} {
		if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("declare queue %s: %w", name, err)
		}
	}
	q.pub = ch
	// a new channel may be talking to a broker that lost the holding queues
	clear(q.declared)
	return ch, nil
}

func (q *AMQPQueue) publish(ctx context.Context, key, messageID string, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch, err := q.channel(ctx)
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, "", key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		q.pub = nil
		return fmt.Errorf("amqp publish %s: %w", key, err)
	}
	return nil
}

func (q *AMQPQueue) Enqueue(ctx context.Context, t delivery.Task, delay time.Duration) error {
	body, err := encodeTask(t)
	if err != nil {
		return err
	}
	key := q.queue
	if delay > 0 {
		if key, err = q.declareDelay(ctx, delay); err != nil {
			return err
		}
	}
	return q.publish(ctx, key, t.DeliveryID, body)
}

func (q *AMQPQueue) declareDelay(ctx context.Context, delay time.Duration) (string, error) {
	name := delayQueueName(q.queue, delay)

	q.mu.Lock()
	defer q.mu.Unlock()
	ch, err := q.channel(ctx)
	if err != nil {
		return "", err
	}
	if q.declared[name] {
		return name, nil
	}
	if _, err := ch.QueueDeclare(name, true, false, false, false, delayQueueArgs(q.queue, delay)); err != nil {
		q.pub = nil
		return "", fmt.Errorf("declare queue %s: %w", name, err)
	}
	q.declared[name] = true
	return name, nil
}

func (q *AMQPQueue) PublishDeadLetter(ctx context.Context, dl delivery.DeadLetter) error {
	body, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	return q.publish(ctx, q.dlq, dl.Task.DeliveryID, body)
}

// Run consumes until ctx is cancelled, reconnecting with backoff when the broker goes away
func (q *AMQPQueue) Run(ctx context.Context, h delivery.HandlerFunc) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 30 * time.Second

	go q.monitorBacklog(ctx, 15*time.Second)

	for ctx.Err() == nil {
		err := q.consume(ctx, h)
		if ctx.Err() != nil {
			break
		}
		wait := bo.NextBackOff()
		q.logger.Plain().WithError(err).Warnf("amqp consumer stopped, reconnecting in %s", wait)
		sleep(ctx, wait)
	}
	return nil
}

func (q *AMQPQueue) consume(ctx context.Context, h delivery.HandlerFunc) error {
	q.mu.Lock()
	_, err := q.channel(ctx)
	conn := q.conn
	q.mu.Unlock()
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(q.workers, 0, false); err != nil {
		return fmt.Errorf("amqp qos: %w", err)
	}
	deliveries, err := ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.queue, err)
	}
	q.logger.Plain().WithFields(map[string]any{"queue": q.queue, "workers": q.workers}).Info("amqp consumer started")

	// closing the channel ends the deliveries range in every worker
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = ch.Close()
		case <-stop:
		}
	}()

	g := new(errgroup.Group)
	for range q.workers {
		g.Go(func() error {
			for d := range deliveries {
				q.handle(context.WithoutCancel(ctx), d, h)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errAMQPClosed
}

func (q *AMQPQueue) handle(ctx context.Context, d amqp.Delivery, h delivery.HandlerFunc) {
	t, err := decodeTask(d.Body)
	if err != nil {
		// a body that cannot be decoded will never succeed
		q.logger.Plain().WithError(err).Error("bad task payload")
		_ = d.Ack(false)
		return
	}

	if err := h(ctx, t); err != nil {
		log := q.logger.Plain().WithDelivery(t.DeliveryID).WithAttempt(t.Attempt)
		log.WithError(err).Warnf("handler failed, redelivering in %s", q.redeliver)
		if err := q.republish(ctx, t, q.redeliver); err != nil {
			log.WithError(err).Error("delayed redelivery failed, requeueing now")
			_ = d.Nack(false, true)
			return
		}
	}
	if err := d.Ack(false); err != nil {
		q.logger.Plain().WithDelivery(t.DeliveryID).WithError(err).Error("ack failed")
	}
}

func (q *AMQPQueue) monitorBacklog(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := q.Depth(ctx)
			if err != nil {
				q.logger.Plain().WithError(err).Warn("failed to inspect amqp queue")
				continue
			}
			metrics.UpdateQueueDepth(q.queue, "amqp", float64(depth))
		}
	}
}

// Depth is the number of ready messages on the work queue; delayed tasks are not counted
func (q *AMQPQueue) Depth(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, err := q.channel(ctx)
	if err != nil {
		return 0, err
	}
	info, err := ch.QueueDeclarePassive(q.queue, true, false, false, false, nil)
	if err != nil {
		q.pub = nil
		return 0, fmt.Errorf("inspect queue %s: %w", q.queue, err)
	}
	return info.Messages, nil
}

// Ping reports whether the broker connection is open
func (q *AMQPQueue) Ping(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.conn == nil || q.conn.IsClosed() {
		return errAMQPClosed
	}
	return nil
}

func (q *AMQPQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pub != nil {
		_ = q.pub.Close()
		q.pub = nil
	}
	if q.conn == nil || q.conn.IsClosed() {
		return nil
	}
	return q.conn.Close()
}
