package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/hookrelay/internal/config"
	"github.com/austindbirch/hookrelay/internal/delivery"
	"github.com/austindbirch/hookrelay/internal/logging"
	"github.com/austindbirch/hookrelay/internal/metrics"
)

// claimScript moves the earliest due member of the delayed set into the processing set,
// scored by its lease deadline
var claimScript = redis.NewScript(`
local items = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 1)
if #items == 0 then
  return false
end
redis.call("ZREM", KEYS[1], items[1])
redis.call("ZADD", KEYS[2], ARGV[2], items[1])
return items[1]
`)

// nackScript returns a claimed member to the delayed set if the claim is still held
var nackScript = redis.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[1]) == 1 then
  redis.call("ZADD", KEYS[2], ARGV[2], ARGV[1])
  return 1
end
return 0
`)

// reapScript returns members whose lease expired to the delayed set, due immediately
var reapScript = redis.NewScript(`
local items = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for _, m in ipairs(items) do
  redis.call("ZREM", KEYS[1], m)
  redis.call("ZADD", KEYS[2], ARGV[1], m)
end
return #items
`)

const reapBatch = 100

// envelope gives each enqueue a distinct sorted set member
type envelope struct {
	ID   string        `json:"id"`
	Task delivery.Task `json:"task"`
}

func decodeEnvelope(member string) (envelope, error) {
	dec := json.NewDecoder(strings.NewReader(member))
	dec.UseNumber()

	var env envelope
	if err := dec.Decode(&env); err != nil {
		return envelope{}, fmt.Errorf("decode task: %w", err)
	}
	if env.Task.DeliveryID == "" {
		return envelope{}, fmt.Errorf("decode task: missing delivery_id")
	}
	return env, nil
}

func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// RedisQueue keeps tasks in a delayed sorted set scored by ready time. Workers claim
// into a processing set with a visibility timeout; a reaper hands out expired claims again.
type RedisQueue struct {
	client     *redis.Client
	delayedKey string
	claimKey   string
	workers    int
	visibility time.Duration
	redeliver  time.Duration
	poll       time.Duration
	now        func() time.Time
	logger     *logging.Logger
}

type RedisOption func(*RedisQueue)

func WithRedisClock(now func() time.Time) RedisOption {
	return func(q *RedisQueue) { q.now = now }
}

func WithRedisPollInterval(d time.Duration) RedisOption {
	return func(q *RedisQueue) { q.poll = d }
}

func WithRedisRedeliveryDelay(d time.Duration) RedisOption {
	return func(q *RedisQueue) { q.redeliver = d }
}

func WithRedisLogger(l *logging.Logger) RedisOption {
	return func(q *RedisQueue) { q.logger = l }
}

func NewRedisQueue(client *redis.Client, cfg config.Queue, workers int, opts ...RedisOption) *RedisQueue {
	if workers < 1 {
		workers = 1
	}
	prefix := cfg.RedisKeyPrefix
	if prefix == "" {
		prefix = "hookrelay"
	}
	visibility := cfg.VisibilityTimeout
	if visibility <= 0 {
		visibility = time.Minute
	}
	q := &RedisQueue{
		client:     client,
		delayedKey: prefix + ":deliveries:delayed",
		claimKey:   prefix + ":deliveries:processing",
		workers:    workers,
		visibility: visibility,
		redeliver:  DefaultRedeliveryDelay,
		poll:       200 * time.Millisecond,
		now:        time.Now,
		logger:     logging.New("redis-queue"),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func score(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func (q *RedisQueue) Enqueue(ctx context.Context, t delivery.Task, delay time.Duration) error {
	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Errorf("generate envelope id: %w", err)
	}
	member, err := json.Marshal(envelope{ID: id.String(), Task: t})
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if delay < 0 {
		delay = 0
	}
	readyAt := q.now().Add(delay)
	if err := q.client.ZAdd(ctx, q.delayedKey, redis.Z{Score: float64(readyAt.UnixMilli()), Member: string(member)}).Err(); err != nil {
		return fmt.Errorf("redis enqueue: %w", err)
	}
	return nil
}

// claim leases the earliest due task, if any
func (q *RedisQueue) claim(ctx context.Context) (string, bool, error) {
	now := q.now()
	member, err := claimScript.Run(ctx, q.client, []string{q.delayedKey, q.claimKey},
		score(now), score(now.Add(q.visibility))).Text()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis claim: %w", err)
	}
	return member, true, nil
}

func (q *RedisQueue) ack(ctx context.Context, member string) error {
	if err := q.client.ZRem(ctx, q.claimKey, member).Err(); err != nil {
		return fmt.Errorf("redis ack: %w", err)
	}
	return nil
}

func (q *RedisQueue) nack(ctx context.Context, member string) error {
	readyAt := q.now().Add(q.redeliver)
	if err := nackScript.Run(ctx, q.client, []string{q.claimKey, q.delayedKey}, member, score(readyAt)).Err(); err != nil {
		return fmt.Errorf("redis nack: %w", err)
	}
	return nil
}

// reap returns expired claims to the delayed set and reports how many moved
func (q *RedisQueue) reap(ctx context.Context) (int, error) {
	n, err := reapScript.Run(ctx, q.client, []string{q.claimKey, q.delayedKey}, score(q.now()), reapBatch).Int()
	if err != nil {
		return 0, fmt.Errorf("redis reap: %w", err)
	}
	return n, nil
}

func (q *RedisQueue) Run(ctx context.Context, h delivery.HandlerFunc) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < q.workers; i++ {
		g.Go(func() error {
			q.work(gctx, h)
			return nil
		})
	}
	g.Go(func() error {
		q.maintain(gctx)
		return nil
	})
	q.logger.Plain().WithFields(map[string]any{"key": q.delayedKey, "workers": q.workers}).Info("redis consumer started")
	return g.Wait()
}

func (q *RedisQueue) work(ctx context.Context, h delivery.HandlerFunc) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	for ctx.Err() == nil {
		member, ok, err := q.claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := bo.NextBackOff()
			q.logger.Plain().WithError(err).Warnf("claim failed, retrying in %s", wait)
			sleep(ctx, wait)
			continue
		}
		bo.Reset()
		if !ok {
			sleep(ctx, q.poll)
			continue
		}
		q.process(ctx, h, member)
	}
}

func (q *RedisQueue) process(ctx context.Context, h delivery.HandlerFunc, member string) {
	// finish the current task even when shutdown has started
	ctx = context.WithoutCancel(ctx)

	env, err := decodeEnvelope(member)
	if err != nil {
		q.logger.Plain().WithError(err).Error("bad task payload")
		_ = q.ack(ctx, member)
		return
	}

	if err := h(ctx, env.Task); err != nil {
		q.logger.Plain().WithDelivery(env.Task.DeliveryID).WithAttempt(env.Task.Attempt).WithError(err).
			Warnf("handler failed, redelivering in %s", q.redeliver)
		if err := q.nack(ctx, member); err != nil {
			// the reaper returns it once the lease expires
			q.logger.Plain().WithDelivery(env.Task.DeliveryID).WithError(err).Error("nack failed")
		}
		return
	}
	if err := q.ack(ctx, member); err != nil {
		q.logger.Plain().WithDelivery(env.Task.DeliveryID).WithError(err).Error("ack failed")
	}
}

// maintain reaps expired claims and publishes the backlog gauge
func (q *RedisQueue) maintain(ctx context.Context) {
	interval := q.visibility / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := q.reap(ctx); err != nil {
				q.logger.Plain().WithError(err).Warn("reap failed")
			} else if n > 0 {
				q.logger.Plain().WithField("count", n).Warn("expired claims returned to queue")
			}
			if depth, err := q.Depth(ctx); err == nil {
				metrics.UpdateQueueDepth(q.delayedKey, "workers", float64(depth))
			}
		}
	}
}

// Depth is the number of tasks waiting, due or not
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.delayedKey).Result()
}

func (q *RedisQueue) Ping(ctx context.Context) error { return q.client.Ping(ctx).Err() }

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
