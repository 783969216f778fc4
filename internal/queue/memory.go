package queue

import (
	"context"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/hookrelay/internal/delivery"
	"github.com/austindbirch/hookrelay/internal/logging"
	"github.com/austindbirch/hookrelay/internal/metrics"
)

// Scheduled is a task waiting in the memory queue
type Scheduled struct {
	Task    delivery.Task
	Delay   time.Duration
	ReadyAt time.Time
}

// MemoryQueue is an in-process queue backed by a pending list and a worker channel.
// With a manual clock, time only moves through Advance.
type MemoryQueue struct {
	mu           sync.Mutex
	pending      []Scheduled
	enqueued     []Scheduled
	inflight     int
	redeliveries int

	manual    bool
	clock     time.Time
	now       func() time.Time
	redeliver time.Duration
	workers   int
	logger    *logging.Logger

	wake  chan struct{}
	ready chan Scheduled
}

type MemoryOption func(*MemoryQueue)

// WithManualClock freezes time at start; timers never fire on their own
func WithManualClock(start time.Time) MemoryOption {
	return func(q *MemoryQueue) {
		q.manual = true
		q.clock = start
	}
}

func WithMemoryRedeliveryDelay(d time.Duration) MemoryOption {
	return func(q *MemoryQueue) { q.redeliver = d }
}

func WithMemoryLogger(l *logging.Logger) MemoryOption {
	return func(q *MemoryQueue) { q.logger = l }
}

func NewMemoryQueue(workers int, opts ...MemoryOption) *MemoryQueue {
	if workers < 1 {
		workers = 1
	}
	q := &MemoryQueue{
		now:       time.Now,
		redeliver: DefaultRedeliveryDelay,
		workers:   workers,
		logger:    logging.New("memory-queue"),
		wake:      make(chan struct{}, 1),
		ready:     make(chan Scheduled),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *MemoryQueue) nowLocked() time.Time {
	if q.manual {
		return q.clock
	}
	return q.now()
}

func (q *MemoryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, t delivery.Task, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	q.mu.Lock()
	s := Scheduled{Task: t, Delay: delay, ReadyAt: q.nowLocked().Add(delay)}
	q.pending = append(q.pending, s)
	q.enqueued = append(q.enqueued, s)
	q.mu.Unlock()
	q.signal()
	return nil
}

// Run dispatches due tasks to the configured number of workers and blocks until ctx is done
func (q *MemoryQueue) Run(ctx context.Context, h delivery.HandlerFunc) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		q.dispatch(gctx)
		return nil
	})
	for i := 0; i < q.workers; i++ {
		g.Go(func() error {
			q.work(gctx, h)
			return nil
		})
	}
	return g.Wait()
}

func (q *MemoryQueue) dispatch(ctx context.Context) {
	for {
		due, wait := q.takeDue()
		for _, s := range due {
			select {
			case q.ready <- s:
			case <-ctx.Done():
				return
			}
		}
		if len(due) > 0 {
			continue
		}

		var timer *time.Timer
		var fire <-chan time.Time
		if wait >= 0 && !q.manual {
			timer = time.NewTimer(wait)
			fire = timer.C
		}
		select {
		case <-ctx.Done():
		case <-q.wake:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// takeDue removes due tasks from the pending list and returns how long until the next one
func (q *MemoryQueue) takeDue() ([]Scheduled, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.nowLocked()
	var due, rest []Scheduled
	for _, s := range q.pending {
		if !s.ReadyAt.After(now) {
			due = append(due, s)
		} else {
			rest = append(rest, s)
		}
	}
	q.pending = rest
	q.inflight += len(due)
	metrics.UpdateQueueDepth(BackendMemory, "workers", float64(len(rest)))

	slices.SortStableFunc(due, func(a, b Scheduled) int { return a.ReadyAt.Compare(b.ReadyAt) })
	wait := time.Duration(-1)
	for _, s := range rest {
		if d := s.ReadyAt.Sub(now); wait < 0 || d < wait {
			wait = d
		}
	}
	return due, wait
}

func (q *MemoryQueue) work(ctx context.Context, h delivery.HandlerFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-q.ready:
			err := h(context.WithoutCancel(ctx), s.Task)
			q.mu.Lock()
			if err != nil {
				q.redeliveries++
				q.pending = append(q.pending, Scheduled{Task: s.Task, Delay: q.redeliver, ReadyAt: q.nowLocked().Add(q.redeliver)})
			}
			q.inflight--
			q.mu.Unlock()
			if err != nil {
				q.logger.Plain().WithDelivery(s.Task.DeliveryID).WithAttempt(s.Task.Attempt).WithError(err).
					Warnf("handler failed, redelivering in %s", q.redeliver)
			}
			q.signal()
		}
	}
}

// Advance moves a manual clock forward and releases tasks that became due
func (q *MemoryQueue) Advance(d time.Duration) {
	q.mu.Lock()
	q.clock = q.clock.Add(d)
	q.mu.Unlock()
	q.signal()
}

// WaitIdle blocks until no task is running and none is due
func (q *MemoryQueue) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		if q.idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *MemoryQueue) idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inflight > 0 {
		return false
	}
	now := q.nowLocked()
	for _, s := range q.pending {
		if !s.ReadyAt.After(now) {
			return false
		}
	}
	return true
}

// Pending returns the tasks not yet handed out, earliest first
func (q *MemoryQueue) Pending() []Scheduled {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := slices.Clone(q.pending)
	slices.SortStableFunc(out, func(a, b Scheduled) int { return a.ReadyAt.Compare(b.ReadyAt) })
	return out
}

// Enqueued returns every Enqueue call in order, excluding redeliveries
func (q *MemoryQueue) Enqueued() []Scheduled {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.enqueued)
}

func (q *MemoryQueue) Redeliveries() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.redeliveries
}

func (q *MemoryQueue) Ping(context.Context) error { return nil }

func (q *MemoryQueue) Close() error { return nil }
