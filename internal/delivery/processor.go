package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	goerrors "github.com/goliatone/go-errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/hookrelay/internal/logging"
	"github.com/austindbirch/hookrelay/internal/metrics"
	"github.com/austindbirch/hookrelay/internal/store"
	"github.com/austindbirch/hookrelay/internal/tracing"
)

const (
	TextCodePersistence = "PERSISTENCE_FAILED"

	subscriptionMissing = "subscription not found"
)

// WebhookSender performs one outbound POST
type WebhookSender interface {
	Send(ctx context.Context, req Request) Response
}

// DeadLetterPublisher receives deliveries that ran out of attempts
type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, dl DeadLetter) error
}

// Processor executes a single attempt of a delivery and schedules the next one
type Processor struct {
	logs   store.LogStore
	subs   store.SubscriptionStore
	sender WebhookSender
	queue  Enqueuer
	dlq    DeadLetterPublisher
	policy Policy
	logger *logging.Logger
	now    func() time.Time

	appendTries   uint
	appendBackOff func() backoff.BackOff
}

type ProcessorOption func(*Processor)

func WithPolicy(p Policy) ProcessorOption {
	return func(pr *Processor) { pr.policy = p }
}

func WithDeadLetters(pub DeadLetterPublisher) ProcessorOption {
	return func(pr *Processor) { pr.dlq = pub }
}

func WithLogger(l *logging.Logger) ProcessorOption {
	return func(pr *Processor) { pr.logger = l }
}

func WithClock(now func() time.Time) ProcessorOption {
	return func(pr *Processor) { pr.now = now }
}

// WithAppendRetry bounds how hard the processor tries to write an attempt row
// before handing the task back to the queue
func WithAppendRetry(tries uint, newBackOff func() backoff.BackOff) ProcessorOption {
	return func(pr *Processor) {
		pr.appendTries = tries
		pr.appendBackOff = newBackOff
	}
}

func NewProcessor(logs store.LogStore, subs store.SubscriptionStore, sender WebhookSender, queue Enqueuer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		logs:        logs,
		subs:        subs,
		sender:      sender,
		queue:       queue,
		policy:      DefaultPolicy(),
		logger:      logging.New("relay-worker"),
		now:         time.Now,
		appendTries: 5,
		appendBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle runs attempt t.Attempt of a delivery. A returned error means the task
// must be redelivered; every other outcome has already been recorded.
func (p *Processor) Handle(ctx context.Context, t Task) error {
	if t.Attempt < 1 {
		t.Attempt = 1
	}
	ctx = tracing.ExtractHeaders(ctx, t.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "delivery.attempt",
		attribute.String("delivery_id", t.DeliveryID),
		attribute.Int64("subscription_id", t.SubscriptionID),
		attribute.String("event_type", t.EventType),
		attribute.Int("attempt", t.Attempt),
	)
	defer span.End()

	metrics.WorkerInflight.Inc()
	defer metrics.WorkerInflight.Dec()

	log := func() *logging.LogEntry {
		return p.logger.WithContext(ctx).WithDelivery(t.DeliveryID).WithSubscription(t.SubscriptionID).WithAttempt(t.Attempt)
	}

	last, found, err := p.logs.LastAttempt(ctx, t.DeliveryID)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		log().WithError(err).Error("read last attempt failed")
		return p.persistenceError(err, t)
	}
	if found && last.Number >= t.Attempt {
		tracing.AddSpanEvent(ctx, "delivery.redelivered", attribute.Int("recorded_attempt", last.Number))
		log().WithField("recorded_attempt", last.Number).Info("attempt already recorded, re-deriving schedule")
		return p.resume(ctx, t, last)
	}

	sub, err := p.subs.Get(ctx, t.SubscriptionID)
	if errors.Is(err, store.ErrNotFound) {
		missing := Response{Err: errors.New(subscriptionMissing)}
		row := p.newRow(t, missing)
		row.Final = true
		if owned, err := p.recordAttempt(ctx, t, &row); !owned {
			return err
		}
		metrics.RecordAttempt(string(row.Status), 0)
		tracing.AddSpanEvent(ctx, "delivery.subscription_missing")
		log().Warn("subscription deleted, delivery stopped")
		p.deadLetter(ctx, t, "", missing, subscriptionMissing)
		return nil
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		log().WithError(err).Error("load subscription failed")
		return goerrors.Wrap(err, goerrors.CategoryInternal, "load subscription")
	}

	tracing.AddSpanEvent(ctx, "http.send_webhook")
	resp := p.sender.Send(ctx, Request{
		URL:        sub.TargetURL,
		Secret:     sub.Secret,
		DeliveryID: t.DeliveryID,
		Attempt:    t.Attempt,
		EventType:  t.EventType,
		Payload:    t.Payload,
	})
	span.SetAttributes(
		attribute.Int("http.status_code", resp.StatusCode),
		attribute.Int64("http.latency_ms", resp.Duration.Milliseconds()),
	)

	row := p.newRow(t, resp)
	if owned, err := p.recordAttempt(ctx, t, &row); !owned {
		return err
	}
	metrics.RecordAttempt(string(row.Status), resp.Duration)

	outcome := Decide(p.policy, t.Attempt, row.Status)
	span.SetAttributes(attribute.String("delivery.outcome", outcome.Kind.String()))
	switch outcome.Kind {
	case OutcomeSuccess:
		log().WithField("http_status", resp.StatusCode).Info("delivery succeeded")
		return nil
	case OutcomeRetry:
		metrics.RecordRetry(classifyFailure(resp))
		log().WithFields(map[string]any{
			"http_status": resp.StatusCode,
			"error":       resp.ErrorText(),
			"delay":       outcome.Delay.String(),
		}).Info("attempt failed, retry scheduled")
		return p.enqueueNext(ctx, t, outcome.Delay)
	default:
		p.exhausted(ctx, t, sub.TargetURL, resp)
		return nil
	}
}

// resume handles a redelivered task whose attempt row already exists
func (p *Processor) resume(ctx context.Context, t Task, last store.Attempt) error {
	if last.Number > t.Attempt {
		return nil
	}
	if last.Final {
		return nil
	}
	outcome := Decide(p.policy, last.Number, last.Status)
	if outcome.Kind != OutcomeRetry {
		return nil
	}
	t.Attempt = last.Number
	return p.enqueueNext(ctx, t, outcome.Delay)
}

func (p *Processor) enqueueNext(ctx context.Context, t Task, delay time.Duration) error {
	next := t.Next(p.now())
	next.TraceHeaders = tracing.InjectHeaders(ctx)
	if err := p.queue.Enqueue(ctx, next, delay); err != nil {
		tracing.SetSpanError(ctx, err)
		p.logger.WithContext(ctx).WithDelivery(t.DeliveryID).WithAttempt(next.Attempt).WithError(err).
			Error("enqueue next attempt failed")
		return goerrors.Wrap(err, goerrors.CategoryInternal, "enqueue next attempt")
	}
	tracing.AddSpanEvent(ctx, "delivery.retry_scheduled",
		attribute.Int("next_attempt", next.Attempt),
		attribute.String("delay", delay.String()),
	)
	return nil
}

func (p *Processor) exhausted(ctx context.Context, t Task, targetURL string, resp Response) {
	metrics.RecordExhausted()
	tracing.AddSpanEvent(ctx, "delivery.exhausted", attribute.Int("attempt", t.Attempt))
	p.logger.WithContext(ctx).WithDelivery(t.DeliveryID).WithSubscription(t.SubscriptionID).WithAttempt(t.Attempt).
		WithField("last_error", resp.ErrorText()).
		Warn("delivery exhausted all attempts")
	p.deadLetter(ctx, t, targetURL, resp, "max attempts reached")
}

func (p *Processor) deadLetter(ctx context.Context, t Task, targetURL string, resp Response, reason string) {
	if p.dlq == nil {
		return
	}
	dl := NewDeadLetter(t, targetURL, resp.StatusCode, resp.ErrorText(), reason, p.now())
	if err := p.dlq.PublishDeadLetter(ctx, dl); err != nil {
		tracing.SetSpanError(ctx, err)
		p.logger.WithContext(ctx).WithDelivery(t.DeliveryID).WithError(err).Error("dead letter publish failed")
		return
	}
	p.logger.WithContext(ctx).WithDelivery(t.DeliveryID).Info("dead letter published")
}

// newRow builds the attempt row. The timestamp is truncated to the microsecond
// precision Postgres stores so recordAttempt can recognize its own row.
func (p *Processor) newRow(t Task, resp Response) store.Attempt {
	row := store.Attempt{
		DeliveryID:     t.DeliveryID,
		SubscriptionID: t.SubscriptionID,
		Number:         t.Attempt,
		Timestamp:      p.now().UTC().Truncate(time.Microsecond),
		Status:         store.StatusFailed,
	}
	if resp.Succeeded() {
		row.Status = store.StatusSuccess
	} else {
		msg := resp.ErrorText()
		row.Error = &msg
	}
	if resp.Err == nil && resp.StatusCode > 0 {
		code := resp.StatusCode
		row.HTTPStatus = &code
	}
	return row
}

func (p *Processor) appendRow(ctx context.Context, row *store.Attempt) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := p.logs.Append(ctx, row)
		if errors.Is(err, store.ErrDuplicateAttempt) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(p.appendBackOff()),
		backoff.WithMaxTries(p.appendTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.logger.WithContext(ctx).WithDelivery(row.DeliveryID).WithAttempt(row.Number).WithError(err).
				Warnf("append attempt failed, retrying in %s", next)
		}),
	)
	return err
}

// recordAttempt writes row. It reports false when the caller must stop: either
// another handler recorded this attempt first (nil error) or the row could not
// be written (persistence error, the task goes back to the queue).
func (p *Processor) recordAttempt(ctx context.Context, t Task, row *store.Attempt) (bool, error) {
	err := p.appendRow(ctx, row)
	if err == nil {
		return true, nil
	}
	log := p.logger.WithContext(ctx).WithDelivery(t.DeliveryID).WithAttempt(t.Attempt)

	if errors.Is(err, store.ErrDuplicateAttempt) {
		last, found, lerr := p.logs.LastAttempt(ctx, t.DeliveryID)
		if lerr != nil {
			err = lerr
		} else {
			// an insert that committed before its reply was lost comes back as a duplicate of itself
			if found && last.Number == row.Number && last.Status == row.Status && last.Timestamp.Equal(row.Timestamp) {
				log.Info("attempt row was committed before the store error, continuing")
				row.ID = last.ID
				return true, nil
			}
			log.Info("attempt recorded by another handler")
			return false, nil
		}
	}

	metrics.RecordPersistenceFailure()
	tracing.SetSpanError(ctx, err)
	log.WithError(err).Error("attempt row could not be written, returning task to queue")
	return false, p.persistenceError(err, t)
}

func (p *Processor) persistenceError(err error, t Task) error {
	return goerrors.Wrap(err, goerrors.CategoryOperation, "record delivery attempt").
		WithTextCode(TextCodePersistence).
		WithMetadata(map[string]any{"delivery_id": t.DeliveryID, "attempt": t.Attempt})
}
