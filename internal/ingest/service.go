// Package ingest accepts inbound events and turns them into queued deliveries.
package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/hookrelay/internal/delivery"
	"github.com/austindbirch/hookrelay/internal/logging"
	"github.com/austindbirch/hookrelay/internal/metrics"
	"github.com/austindbirch/hookrelay/internal/store"
	"github.com/austindbirch/hookrelay/internal/tracing"
)

// Event is an inbound event for one subscription. It is never persisted.
// A nil Payload is decoded from RawBody once the signature has been checked.
type Event struct {
	SubscriptionID int64
	Payload        map[string]any
	EventType      string
	RawBody        []byte
	Signature      string
}

// Result of a successful ingest: either a queued delivery or a filtered event
type Result struct {
	DeliveryID string
	Filtered   bool
}

type Service struct {
	subs      store.SubscriptionStore
	queue     delivery.Enqueuer
	validator Validator
	logger    *logging.Logger
	newID     func() (uuid.UUID, error)
	now       func() time.Time
}

type Option func(*Service)

func WithLogger(l *logging.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithIDGenerator(fn func() (uuid.UUID, error)) Option {
	return func(s *Service) { s.newID = fn }
}

func NewService(subs store.SubscriptionStore, queue delivery.Enqueuer, opts ...Option) *Service {
	s := &Service{
		subs:   subs,
		queue:  queue,
		logger: logging.New("relay-api"),
		newID:  uuid.NewRandom,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest validates ev and queues its first delivery attempt. It never contacts the subscriber.
func (s *Service) Ingest(ctx context.Context, ev Event) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "ingest.event",
		attribute.Int64("subscription_id", ev.SubscriptionID),
		attribute.String("event_type", ev.EventType),
	)
	defer span.End()

	log := s.logger.WithContext(ctx).WithSubscription(ev.SubscriptionID)

	sub, err := s.subs.Get(ctx, ev.SubscriptionID)
	if errors.Is(err, store.ErrNotFound) {
		metrics.RecordIngest("rejected")
		return Result{}, subscriptionNotFoundError(ev.SubscriptionID)
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Error("load subscription failed")
		metrics.RecordIngest("rejected")
		return Result{}, internalError(err, "load subscription")
	}

	tracing.AddSpanEvent(ctx, "ingest.verify_signature")
	if err := s.validator.Verify(sub, ev.RawBody, ev.Signature); err != nil {
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Warn("signature rejected")
		metrics.RecordIngest("rejected")
		return Result{}, err
	}

	payload := ev.Payload
	if payload == nil {
		if payload, err = DecodePayload(ev.RawBody); err != nil {
			metrics.RecordIngest("rejected")
			return Result{}, err
		}
	}

	if !sub.Accepts(ev.EventType) {
		tracing.AddSpanEvent(ctx, "ingest.filtered")
		log.WithField("event_type", ev.EventType).Info("event filtered by subscription")
		metrics.RecordIngest("filtered")
		return Result{Filtered: true}, nil
	}

	id, err := s.newID()
	if err != nil {
		tracing.SetSpanError(ctx, err)
		metrics.RecordIngest("rejected")
		return Result{}, internalError(err, "generate delivery id")
	}
	deliveryID := id.String()
	span.SetAttributes(attribute.String("delivery_id", deliveryID))

	task := delivery.Task{
		DeliveryID:     deliveryID,
		SubscriptionID: sub.ID,
		EventType:      ev.EventType,
		Payload:        payload,
		Attempt:        1,
		EnqueuedAt:     s.now().UTC().Format(time.RFC3339),
		TraceHeaders:   tracing.InjectHeaders(ctx),
	}
	if err := s.queue.Enqueue(ctx, task, 0); err != nil {
		tracing.SetSpanError(ctx, err)
		log.WithDelivery(deliveryID).WithError(err).Error("enqueue delivery failed")
		metrics.RecordIngest("rejected")
		return Result{}, internalError(err, "enqueue delivery")
	}

	tracing.AddSpanEvent(ctx, "ingest.enqueued")
	log.WithDelivery(deliveryID).WithField("event_type", ev.EventType).Info("event accepted")
	metrics.RecordIngest("accepted")
	return Result{DeliveryID: deliveryID}, nil
}
