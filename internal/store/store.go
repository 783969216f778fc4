package store

import (
	"context"
	"errors"
	"slices"
	"time"
)

// ErrNotFound is returned when a subscription or delivery has no rows
var ErrNotFound = errors.New("not found")

// ErrDuplicateAttempt is returned by Append when the (delivery, attempt) pair already exists
var ErrDuplicateAttempt = errors.New("attempt already recorded")

// DefaultLogLimit is the number of attempts returned for a subscription log query
const DefaultLogLimit = 20

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Subscription is a registered delivery target
type Subscription struct {
	ID         int64     `json:"id"`
	TargetURL  string    `json:"target_url"`
	Secret     string    `json:"secret,omitempty"`
	EventTypes []string  `json:"event_types,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Accepts reports whether an event with the given type label passes the filter.
// An empty filter accepts everything, including unlabeled events.
func (s Subscription) Accepts(eventType string) bool {
	if len(s.EventTypes) == 0 {
		return true
	}
	if eventType == "" {
		return false
	}
	return slices.Contains(s.EventTypes, eventType)
}

// Attempt is one immutable row of the delivery log. Final marks a row that
// ends the delivery whatever the retry policy says.
type Attempt struct {
	ID             int64     `json:"id"`
	DeliveryID     string    `json:"delivery_id"`
	SubscriptionID int64     `json:"subscription_id"`
	Timestamp      time.Time `json:"timestamp"`
	Number         int       `json:"attempt"`
	Status         Status    `json:"status"`
	HTTPStatus     *int      `json:"http_status"`
	Error          *string   `json:"error"`
	Final          bool      `json:"-"`
}

// LogStore is the append-only delivery attempt log
type LogStore interface {
	// Append inserts a new row and fills in its ID (and Timestamp when zero)
	Append(ctx context.Context, a *Attempt) error
	// ByDelivery returns every attempt in ascending attempt order, or ErrNotFound
	ByDelivery(ctx context.Context, deliveryID string) ([]Attempt, error)
	// BySubscription returns the newest attempts first; limit <= 0 means DefaultLogLimit
	BySubscription(ctx context.Context, subscriptionID int64, limit int) ([]Attempt, error)
	// LastAttempt returns the highest numbered attempt for a delivery
	LastAttempt(ctx context.Context, deliveryID string) (Attempt, bool, error)
}

// SubscriptionStore manages subscriptions
type SubscriptionStore interface {
	Create(ctx context.Context, s *Subscription) error
	Get(ctx context.Context, id int64) (Subscription, error)
	List(ctx context.Context) ([]Subscription, error)
	Update(ctx context.Context, s *Subscription) error
	Delete(ctx context.Context, id int64) (Subscription, error)
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLogLimit
	}
	return limit
}
