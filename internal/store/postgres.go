package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// PGLogStore persists attempts in hookrelay.delivery_attempts
type PGLogStore struct {
	pool *pgxpool.Pool
}

func NewPGLogStore(pool *pgxpool.Pool) *PGLogStore {
	return &PGLogStore{pool: pool}
}

func (s *PGLogStore) Append(ctx context.Context, a *Attempt) error {
	var ts *time.Time
	if !a.Timestamp.IsZero() {
		ts = &a.Timestamp
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO hookrelay.delivery_attempts
			(delivery_id, subscription_id, attempt, status, http_status, error, final, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, now()))
		RETURNING id, created_at`,
		a.DeliveryID, a.SubscriptionID, a.Number, string(a.Status), a.HTTPStatus, a.Error, a.Final, ts,
	).Scan(&a.ID, &a.Timestamp)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateAttempt
		}
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

const attemptColumns = `id, delivery_id, subscription_id, created_at, attempt, status, http_status, error, final`

func (s *PGLogStore) ByDelivery(ctx context.Context, deliveryID string) ([]Attempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+attemptColumns+`
		FROM hookrelay.delivery_attempts
		WHERE delivery_id = $1
		ORDER BY attempt ASC`, deliveryID)
	if err != nil {
		return nil, fmt.Errorf("query attempts by delivery: %w", err)
	}
	out, err := collectAttempts(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func (s *PGLogStore) BySubscription(ctx context.Context, subscriptionID int64, limit int) ([]Attempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+attemptColumns+`
		FROM hookrelay.delivery_attempts
		WHERE subscription_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, subscriptionID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query attempts by subscription: %w", err)
	}
	return collectAttempts(rows)
}

func (s *PGLogStore) LastAttempt(ctx context.Context, deliveryID string) (Attempt, bool, error) {
	a, err := scanAttempt(s.pool.QueryRow(ctx, `
		SELECT `+attemptColumns+`
		FROM hookrelay.delivery_attempts
		WHERE delivery_id = $1
		ORDER BY attempt DESC
		LIMIT 1`, deliveryID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Attempt{}, false, nil
	}
	if err != nil {
		return Attempt{}, false, fmt.Errorf("query last attempt: %w", err)
	}
	return a, true, nil
}

func scanAttempt(row pgx.Row) (Attempt, error) {
	var (
		a      Attempt
		status string
	)
	err := row.Scan(&a.ID, &a.DeliveryID, &a.SubscriptionID, &a.Timestamp, &a.Number, &status, &a.HTTPStatus, &a.Error, &a.Final)
	a.Status = Status(status)
	return a, err
}

func collectAttempts(rows pgx.Rows) ([]Attempt, error) {
	defer rows.Close()

	out := []Attempt{}
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return out, nil
}

// PGSubscriptionStore persists subscriptions in hookrelay.subscriptions
type PGSubscriptionStore struct {
	pool *pgxpool.Pool
}

func NewPGSubscriptionStore(pool *pgxpool.Pool) *PGSubscriptionStore {
	return &PGSubscriptionStore{pool: pool}
}

const subscriptionColumns = `id, target_url, secret, event_types, created_at, updated_at`

func scanSubscription(row pgx.Row) (Subscription, error) {
	var s Subscription
	err := row.Scan(&s.ID, &s.TargetURL, &s.Secret, &s.EventTypes, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Subscription{}, ErrNotFound
	}
	if len(s.EventTypes) == 0 {
		s.EventTypes = nil
	}
	return s, err
}

func eventTypesParam(types []string) []string {
	if types == nil {
		return []string{}
	}
	return types
}

func (s *PGSubscriptionStore) Create(ctx context.Context, sub *Subscription) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO hookrelay.subscriptions (target_url, secret, event_types)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at`,
		sub.TargetURL, sub.Secret, eventTypesParam(sub.EventTypes),
	).Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func (s *PGSubscriptionStore) Get(ctx context.Context, id int64) (Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM hookrelay.subscriptions
		WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Subscription{}, fmt.Errorf("get subscription: %w", err)
	}
	return sub, err
}

func (s *PGSubscriptionStore) List(ctx context.Context) ([]Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM hookrelay.subscriptions
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	out := []Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *PGSubscriptionStore) Update(ctx context.Context, sub *Subscription) error {
	err := s.pool.QueryRow(ctx, `
		UPDATE hookrelay.subscriptions
		SET target_url = $2, secret = $3, event_types = $4, updated_at = now()
		WHERE id = $1
		RETURNING created_at, updated_at`,
		sub.ID, sub.TargetURL, sub.Secret, eventTypesParam(sub.EventTypes),
	).Scan(&sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	return nil
}

func (s *PGSubscriptionStore) Delete(ctx context.Context, id int64) (Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx, `
		DELETE FROM hookrelay.subscriptions
		WHERE id = $1
		RETURNING `+subscriptionColumns, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Subscription{}, fmt.Errorf("delete subscription: %w", err)
	}
	return sub, err
}
