package store

import (
	"cmp"
	"context"
	"hash/fnv"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

const logShards = 32

type logShard struct {
	mu         sync.RWMutex
	byDelivery map[string][]Attempt
}

// MemoryLogStore keeps attempts in process. Deliveries hash onto independent
// shards so appends for unrelated deliveries do not contend on one lock.
type MemoryLogStore struct {
	shards [logShards]logShard
	nextID atomic.Int64
	now    func() time.Time
}

func NewMemoryLogStore() *MemoryLogStore {
	s := &MemoryLogStore{now: time.Now}
	for i := range s.shards {
		s.shards[i].byDelivery = make(map[string][]Attempt)
	}
	return s
}

func (s *MemoryLogStore) shard(deliveryID string) *logShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deliveryID))
	return &s.shards[h.Sum32()%logShards]
}

func (s *MemoryLogStore) Append(_ context.Context, a *Attempt) error {
	sh := s.shard(a.DeliveryID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rows := sh.byDelivery[a.DeliveryID]
	for _, r := range rows {
		if r.Number == a.Number {
			return ErrDuplicateAttempt
		}
	}
	a.ID = s.nextID.Add(1)
	if a.Timestamp.IsZero() {
		a.Timestamp = s.now().UTC()
	}
	sh.byDelivery[a.DeliveryID] = append(rows, cloneAttempt(*a))
	return nil
}

func (s *MemoryLogStore) ByDelivery(_ context.Context, deliveryID string) ([]Attempt, error) {
	sh := s.shard(deliveryID)
	sh.mu.RLock()
	rows := make([]Attempt, 0, len(sh.byDelivery[deliveryID]))
	for _, a := range sh.byDelivery[deliveryID] {
		rows = append(rows, cloneAttempt(a))
	}
	sh.mu.RUnlock()

	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	slices.SortFunc(rows, func(a, b Attempt) int { return cmp.Compare(a.Number, b.Number) })
	return rows, nil
}

func (s *MemoryLogStore) BySubscription(_ context.Context, subscriptionID int64, limit int) ([]Attempt, error) {
	var rows []Attempt
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, attempts := range sh.byDelivery {
			for _, a := range attempts {
				if a.SubscriptionID == subscriptionID {
					rows = append(rows, cloneAttempt(a))
				}
			}
		}
		sh.mu.RUnlock()
	}

	slices.SortFunc(rows, func(a, b Attempt) int {
		if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	if n := normalizeLimit(limit); len(rows) > n {
		rows = rows[:n]
	}
	if rows == nil {
		rows = []Attempt{}
	}
	return rows, nil
}

func (s *MemoryLogStore) LastAttempt(_ context.Context, deliveryID string) (Attempt, bool, error) {
	sh := s.shard(deliveryID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	var last Attempt
	found := false
	for _, a := range sh.byDelivery[deliveryID] {
		if !found || a.Number > last.Number {
			last, found = a, true
		}
	}
	return cloneAttempt(last), found, nil
}

// cloneAttempt detaches the pointer fields so callers cannot edit a stored row
func cloneAttempt(a Attempt) Attempt {
	if a.HTTPStatus != nil {
		v := *a.HTTPStatus
		a.HTTPStatus = &v
	}
	if a.Error != nil {
		v := *a.Error
		a.Error = &v
	}
	return a
}

// MemorySubscriptionStore keeps subscriptions in process
type MemorySubscriptionStore struct {
	mu     sync.RWMutex
	subs   map[int64]Subscription
	nextID int64
	now    func() time.Time
}

func NewMemorySubscriptionStore() *MemorySubscriptionStore {
	return &MemorySubscriptionStore{subs: make(map[int64]Subscription), now: time.Now}
}

func (s *MemorySubscriptionStore) Create(_ context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	now := s.now().UTC()
	sub.ID = s.nextID
	sub.CreatedAt, sub.UpdatedAt = now, now
	s.subs[sub.ID] = cloneSubscription(*sub)
	return nil
}

func (s *MemorySubscriptionStore) Get(_ context.Context, id int64) (Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subs[id]
	if !ok {
		return Subscription{}, ErrNotFound
	}
	return cloneSubscription(sub), nil
}

func (s *MemorySubscriptionStore) List(_ context.Context) ([]Subscription, error) {
	s.mu.RLock()
	out := make([]Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, cloneSubscription(sub))
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b Subscription) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *MemorySubscriptionStore) Update(_ context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.subs[sub.ID]
	if !ok {
		return ErrNotFound
	}
	sub.CreatedAt = existing.CreatedAt
	sub.UpdatedAt = s.now().UTC()
	s.subs[sub.ID] = cloneSubscription(*sub)
	return nil
}

func (s *MemorySubscriptionStore) Delete(_ context.Context, id int64) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[id]
	if !ok {
		return Subscription{}, ErrNotFound
	}
	delete(s.subs, id)
	return sub, nil
}

func cloneSubscription(s Subscription) Subscription {
	s.EventTypes = slices.Clone(s.EventTypes)
	return s
}
