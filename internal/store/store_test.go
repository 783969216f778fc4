package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func intPtr(v int) *int { return &v }

func strPtr(v string) *string { return &v }

func at(sec int) time.Time { return time.Date(2025, 1, 1, 0, 0, sec, 0, time.UTC) }

func attempt(d string, sub int64, n int, ts time.Time) *Attempt {
	return &Attempt{DeliveryID: d, SubscriptionID: sub, Number: n, Status: StatusFailed, Timestamp: ts}
}

func TestSubscription_Accepts(t *testing.T) {
	tests := []struct {
		name      string
		types     []string
		eventType string
		want      bool
	}{
		{name: "no filter accepts labeled", types: nil, eventType: "user.updated", want: true},
		{name: "no filter accepts unlabeled", types: []string{}, eventType: "", want: true},
		{name: "matching label", types: []string{"order.created"}, eventType: "order.created", want: true},
		{name: "non-matching label", types: []string{"order.created"}, eventType: "user.updated", want: false},
		{name: "unlabeled with filter", types: []string{"order.created"}, eventType: "", want: false},
		{name: "match is case sensitive", types: []string{"order.created"}, eventType: "Order.Created", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Subscription{EventTypes: tt.types}
			if got := s.Accepts(tt.eventType); got != tt.want {
				t.Errorf("Accepts(%q) = %v, want %v", tt.eventType, got, tt.want)
			}
		})
	}
}

func TestMemoryLogStore_ByDelivery(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryLogStore()

	if _, err := s.ByDelivery(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ByDelivery(missing) error = %v, want ErrNotFound", err)
	}

	// stored out of order, returned ascending
	for _, n := range []int{3, 1, 2} {
		if err := s.Append(ctx, attempt("d-1", 1, n, at(n))); err != nil {
			t.Fatalf("Append(%d): %v", n, err)
		}
	}
	if err := s.Append(ctx, attempt("d-2", 1, 1, at(9))); err != nil {
		t.Fatalf("Append(d-2): %v", err)
	}

	rows, err := s.ByDelivery(ctx, "d-1")
	if err != nil {
		t.Fatalf("ByDelivery() error: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}
	for i, r := range rows {
		if r.Number != i+1 {
			t.Errorf("row %d attempt = %d, want %d", i, r.Number, i+1)
		}
		if r.ID == 0 {
			t.Errorf("row %d has no ID", i)
		}
	}
}

func TestMemoryLogStore_AppendDuplicate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryLogStore()

	if err := s.Append(ctx, attempt("d-1", 1, 1, time.Time{})); err != nil {
		t.Fatalf("first Append: %v", err)
	}
	if err := s.Append(ctx, attempt("d-1", 1, 1, time.Time{})); !errors.Is(err, ErrDuplicateAttempt) {
		t.Fatalf("duplicate Append error = %v, want ErrDuplicateAttempt", err)
	}
	rows, _ := s.ByDelivery(ctx, "d-1")
	if len(rows) != 1 {
		t.Errorf("got %d rows after duplicate, want 1", len(rows))
	}
}

func TestMemoryLogStore_AppendFillsTimestamp(t *testing.T) {
	s := NewMemoryLogStore()
	fixed := at(42)
	s.now = func() time.Time { return fixed }

	a := attempt("d-1", 1, 1, time.Time{})
	if err := s.Append(context.Background(), a); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if !a.Timestamp.Equal(fixed) {
		t.Errorf("Timestamp = %v, want %v", a.Timestamp, fixed)
	}
}

func TestMemoryLogStore_RowsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryLogStore()

	a := attempt("d-1", 1, 1, at(1))
	a.HTTPStatus = intPtr(500)
	a.Error = strPtr("boom")
	_ = s.Append(ctx, a)

	*a.HTTPStatus = 200
	*a.Error = "changed"

	rows, _ := s.ByDelivery(ctx, "d-1")
	if *rows[0].HTTPStatus != 500 || *rows[0].Error != "boom" {
		t.Errorf("stored row was mutated through caller pointers: %+v", rows[0])
	}
}

func TestMemoryLogStore_ReturnedRowsAreCopies(t *testing.T) {
	ctx := context.Background()

	reads := []struct {
		name string
		read func(s *MemoryLogStore) Attempt
	}{
		{name: "ByDelivery", read: func(s *MemoryLogStore) Attempt {
			rows, _ := s.ByDelivery(ctx, "d-1")
			return rows[0]
		}},
		{name: "BySubscription", read: func(s *MemoryLogStore) Attempt {
			rows, _ := s.BySubscription(ctx, 1, 0)
			return rows[0]
		}},
		{name: "LastAttempt", read: func(s *MemoryLogStore) Attempt {
			last, _, _ := s.LastAttempt(ctx, "d-1")
			return last
		}},
	}

	for _, tt := range reads {
		t.Run(tt.name, func(t *testing.T) {
			s := NewMemoryLogStore()
			a := attempt("d-1", 1, 1, at(1))
			a.HTTPStatus = intPtr(500)
			a.Error = strPtr("boom")
			_ = s.Append(ctx, a)

			got := tt.read(s)
			*got.HTTPStatus = 200
			*got.Error = "changed"

			last, _, _ := s.LastAttempt(ctx, "d-1")
			if *last.HTTPStatus != 500 || *last.Error != "boom" {
				t.Errorf("stored row was mutated through a returned row: %+v", last)
			}
		})
	}
}

func TestMemoryLogStore_BySubscription(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryLogStore()

	// 25 rows across 5 deliveries, one second apart
	for i := 0; i < 25; i++ {
		d := fmt.Sprintf("d-%d", i%5)
		if err := s.Append(ctx, attempt(d, 7, i/5+1, at(i))); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}
	_ = s.Append(ctx, attempt("other", 8, 1, at(59)))

	tests := []struct {
		name      string
		limit     int
		wantCount int
	}{
		{name: "default limit", limit: 0, wantCount: 20},
		{name: "explicit limit", limit: 5, wantCount: 5},
		{name: "limit above total", limit: 100, wantCount: 25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := s.BySubscription(ctx, 7, tt.limit)
			if err != nil {
				t.Fatalf("BySubscription() error: %v", err)
			}
			if len(rows) != tt.wantCount {
				t.Fatalf("got %d rows, want %d", len(rows), tt.wantCount)
			}
			// newest first: timestamps 24, 23, ...
			for i, r := range rows {
				if want := at(24 - i); !r.Timestamp.Equal(want) {
					t.Errorf("row %d timestamp = %v, want %v", i, r.Timestamp, want)
				}
				if r.SubscriptionID != 7 {
					t.Errorf("row %d belongs to subscription %d", i, r.SubscriptionID)
				}
			}
		})
	}

	rows, err := s.BySubscription(ctx, 99, 0)
	if err != nil {
		t.Fatalf("BySubscription(empty) error: %v", err)
	}
	if rows == nil || len(rows) != 0 {
		t.Errorf("BySubscription(empty) = %v, want empty non-nil slice", rows)
	}
}

func TestMemoryLogStore_LastAttempt(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryLogStore()

	if _, ok, err := s.LastAttempt(ctx, "d-1"); ok || err != nil {
		t.Fatalf("LastAttempt(empty) = ok %v err %v, want false nil", ok, err)
	}
	for _, n := range []int{1, 3, 2} {
		_ = s.Append(ctx, attempt("d-1", 1, n, at(n)))
	}
	last, ok, err := s.LastAttempt(ctx, "d-1")
	if err != nil || !ok {
		t.Fatalf("LastAttempt() = ok %v err %v", ok, err)
	}
	if last.Number != 3 {
		t.Errorf("LastAttempt().Number = %d, want 3", last.Number)
	}
}

func TestMemoryLogStore_ConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryLogStore()

	var wg sync.WaitGroup
	for d := 0; d < 50; d++ {
		wg.Add(1)
		go func(d int) {
			defer wg.Done()
			for n := 1; n <= 6; n++ {
				if err := s.Append(ctx, attempt(fmt.Sprintf("d-%d", d), int64(d), n, time.Time{})); err != nil {
					t.Errorf("Append: %v", err)
				}
			}
		}(d)
	}
	wg.Wait()

	for d := 0; d < 50; d++ {
		rows, err := s.ByDelivery(ctx, fmt.Sprintf("d-%d", d))
		if err != nil || len(rows) != 6 {
			t.Errorf("delivery d-%d: %d rows, err %v", d, len(rows), err)
		}
	}
}

func TestMemorySubscriptionStore_CRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySubscriptionStore()

	sub := &Subscription{TargetURL: "https://example.com/hook", Secret: "s3cret", EventTypes: []string{"order.created"}}
	if err := s.Create(ctx, sub); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sub.ID != 1 || sub.CreatedAt.IsZero() {
		t.Fatalf("Create did not assign ID/CreatedAt: %+v", sub)
	}

	got, err := s.Get(ctx, sub.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.TargetURL != sub.TargetURL || got.Secret != "s3cret" {
		t.Errorf("Get = %+v", got)
	}

	got.EventTypes[0] = "mutated"
	again, _ := s.Get(ctx, sub.ID)
	if again.EventTypes[0] != "order.created" {
		t.Error("Get returned a shared EventTypes slice")
	}

	sub.TargetURL = "https://example.com/v2"
	if err := s.Update(ctx, sub); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ = s.Get(ctx, sub.ID)
	if got.TargetURL != "https://example.com/v2" {
		t.Errorf("TargetURL after update = %q", got.TargetURL)
	}

	_ = s.Create(ctx, &Subscription{TargetURL: "https://example.org"})
	list, _ := s.List(ctx)
	if len(list) != 2 || list[0].ID != 1 || list[1].ID != 2 {
		t.Errorf("List = %+v", list)
	}

	deleted, err := s.Delete(ctx, sub.ID)
	if err != nil || deleted.ID != sub.ID {
		t.Fatalf("Delete = %+v, %v", deleted, err)
	}

	notFound := []struct {
		name string
		fn   func() error
	}{
		{"get", func() error { _, err := s.Get(ctx, sub.ID); return err }},
		{"update", func() error { return s.Update(ctx, &Subscription{ID: sub.ID}) }},
		{"delete", func() error { _, err := s.Delete(ctx, sub.ID); return err }},
	}
	for _, tt := range notFound {
		if err := tt.fn(); !errors.Is(err, ErrNotFound) {
			t.Errorf("%s after delete error = %v, want ErrNotFound", tt.name, err)
		}
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	st, err := Open(ctx, BackendMemory, "", true)
	if err != nil {
		t.Fatalf("Open(memory) error: %v", err)
	}
	defer st.Close()
	if _, ok := st.Logs.(*MemoryLogStore); !ok {
		t.Errorf("Logs = %T, want *MemoryLogStore", st.Logs)
	}
	if _, ok := st.Subscriptions.(*MemorySubscriptionStore); !ok {
		t.Errorf("Subscriptions = %T, want *MemorySubscriptionStore", st.Subscriptions)
	}
	if err := st.Ping(ctx); err != nil {
		t.Errorf("Ping() = %v, want nil for memory stores", err)
	}

	if _, err := Open(ctx, "sqlite", "", false); err == nil {
		t.Error("Open(sqlite) = nil error, want unknown backend")
	}
}
