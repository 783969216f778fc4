package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	goerrors "github.com/goliatone/go-errors"
	"go.uber.org/zap/zapcore"

	"github.com/austindbirch/hookrelay/internal/delivery"
	"github.com/austindbirch/hookrelay/internal/logging"
	"github.com/austindbirch/hookrelay/internal/store"
)

type fakeQueue struct {
	mu     sync.Mutex
	tasks  []delivery.Task
	delays []time.Duration
	err    error
}

func (q *fakeQueue) Enqueue(_ context.Context, t delivery.Task, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, t)
	q.delays = append(q.delays, delay)
	return nil
}

func newTestService(t *testing.T, subs ...store.Subscription) (*Service, *fakeQueue, []store.Subscription) {
	t.Helper()
	st := store.NewMemorySubscriptionStore()
	var created []store.Subscription
	for _, s := range subs {
		if err := st.Create(context.Background(), &s); err != nil {
			t.Fatalf("create subscription: %v", err)
		}
		created = append(created, s)
	}
	q := &fakeQueue{}
	return NewService(st, q, WithLogger(logging.NewWithCore("test", zapcore.NewNopCore()))), q, created
}

func assertTextCode(t *testing.T, err error, code string, status int) {
	t.Helper()
	var gerr *goerrors.Error
	if !errors.As(err, &gerr) {
		t.Fatalf("error = %v (%T), want *goerrors.Error", err, err)
	}
	if gerr.TextCode != code || gerr.Code != status {
		t.Errorf("error = %s/%d, want %s/%d", gerr.TextCode, gerr.Code, code, status)
	}
}

func TestService_Ingest_Accepted(t *testing.T) {
	svc, q, subs := newTestService(t, store.Subscription{TargetURL: "https://example.com/hook"})

	body := []byte(`{"id":1}`)
	res, err := svc.Ingest(context.Background(), Event{
		SubscriptionID: subs[0].ID,
		Payload:        map[string]any{"id": 1},
		EventType:      "order.created",
		RawBody:        body,
		Signature:      "sha256=ignored-without-secret",
	})
	if err != nil {
		t.Fatalf("Ingest() error: %v", err)
	}
	if res.Filtered || res.DeliveryID == "" {
		t.Fatalf("Result = %+v, want a delivery id", res)
	}
	if _, err := uuid.Parse(res.DeliveryID); err != nil {
		t.Errorf("delivery id %q is not a UUID: %v", res.DeliveryID, err)
	}

	if len(q.tasks) != 1 {
		t.Fatalf("queued %d tasks, want 1", len(q.tasks))
	}
	task := q.tasks[0]
	if task.DeliveryID != res.DeliveryID || task.Attempt != 1 || task.SubscriptionID != subs[0].ID || task.EventType != "order.created" {
		t.Errorf("task = %+v", task)
	}
	if q.delays[0] != 0 {
		t.Errorf("first attempt delay = %v, want 0", q.delays[0])
	}
	if task.EnqueuedAt == "" {
		t.Error("task has no EnqueuedAt")
	}
}

func TestService_Ingest_Signature(t *testing.T) {
	const secret = "whsec_test"
	body := []byte(`{"amount":42}`)

	tests := []struct {
		name      string
		header    string
		wantCode  string
		wantHTTP  int
		wantTasks int
	}{
		{name: "valid signature", header: SignBody(secret, body), wantTasks: 1},
		{name: "wrong digest", header: SignBody("other", body), wantCode: TextCodeInvalidSignature, wantHTTP: http.StatusUnauthorized},
		{name: "non-hex digest", header: "sha256=zzzz", wantCode: TextCodeInvalidSignature, wantHTTP: http.StatusUnauthorized},
		{name: "missing header", header: "", wantCode: TextCodeMalformedSignature, wantHTTP: http.StatusBadRequest},
		{name: "no equals sign", header: "sha256", wantCode: TextCodeMalformedSignature, wantHTTP: http.StatusBadRequest},
		{name: "empty digest", header: "sha256=", wantCode: TextCodeMalformedSignature, wantHTTP: http.StatusBadRequest},
		{name: "unsupported algorithm", header: "md5=abcdef", wantCode: TextCodeUnsupportedAlgorithm, wantHTTP: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, q, subs := newTestService(t, store.Subscription{TargetURL: "https://example.com", Secret: secret})

			res, err := svc.Ingest(context.Background(), Event{
				SubscriptionID: subs[0].ID,
				Payload:        map[string]any{"amount": 42},
				RawBody:        body,
				Signature:      tt.header,
			})
			if tt.wantCode == "" {
				if err != nil || res.DeliveryID == "" {
					t.Fatalf("Ingest() = %+v, %v", res, err)
				}
			} else {
				assertTextCode(t, err, tt.wantCode, tt.wantHTTP)
			}
			if len(q.tasks) != tt.wantTasks {
				t.Errorf("queued %d tasks, want %d", len(q.tasks), tt.wantTasks)
			}
		})
	}
}

func TestService_Ingest_SignatureOverRawBody(t *testing.T) {
	const secret = "s"
	svc, q, subs := newTestService(t, store.Subscription{TargetURL: "https://example.com", Secret: secret})

	// same object, different bytes: only the signed bytes verify
	signed := []byte(`{"a": 1}`)
	_, err := svc.Ingest(context.Background(), Event{
		SubscriptionID: subs[0].ID,
		Payload:        map[string]any{"a": 1},
		RawBody:        []byte(`{"a":1}`),
		Signature:      SignBody(secret, signed),
	})
	assertTextCode(t, err, TextCodeInvalidSignature, http.StatusUnauthorized)
	if len(q.tasks) != 0 {
		t.Errorf("queued %d tasks after rejected signature", len(q.tasks))
	}
}

func TestService_Ingest_EventTypeFilter(t *testing.T) {
	tests := []struct {
		name         string
		eventType    string
		wantFiltered bool
	}{
		{name: "matching type is queued", eventType: "order.created"},
		{name: "other type is filtered", eventType: "user.updated", wantFiltered: true},
		{name: "unlabeled event is filtered", eventType: "", wantFiltered: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, q, subs := newTestService(t, store.Subscription{TargetURL: "https://example.com", EventTypes: []string{"order.created"}})

			res, err := svc.Ingest(context.Background(), Event{
				SubscriptionID: subs[0].ID,
				Payload:        map[string]any{},
				EventType:      tt.eventType,
				RawBody:        []byte(`{}`),
			})
			if err != nil {
				t.Fatalf("Ingest() error: %v", err)
			}
			if res.Filtered != tt.wantFiltered {
				t.Errorf("Filtered = %v, want %v", res.Filtered, tt.wantFiltered)
			}
			wantTasks := 1
			if tt.wantFiltered {
				wantTasks = 0
				if res.DeliveryID != "" {
					t.Errorf("filtered result has delivery id %q", res.DeliveryID)
				}
			}
			if len(q.tasks) != wantTasks {
				t.Errorf("queued %d tasks, want %d", len(q.tasks), wantTasks)
			}
		})
	}
}

func TestService_Ingest_UnknownSubscription(t *testing.T) {
	svc, q, _ := newTestService(t)

	_, err := svc.Ingest(context.Background(), Event{SubscriptionID: 404, RawBody: []byte(`{}`)})
	assertTextCode(t, err, TextCodeSubscriptionNotFound, http.StatusNotFound)
	if len(q.tasks) != 0 {
		t.Errorf("queued %d tasks", len(q.tasks))
	}
}

func TestService_Ingest_EnqueueFailure(t *testing.T) {
	svc, q, subs := newTestService(t, store.Subscription{TargetURL: "https://example.com"})
	q.err = errors.New("nsqd unavailable")

	_, err := svc.Ingest(context.Background(), Event{SubscriptionID: subs[0].ID, RawBody: []byte(`{}`)})
	assertTextCode(t, err, TextCodeInternal, http.StatusInternalServerError)
}

func TestService_Ingest_UniqueDeliveryIDs(t *testing.T) {
	svc, q, subs := newTestService(t, store.Subscription{TargetURL: "https://example.com"})

	const n = 1000
	seen := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		res, err := svc.Ingest(context.Background(), Event{
			SubscriptionID: subs[0].ID,
			Payload:        map[string]any{"same": true},
			RawBody:        []byte(`{"same":true}`),
		})
		if err != nil {
			t.Fatalf("Ingest(%d) error: %v", i, err)
		}
		if _, dup := seen[res.DeliveryID]; dup {
			t.Fatalf("duplicate delivery id %s after %d events", res.DeliveryID, i)
		}
		seen[res.DeliveryID] = struct{}{}
	}
	if len(q.tasks) != n {
		t.Errorf("queued %d tasks, want %d", len(q.tasks), n)
	}
}

func TestService_Ingest_IDGeneratorFailure(t *testing.T) {
	svc, q, subs := newTestService(t, store.Subscription{TargetURL: "https://example.com"})
	svc.newID = func() (uuid.UUID, error) { return uuid.Nil, errors.New("entropy exhausted") }

	_, err := svc.Ingest(context.Background(), Event{SubscriptionID: subs[0].ID, RawBody: []byte(`{}`)})
	assertTextCode(t, err, TextCodeInternal, http.StatusInternalServerError)
	if len(q.tasks) != 0 {
		t.Errorf("queued %d tasks", len(q.tasks))
	}
}

func TestService_Ingest_DecodesRawBody(t *testing.T) {
	const secret = "s"

	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{name: "object", body: `{"order":{"id":7},"total":19.99}`},
		{name: "array", body: `[1,2]`, wantCode: TextCodeInvalidPayload},
		{name: "not json", body: `order=7`, wantCode: TextCodeInvalidPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, q, subs := newTestService(t, store.Subscription{TargetURL: "https://example.com", Secret: secret})
			body := []byte(tt.body)

			_, err := svc.Ingest(context.Background(), Event{
				SubscriptionID: subs[0].ID,
				RawBody:        body,
				Signature:      SignBody(secret, body),
			})
			if tt.wantCode != "" {
				assertTextCode(t, err, tt.wantCode, http.StatusBadRequest)
				if len(q.tasks) != 0 {
					t.Errorf("queued %d tasks for an invalid body", len(q.tasks))
				}
				return
			}
			if err != nil {
				t.Fatalf("Ingest() error: %v", err)
			}
			if got := q.tasks[0].Payload["total"]; got != json.Number("19.99") {
				t.Errorf("payload total = %#v, want json.Number(19.99)", got)
			}
		})
	}
}

func TestService_Ingest_SignatureCheckedBeforeBody(t *testing.T) {
	svc, _, subs := newTestService(t, store.Subscription{TargetURL: "https://example.com", Secret: "s"})

	_, err := svc.Ingest(context.Background(), Event{
		SubscriptionID: subs[0].ID,
		RawBody:        []byte(`not json`),
		Signature:      SignBody("wrong", []byte(`not json`)),
	})
	assertTextCode(t, err, TextCodeInvalidSignature, http.StatusUnauthorized)
}
