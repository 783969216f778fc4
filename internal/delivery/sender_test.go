package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
)

func TestSender_SendHeadersAndSignature(t *testing.T) {
	fixed := time.Unix(1735689600, 0)

	var (
		gotHeaders http.Header
		gotBody    []byte
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	s := NewSender(time.Second)
	s.now = func() time.Time { return fixed }

	resp := s.Send(context.Background(), Request{
		URL:        server.URL,
		Secret:     "whsec",
		DeliveryID: "d-1",
		Attempt:    3,
		EventType:  "order.created",
		Payload:    map[string]any{"order_id": 42},
	})

	if !resp.Succeeded() {
		t.Fatalf("Send() = %+v, want success", resp)
	}
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("StatusCode = %d", resp.StatusCode)
	}

	var payload map[string]any
	if err := json.Unmarshal(gotBody, &payload); err != nil || payload["order_id"] != float64(42) {
		t.Errorf("body = %s (%v)", gotBody, err)
	}

	want := map[string]string{
		"Content-Type":  "application/json",
		HeaderDelivery:  "d-1",
		HeaderAttempt:   "3",
		HeaderEventType: "order.created",
		HeaderTimestamp: "1735689600",
	}
	for k, v := range want {
		if got := gotHeaders.Get(k); got != v {
			t.Errorf("header %s = %q, want %q", k, got, v)
		}
	}
	if err := VerifySignature("whsec", gotBody, gotHeaders.Get(HeaderTimestamp), gotHeaders.Get(HeaderSignature), fixed, time.Minute); err != nil {
		t.Errorf("outbound signature does not verify: %v", err)
	}
}

func TestSender_NoSecretNoSignature(t *testing.T) {
	var gotHeaders http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
	}))
	defer server.Close()

	resp := NewSender(time.Second).Send(context.Background(), Request{URL: server.URL, DeliveryID: "d-1", Attempt: 1})
	if !resp.Succeeded() {
		t.Fatalf("Send() = %+v", resp)
	}
	for _, h := range []string{HeaderSignature, HeaderTimestamp, HeaderEventType} {
		if gotHeaders.Get(h) != "" {
			t.Errorf("unexpected header %s = %q", h, gotHeaders.Get(h))
		}
	}
}

func TestSender_Failures(t *testing.T) {
	long := strings.Repeat("x", 500)

	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus int
		wantError  string
	}{
		{name: "500 with body", status: 500, body: "upstream exploded", wantStatus: 500, wantError: "upstream exploded"},
		{name: "503 empty body", status: 503, body: "", wantStatus: 503, wantError: "HTTP 503"},
		{name: "redirect is a failure", status: 302, body: "", wantStatus: 302, wantError: "HTTP 302"},
		{name: "body truncated to 200 chars", status: 400, body: long, wantStatus: 400, wantError: long[:200]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := resty.New().SetRedirectPolicy(resty.NoRedirectPolicy())
			resp := NewSenderWithClient(client).Send(context.Background(), Request{URL: server.URL, DeliveryID: "d", Attempt: 1})

			if resp.Succeeded() {
				t.Fatal("Send() succeeded, want failure")
			}
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("StatusCode = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if got := resp.ErrorText(); got != tt.wantError {
				t.Errorf("ErrorText() = %q, want %q", got, tt.wantError)
			}
		})
	}
}

func TestSender_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	resp := NewSender(30*time.Millisecond).Send(context.Background(), Request{URL: server.URL, DeliveryID: "d", Attempt: 1})
	if resp.Succeeded() || resp.Err == nil {
		t.Fatalf("Send() = %+v, want transport error", resp)
	}
	if resp.StatusCode != 0 {
		t.Errorf("StatusCode = %d, want 0 without a response", resp.StatusCode)
	}
	if got := classifyFailure(resp); got != "timeout" {
		t.Errorf("classifyFailure() = %q, want timeout", got)
	}
}

func TestResponse_ErrorText(t *testing.T) {
	tests := []struct {
		name string
		resp Response
		want string
	}{
		{name: "success has no error", resp: Response{StatusCode: 200}, want: ""},
		{name: "transport error wins", resp: Response{Err: errors.New("dial tcp: connection refused"), Body: "ignored"}, want: "dial tcp: connection refused"},
		{name: "whitespace body falls back", resp: Response{StatusCode: 500, Body: "  \n"}, want: "HTTP 500"},
		{name: "multibyte truncation", resp: Response{StatusCode: 500, Body: strings.Repeat("é", 250)}, want: strings.Repeat("é", 200)},
		{name: "binary body", resp: Response{StatusCode: 500, Body: "\xff\xfe\x00oops"}, want: "\uFFFDoops"},
		{name: "short invalid utf8", resp: Response{StatusCode: 502, Body: "bad \xc3("}, want: "bad \uFFFD("},
		{name: "only NUL bytes falls back", resp: Response{StatusCode: 503, Body: "\x00\x00"}, want: "HTTP 503"},
		{name: "NUL in transport error", resp: Response{Err: errors.New("read: \x00reset")}, want: "read: reset"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.resp.ErrorText()
			if got != tt.want {
				t.Errorf("ErrorText() = %q, want %q", got, tt.want)
			}
			if !utf8.ValidString(got) || strings.ContainsRune(got, 0) {
				t.Errorf("ErrorText() = %q is not storable text", got)
			}
		})
	}
}

func TestClassifyFailure(t *testing.T) {
	tests := []struct {
		resp Response
		want string
	}{
		{resp: Response{Err: errors.New("context deadline exceeded")}, want: "timeout"},
		{resp: Response{Err: errors.New("dial tcp 127.0.0.1:1: connect: connection refused")}, want: "connection_refused"},
		{resp: Response{Err: errors.New("dial tcp: lookup nope: no such host")}, want: "dns_error"},
		{resp: Response{Err: errors.New("EOF")}, want: "network"},
		{resp: Response{StatusCode: 502}, want: "http_5xx"},
		{resp: Response{StatusCode: 429}, want: "http_429"},
		{resp: Response{StatusCode: 404}, want: "http_4xx"},
		{resp: Response{StatusCode: 302}, want: "other"},
	}
	for _, tt := range tests {
		if got := classifyFailure(tt.resp); got != tt.want {
			t.Errorf("classifyFailure(%+v) = %q, want %q", tt.resp, got, tt.want)
		}
	}
}
