package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"

	"github.com/austindbirch/hookrelay/internal/tracing"
)

const (
	DefaultHTTPTimeout = 10 * time.Second
	maxErrorLen        = 200
)

// Request describes one outbound webhook POST
type Request struct {
	URL        string
	Secret     string
	DeliveryID string
	Attempt    int
	EventType  string
	Payload    map[string]any
}

// Response is the observed result of a single POST.
// StatusCode is zero when no HTTP response was received.
type Response struct {
	StatusCode int
	Body       string
	Err        error
	Duration   time.Duration
}

// Succeeded reports a received response with a status below 300
func (r Response) Succeeded() bool {
	return r.Err == nil && r.StatusCode > 0 && r.StatusCode < http.StatusMultipleChoices
}

// ErrorText is the failure description stored on the attempt row: valid UTF-8,
// no NUL bytes, at most 200 characters
func (r Response) ErrorText() string {
	if r.Succeeded() {
		return ""
	}
	var msg string
	if r.Err != nil {
		msg = sanitizeText(r.Err.Error())
	} else {
		msg = strings.TrimSpace(sanitizeText(r.Body))
	}
	if msg == "" {
		msg = fmt.Sprintf("HTTP %d", r.StatusCode)
	}
	return truncate(msg, maxErrorLen)
}

// sanitizeText makes subscriber output storable: Postgres TEXT rejects invalid UTF-8 and NUL
func sanitizeText(s string) string {
	return strings.ReplaceAll(strings.ToValidUTF8(s, "\uFFFD"), "\x00", "")
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// Sender posts payloads to subscriber endpoints. It never retries on its own.
type Sender struct {
	client *resty.Client
	now    func() time.Time
}

func NewSender(timeout time.Duration) *Sender {
	client := resty.New()
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	client.SetTimeout(timeout)
	return NewSenderWithClient(client)
}

func NewSenderWithClient(client *resty.Client) *Sender {
	if client.GetClient().Timeout == 0 {
		client.SetTimeout(DefaultHTTPTimeout)
	}
	client.SetRetryCount(0)
	return &Sender{client: client, now: time.Now}
}

func (s *Sender) Send(ctx context.Context, req Request) Response {
	body, err := json.Marshal(req.Payload)
	if err != nil {
		return Response{Err: fmt.Errorf("encode payload: %w", err)}
	}

	r := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader(HeaderDelivery, req.DeliveryID).
		SetHeader(HeaderAttempt, strconv.Itoa(req.Attempt)).
		SetBody(body)
	if req.EventType != "" {
		r.SetHeader(HeaderEventType, req.EventType)
	}
	if req.Secret != "" {
		ts := strconv.FormatInt(s.now().Unix(), 10)
		r.SetHeader(HeaderTimestamp, ts)
		r.SetHeader(HeaderSignature, Sign(req.Secret, body, ts))
	}
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		r.SetHeader("X-Trace-Id", traceID)
	}

	start := time.Now()
	resp, err := r.Post(req.URL)
	elapsed := time.Since(start)
	if err != nil {
		return Response{Err: err, Duration: elapsed}
	}
	return Response{
		StatusCode: resp.StatusCode(),
		Body:       resp.String(),
		Duration:   elapsed,
	}
}

// classifyFailure labels a failed response for the retries metric
func classifyFailure(r Response) string {
	if r.Err != nil {
		errLower := strings.ToLower(r.Err.Error())
		switch {
		case strings.Contains(errLower, "timeout") || strings.Contains(errLower, "deadline exceeded"):
			return "timeout"
		case strings.Contains(errLower, "connection refused"):
			return "connection_refused"
		case strings.Contains(errLower, "no such host"):
			return "dns_error"
		}
		return "network"
	}
	switch {
	case r.StatusCode >= 500:
		return "http_5xx"
	case r.StatusCode == http.StatusTooManyRequests:
		return "http_429"
	case r.StatusCode >= 400:
		return "http_4xx"
	}
	return "other"
}
