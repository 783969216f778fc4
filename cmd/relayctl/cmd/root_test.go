package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/austindbirch/hookrelay/internal/api"
	"github.com/austindbirch/hookrelay/internal/delivery"
	"github.com/austindbirch/hookrelay/internal/health"
	"github.com/austindbirch/hookrelay/internal/ingest"
	"github.com/austindbirch/hookrelay/internal/logging"
	"github.com/austindbirch/hookrelay/internal/store"
)

type fakeQueue struct {
	mu    sync.Mutex
	tasks []delivery.Task
}

func (q *fakeQueue) Enqueue(_ context.Context, t delivery.Task, _ time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, t)
	return nil
}

func (q *fakeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

type relayAPI struct {
	url   string
	subs  *store.MemorySubscriptionStore
	logs  *store.MemoryLogStore
	queue *fakeQueue
}

func newRelayAPI(t *testing.T, opts ...api.Option) *relayAPI {
	t.Helper()
	logger := logging.NewWithCore("test", zapcore.NewNopCore())
	r := &relayAPI{
		subs:  store.NewMemorySubscriptionStore(),
		logs:  store.NewMemoryLogStore(),
		queue: &fakeQueue{},
	}
	svc := ingest.NewService(r.subs, r.queue, ingest.WithLogger(logger))
	opts = append([]api.Option{api.WithLogger(logger)}, opts...)
	srv := httptest.NewServer(api.NewServer(svc, r.logs, r.subs, opts...).Handler())
	t.Cleanup(srv.Close)
	r.url = srv.URL
	return r
}

// isolate keeps a developer's own config file and environment out of the test
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("JWT_TOKEN", "")
	t.Setenv("RELAYCTL_SERVER", "")
	t.Setenv("RELAYCTL_TOKEN", "")
	return home
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, args...)
	if err != nil {
		t.Fatalf("relayctl %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

func assertAPIError(t *testing.T, err error, code string) {
	t.Helper()
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want API error %s", err, code)
	}
	if apiErr.Code != code {
		t.Errorf("code = %q, want %q (%v)", apiErr.Code, code, err)
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	isolate(t)
	r := newRelayAPI(t)

	out := mustRun(t, "--server", r.url, "--json", "subscription", "create", "https://example.com/hook",
		"--secret", "s3cret", "--event-types", "order.created,order.paid")
	var created store.Subscription
	if err := json.Unmarshal([]byte(out), &created); err != nil {
		t.Fatalf("decode create output: %v\n%s", err, out)
	}
	if created.ID != 1 || created.Secret != "s3cret" || len(created.EventTypes) != 2 {
		t.Fatalf("created = %+v", created)
	}

	out = mustRun(t, "--server", r.url, "subscription", "get", "1")
	if !strings.Contains(out, "Target URL: https://example.com/hook") {
		t.Errorf("get output missing target:\n%s", out)
	}

	out = mustRun(t, "--server", r.url, "sub", "list")
	if !strings.Contains(out, "order.created,order.paid") {
		t.Errorf("list output missing event types:\n%s", out)
	}

	out = mustRun(t, "--server", r.url, "--json", "subscription", "update", "1", "https://example.com/v2")
	var updated store.Subscription
	if err := json.Unmarshal([]byte(out), &updated); err != nil {
		t.Fatalf("decode update output: %v", err)
	}
	if updated.TargetURL != "https://example.com/v2" || updated.Secret != "" || len(updated.EventTypes) != 0 {
		t.Errorf("update did not replace every field: %+v", updated)
	}

	out = mustRun(t, "--server", r.url, "subscription", "delete", "1")
	if !strings.Contains(out, "Deleted subscription: 1") {
		t.Errorf("delete output = %q", out)
	}

	_, err := run(t, "--server", r.url, "subscription", "get", "1")
	assertAPIError(t, err, api.TextCodeSubscriptionNotFound)

	out = mustRun(t, "--server", r.url, "subscription", "list")
	if !strings.Contains(out, "No subscriptions found") {
		t.Errorf("empty list output = %q", out)
	}
}

func TestSubscriptionCreate_Rejected(t *testing.T) {
	isolate(t)
	r := newRelayAPI(t)

	_, err := run(t, "--server", r.url, "subscription", "create", "ftp://example.com")
	assertAPIError(t, err, api.TextCodeInvalidSubscription)

	if _, err := run(t, "--server", r.url, "subscription", "get", "abc"); err == nil || !strings.Contains(err.Error(), "positive integer") {
		t.Errorf("get abc error = %v", err)
	}
}

func TestSend(t *testing.T) {
	isolate(t)
	r := newRelayAPI(t)
	if err := r.subs.Create(context.Background(), &store.Subscription{
		TargetURL:  "https://example.com/hook",
		Secret:     "s3cret",
		EventTypes: []string{"order.created"},
	}); err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	tests := []struct {
		name      string
		args      []string
		wantOut   string
		wantCode  string
		wantErr   string
		wantQueue int
	}{
		{
			name:      "signed and accepted",
			args:      []string{"send", "1", `{"order_id":42}`, "--secret", "s3cret", "--event-type", "order.created"},
			wantOut:   "Queued delivery: ",
			wantQueue: 1,
		},
		{
			name:     "wrong secret",
			args:     []string{"send", "1", `{"order_id":42}`, "--secret", "nope", "--event-type", "order.created"},
			wantCode: ingest.TextCodeInvalidSignature,
		},
		{
			name:     "unsigned",
			args:     []string{"send", "1", `{"order_id":42}`, "--event-type", "order.created"},
			wantCode: ingest.TextCodeMalformedSignature,
		},
		{
			name:    "filtered",
			args:    []string{"send", "1", `{"order_id":42}`, "--secret", "s3cret", "--event-type", "order.refunded"},
			wantOut: "does not accept event type",
		},
		{
			name:     "unknown subscription",
			args:     []string{"send", "9", `{}`},
			wantCode: api.TextCodeSubscriptionNotFound,
		},
		{
			name:    "payload is not an object",
			args:    []string{"send", "1", `[1,2]`},
			wantErr: "payload must be a JSON object",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := r.queue.len()
			out, err := run(t, append([]string{"--server", r.url}, tt.args...)...)
			switch {
			case tt.wantCode != "":
				assertAPIError(t, err, tt.wantCode)
			case tt.wantErr != "":
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("error = %v, want %q", err, tt.wantErr)
				}
			default:
				if err != nil {
					t.Fatalf("send: %v", err)
				}
				if !strings.Contains(out, tt.wantOut) {
					t.Errorf("output = %q, want %q", out, tt.wantOut)
				}
			}
			if got := r.queue.len() - before; got != tt.wantQueue {
				t.Errorf("enqueued %d tasks, want %d", got, tt.wantQueue)
			}
		})
	}
}

func TestSend_FromFile(t *testing.T) {
	isolate(t)
	r := newRelayAPI(t)
	if err := r.subs.Create(context.Background(), &store.Subscription{TargetURL: "https://example.com/hook"}); err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	path := filepath.Join(t.TempDir(), "event.json")
	if err := os.WriteFile(path, []byte(`{"amount":19.99}`), 0o600); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	out := mustRun(t, "--server", r.url, "--json", "send", "1", "--file", path)
	var res ingestResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode send output: %v", err)
	}
	if res.Status != "queued" || res.DeliveryID == "" {
		t.Errorf("result = %+v", res)
	}
	if got := r.queue.tasks[0].Payload["amount"]; got != json.Number("19.99") {
		t.Errorf("payload amount = %#v, want json.Number 19.99", got)
	}
}

func TestStatusAndLogs(t *testing.T) {
	isolate(t)
	r := newRelayAPI(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	code500, code200 := 500, 200
	reason := "HTTP 500"
	for _, a := range []store.Attempt{
		{DeliveryID: "d-1", SubscriptionID: 1, Number: 1, Status: store.StatusFailed, HTTPStatus: &code500, Error: &reason, Timestamp: base},
		{DeliveryID: "d-1", SubscriptionID: 1, Number: 2, Status: store.StatusSuccess, HTTPStatus: &code200, Timestamp: base.Add(10 * time.Second)},
	} {
		if err := r.logs.Append(ctx, &a); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	out := mustRun(t, "--server", r.url, "status", "d-1")
	for _, want := range []string{"success after 2 attempts", "HTTP 500", "failed"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}

	out = mustRun(t, "--server", r.url, "--json", "status", "d-1")
	var attempts []store.Attempt
	if err := json.Unmarshal([]byte(out), &attempts); err != nil {
		t.Fatalf("decode status output: %v", err)
	}
	if len(attempts) != 2 || attempts[0].Number != 1 || attempts[1].Number != 2 {
		t.Errorf("attempts = %+v", attempts)
	}

	_, err := run(t, "--server", r.url, "status", "missing")
	assertAPIError(t, err, api.TextCodeDeliveryNotFound)

	out = mustRun(t, "--server", r.url, "--json", "logs", "1", "--limit", "1")
	attempts = nil
	if err := json.Unmarshal([]byte(out), &attempts); err != nil {
		t.Fatalf("decode logs output: %v", err)
	}
	if len(attempts) != 1 || attempts[0].Number != 2 {
		t.Errorf("logs --limit 1 = %+v, want newest attempt only", attempts)
	}

	out = mustRun(t, "--server", r.url, "logs", "2")
	if !strings.Contains(out, "No delivery attempts found") {
		t.Errorf("empty logs output = %q", out)
	}

	if _, err := run(t, "--server", r.url, "logs", "1", "--limit", "0"); err == nil {
		t.Error("logs --limit 0 succeeded")
	}
}

func TestHealth(t *testing.T) {
	isolate(t)
	down := health.PingFunc(func(context.Context) error { return errors.New("nsqd unreachable") })

	tests := []struct {
		name    string
		checks  []health.Check
		wantOut []string
		wantErr bool
	}{
		{
			name:    "healthy",
			checks:  []health.Check{{Name: "database"}, {Name: "queue"}},
			wantOut: []string{"Service is healthy", "database: ok", "queue: ok"},
		},
		{
			name:    "queue down",
			checks:  []health.Check{{Name: "database"}, {Name: "queue", Pinger: down}},
			wantOut: []string{"unhealthy (HTTP 503)", "queue: unavailable"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRelayAPI(t, api.WithHealthChecks(tt.checks...))
			out, err := run(t, "--server", r.url, "health")
			if (err != nil) != tt.wantErr {
				t.Fatalf("health error = %v, wantErr %v", err, tt.wantErr)
			}
			for _, want := range tt.wantOut {
				if !strings.Contains(out, want) {
					t.Errorf("output missing %q:\n%s", want, out)
				}
			}
		})
	}
}

func TestToken(t *testing.T) {
	var mu sync.Mutex
	var got []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		got = append(got, r.Header.Get("Authorization"))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	tests := []struct {
		name string
		env  string
		args []string
		want string
	}{
		{name: "flag", args: []string{"--token", "flag-token"}, want: "Bearer flag-token"},
		{name: "env fallback", env: "env-token", want: "Bearer env-token"},
		{name: "flag wins over env", env: "env-token", args: []string{"--token", "flag-token"}, want: "Bearer flag-token"},
		{name: "none", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			t.Setenv("JWT_TOKEN", tt.env)
			mu.Lock()
			got = nil
			mu.Unlock()

			mustRun(t, append(append([]string{"--server", srv.URL}, tt.args...), "subscription", "list")...)

			mu.Lock()
			defer mu.Unlock()
			if len(got) != 1 || got[0] != tt.want {
				t.Errorf("Authorization = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUnauthorizedWithoutJSONBody(t *testing.T) {
	isolate(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := run(t, "--server", srv.URL, "subscription", "list")
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want API error", err)
	}
	if apiErr.Status != http.StatusUnauthorized || apiErr.Message != "missing bearer token" {
		t.Errorf("apiError = %+v", apiErr)
	}
}

func TestConfig(t *testing.T) {
	home := isolate(t)

	mustRun(t, "config", "set", "server", "http://relay.test:9000")
	if _, err := os.Stat(filepath.Join(home, ".relayctl.yaml")); err != nil {
		t.Fatalf("config file not written: %v", err)
	}

	viewServer := func(args ...string) string {
		t.Helper()
		out := mustRun(t, append(args, "--json", "config", "view")...)
		var view map[string]any
		if err := json.Unmarshal([]byte(out), &view); err != nil {
			t.Fatalf("decode config view: %v\n%s", err, out)
		}
		server, _ := view["server"].(string)
		return server
	}

	if got := viewServer(); got != "http://relay.test:9000" {
		t.Errorf("server from config file = %q", got)
	}
	if got := viewServer("--server", "http://flag.test:1/"); got != "http://flag.test:1" {
		t.Errorf("server from flag = %q", got)
	}
	t.Setenv("RELAYCTL_SERVER", "http://env.test:2")
	if got := viewServer(); got != "http://env.test:2" {
		t.Errorf("server from env = %q", got)
	}

	if _, err := run(t, "config", "set", "colour", "blue"); err == nil {
		t.Error("config set with unknown key succeeded")
	}
	if _, err := run(t, "config", "set", "timeout", "soon"); err == nil {
		t.Error("config set with bad duration succeeded")
	}
	if _, err := run(t, "config", "init"); err == nil {
		t.Error("config init over an existing file succeeded without --force")
	}
	mustRun(t, "config", "init", "--force")
}

func TestConfig_ExplicitFileMustExist(t *testing.T) {
	isolate(t)
	if _, err := run(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "version"); err == nil {
		t.Error("missing --config file was ignored")
	}
}

func TestReadPayload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "event.json")
	if err := os.WriteFile(path, []byte(`{"from":"file"}`), 0o600); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	tests := []struct {
		name    string
		inline  string
		file    string
		stdin   string
		want    string
		wantErr bool
	}{
		{name: "inline", inline: `{"a":1}`, want: `{"a":1}`},
		{name: "file", file: path, want: `{"from":"file"}`},
		{name: "stdin", file: "-", stdin: `{"from":"stdin"}`, want: `{"from":"stdin"}`},
		{name: "both", inline: `{}`, file: path, wantErr: true},
		{name: "neither", wantErr: true},
		{name: "missing file", file: filepath.Join(t.TempDir(), "nope.json"), wantErr: true},
		{name: "array", inline: `[1]`, wantErr: true},
		{name: "null", inline: `null`, wantErr: true},
		{name: "not json", inline: `hello`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readPayload(tt.inline, tt.file, strings.NewReader(tt.stdin))
			if (err != nil) != tt.wantErr {
				t.Fatalf("readPayload() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && string(got) != tt.want {
				t.Errorf("readPayload() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestParseID(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{raw: "1", want: "1"},
		{raw: "007", want: "7"},
		{raw: "0", wantErr: true},
		{raw: "-3", wantErr: true},
		{raw: "abc", wantErr: true},
		{raw: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := parseID(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseID(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseID(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestVersionAndCompletion(t *testing.T) {
	isolate(t)

	out := mustRun(t, "--json", "version")
	var v map[string]string
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("decode version: %v", err)
	}
	if v["version"] != Version {
		t.Errorf("version = %q, want %q", v["version"], Version)
	}

	if out := mustRun(t, "completion", "bash"); !strings.Contains(out, "relayctl") {
		t.Error("bash completion does not mention relayctl")
	}
	if _, err := run(t, "completion", "tcsh"); err == nil {
		t.Error("completion for an unsupported shell succeeded")
	}
}
