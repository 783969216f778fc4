package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const pingTimeout = time.Second

// Pinger is a dependency that can report reachability
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Check names one dependency. A nil Pinger is reported healthy.
type Check struct {
	Name   string
	Pinger Pinger
}

type Status struct {
	OK      bool              `json:"ok"`
	Message string            `json:"message,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// Evaluate pings every check with a short timeout
func Evaluate(ctx context.Context, checks ...Check) Status {
	st := Status{OK: true, Message: "ok", Checks: map[string]string{}}
	for _, c := range checks {
		if c.Pinger == nil {
			st.Checks[c.Name] = "ok"
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := c.Pinger.Ping(pctx)
		cancel()
		if err != nil {
			st.OK = false
			st.Message = c.Name + " ping failed"
			st.Checks[c.Name] = "unavailable"
			continue
		}
		st.Checks[c.Name] = "ok"
	}
	return st
}

// HTTPHandler reports 200 when every check passes and 503 otherwise
func HTTPHandler(checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Evaluate(r.Context(), checks...)
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}

// Watch keeps the gRPC health server's overall status in line with the checks until ctx is done
func Watch(ctx context.Context, srv *health.Server, interval time.Duration, checks ...Check) {
	update := func() {
		status := healthpb.HealthCheckResponse_SERVING
		if !Evaluate(ctx, checks...).OK {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		srv.SetServingStatus("", status)
	}
	update()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update()
		}
	}
}
