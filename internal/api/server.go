// Package api serves the hookrelay HTTP interface: event ingestion, delivery
// status and logs, subscription management, health and metrics.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"

	"github.com/austindbirch/hookrelay/internal/auth"
	"github.com/austindbirch/hookrelay/internal/health"
	"github.com/austindbirch/hookrelay/internal/ingest"
	"github.com/austindbirch/hookrelay/internal/logging"
	"github.com/austindbirch/hookrelay/internal/store"
)

const (
	DefaultSignatureHeader = "Signature"
	DefaultEventTypeHeader = "X-Event-Type"
	DefaultMaxBodyBytes    = 1 << 20

	maxLogLimit = 100
)

type Server struct {
	ingest  *ingest.Service
	logs    store.LogStore
	subs    store.SubscriptionStore
	jwt     *auth.JWTValidator
	logger  *logging.Logger
	metrics http.Handler
	checks  []health.Check

	signatureHeader string
	eventTypeHeader string
	maxBodyBytes    int64
}

type Option func(*Server)

func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithJWT protects the management routes with bearer tokens
func WithJWT(v *auth.JWTValidator) Option {
	return func(s *Server) { s.jwt = v }
}

func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

func WithHealthChecks(checks ...health.Check) Option {
	return func(s *Server) { s.checks = append(s.checks, checks...) }
}

// WithHeaders overrides the inbound signature and event type header names. Empty values keep the defaults.
func WithHeaders(signature, eventType string) Option {
	return func(s *Server) {
		if signature != "" {
			s.signatureHeader = signature
		}
		if eventType != "" {
			s.eventTypeHeader = eventType
		}
	}
}

func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

func NewServer(svc *ingest.Service, logs store.LogStore, subs store.SubscriptionStore, opts ...Option) *Server {
	s := &Server{
		ingest:          svc,
		logs:            logs,
		subs:            subs,
		logger:          logging.New("relay-api"),
		signatureHeader: DefaultSignatureHeader,
		eventTypeHeader: DefaultEventTypeHeader,
		maxBodyBytes:    DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed HTTP handler. API routes live on a gateway mux
// mounted at "/"; health and metrics stay on the plain mux.
func (s *Server) Handler() http.Handler {
	gw := runtime.NewServeMux(
		runtime.WithRoutingErrorHandler(routingError),
		runtime.WithDisablePathLengthFallback(),
	)

	s.route(gw, http.MethodPost, "/ingest/{subscriptionID}", http.HandlerFunc(s.handleIngest))

	s.route(gw, http.MethodGet, "/status/{deliveryID}", s.protect(s.handleStatus))
	s.route(gw, http.MethodGet, "/logs/{subscriptionID}", s.protect(s.handleLogs))

	s.route(gw, http.MethodPost, "/subscriptions", s.protect(s.handleCreateSubscription))
	s.route(gw, http.MethodGet, "/subscriptions", s.protect(s.handleListSubscriptions))
	s.route(gw, http.MethodGet, "/subscriptions/{id}", s.protect(s.handleGetSubscription))
	s.route(gw, http.MethodPut, "/subscriptions/{id}", s.protect(s.handleUpdateSubscription))
	s.route(gw, http.MethodDelete, "/subscriptions/{id}", s.protect(s.handleDeleteSubscription))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", health.HTTPHandler(s.checks...))
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	mux.Handle("/", gw)

	return s.logRequests(mux)
}

// route registers h on the gateway mux and exposes its path parameters through r.PathValue
func (s *Server) route(gw *runtime.ServeMux, method, pattern string, h http.Handler) {
	err := gw.HandlePath(method, pattern, func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		for name, value := range params {
			r.SetPathValue(name, value)
		}
		h.ServeHTTP(w, r)
	})
	if err != nil {
		panic(fmt.Sprintf("api: register %s %s: %v", method, pattern, err))
	}
}

// routingError renders gateway routing failures in the API's error format
func routingError(_ context.Context, _ *runtime.ServeMux, _ runtime.Marshaler, w http.ResponseWriter, _ *http.Request, status int) {
	code := TextCodeRouteNotFound
	switch status {
	case http.StatusMethodNotAllowed:
		code = TextCodeMethodNotAllowed
	case http.StatusBadRequest:
		code = TextCodeBadRequest
	}
	writeJSON(w, status, errorBody{Error: http.StatusText(status), Code: code})
}

func (s *Server) protect(h http.HandlerFunc) http.Handler {
	if s.jwt == nil {
		return h
	}
	return s.jwt.HTTPMiddleware(h)
}
