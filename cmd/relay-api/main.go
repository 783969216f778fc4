package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/hookrelay/internal/api"
	"github.com/austindbirch/hookrelay/internal/auth"
	"github.com/austindbirch/hookrelay/internal/config"
	"github.com/austindbirch/hookrelay/internal/delivery"
	"github.com/austindbirch/hookrelay/internal/health"
	"github.com/austindbirch/hookrelay/internal/ingest"
	"github.com/austindbirch/hookrelay/internal/logging"
	"github.com/austindbirch/hookrelay/internal/metrics"
	"github.com/austindbirch/hookrelay/internal/queue"
	"github.com/austindbirch/hookrelay/internal/store"
	"github.com/austindbirch/hookrelay/internal/tracing"
)

const healthInterval = 10 * time.Second

func healthChecks(st *store.Stores, q queue.Queue) []health.Check {
	return []health.Check{
		{Name: "database", Pinger: st},
		{Name: "queue", Pinger: q},
	}
}

// newHandler builds the HTTP API. Management routes are guarded when a JWT public key is configured.
func newHandler(cfg config.Config, st *store.Stores, q queue.Queue, reg *prometheus.Registry, logger *logging.Logger) (http.Handler, error) {
	opts := []api.Option{
		api.WithLogger(logger),
		api.WithHeaders(cfg.Ingest.SignatureHeader, cfg.Ingest.EventTypeHeader),
		api.WithMaxBodyBytes(cfg.Ingest.MaxBodyBytes),
		api.WithHealthChecks(healthChecks(st, q)...),
		api.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
	}
	if cfg.Auth.PublicKeyPEM != "" {
		v, err := auth.NewJWTValidator(cfg.Auth.PublicKeyPEM, cfg.Auth.Issuer, cfg.Auth.Audience)
		if err != nil {
			return nil, err
		}
		opts = append(opts, api.WithJWT(v))
	}

	svc := ingest.NewService(st.Subscriptions, q, ingest.WithLogger(logger))
	return api.NewServer(svc, st.Logs, st.Subscriptions, opts...).Handler(), nil
}

// newEmbeddedProcessor runs deliveries inside the API process when the queue is in memory
func newEmbeddedProcessor(cfg config.Config, st *store.Stores, q queue.Queue, logger *logging.Logger) *delivery.Processor {
	return delivery.NewProcessor(st.Logs, st.Subscriptions, delivery.NewSender(cfg.Worker.HTTPTimeout), q,
		delivery.WithLogger(logger),
		delivery.WithPolicy(delivery.Policy{MaxAttempts: cfg.Worker.MaxAttempts, BaseDelay: cfg.Worker.BaseBackoff}),
	)
}

func main() {
	logger := logging.New("relay-api")
	cfg, err := config.Load()
	if err != nil {
		logger.Plain().WithError(err).Fatal("load config failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.InitTracing(ctx, "relay-api")
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to initialize tracing")
	}
	defer shutdownTracing()

	st, err := store.Open(ctx, cfg.DB.Backend, cfg.DSN(), true)
	if err != nil {
		logger.Plain().WithError(err).Fatal("open store failed")
	}
	defer st.Close()

	q, err := queue.New(ctx, cfg.Queue, cfg.Worker.Concurrency, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("open queue failed")
	}
	defer q.Close()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	handler, err := newHandler(cfg, st, q, reg, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("build HTTP handler failed")
	}

	// gRPC health for orchestrators
	grpcSrv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := grpc_health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)
	go health.Watch(ctx, hs, healthInterval, healthChecks(st, q)...)

	lis, err := net.Listen("tcp", cfg.Ingest.GRPCPort)
	if err != nil {
		logger.Plain().WithError(err).Fatal("gRPC listen failed")
	}
	go func() {
		logger.Plain().WithField("addr", cfg.Ingest.GRPCPort).Info("gRPC health listening")
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Plain().WithError(err).Fatal("gRPC serve failed")
		}
	}()

	httpSrv := &http.Server{Addr: cfg.Ingest.HTTPPort, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Plain().WithField("addr", cfg.Ingest.HTTPPort).Info("HTTP API listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("HTTP serve failed")
		}
	}()

	workerDone := make(chan struct{})
	if cfg.Queue.Backend == queue.BackendMemory {
		proc := newEmbeddedProcessor(cfg, st, q, logger)
		go func() {
			defer close(workerDone)
			logger.Plain().WithField("workers", cfg.Worker.Concurrency).Info("in-process delivery workers started")
			if err := q.Run(ctx, proc.Handle); err != nil {
				logger.Plain().WithError(err).Error("in-process workers stopped")
			}
		}()
	} else {
		close(workerDone)
	}

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	cancel()
	<-workerDone
	logger.Plain().Info("relay-api stopped")
}
