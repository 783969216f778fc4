package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/hookrelay/internal/config"
	"github.com/austindbirch/hookrelay/internal/delivery"
	"github.com/austindbirch/hookrelay/internal/health"
	"github.com/austindbirch/hookrelay/internal/logging"
	"github.com/austindbirch/hookrelay/internal/metrics"
	"github.com/austindbirch/hookrelay/internal/queue"
	"github.com/austindbirch/hookrelay/internal/store"
	"github.com/austindbirch/hookrelay/internal/tracing"
)

// deadLetterPublisher returns the DLQ sink when PUBLISH_DLQ_TOPIC is set. An NSQ
// queue publishes on its own producer; other backends get a dedicated one.
func deadLetterPublisher(cfg config.Config, q queue.Queue, logger *logging.Logger) (delivery.DeadLetterPublisher, func(), error) {
	if !cfg.Worker.PublishDLQ {
		return nil, func() {}, nil
	}
	if pub, ok := q.(delivery.DeadLetterPublisher); ok {
		return pub, func() {}, nil
	}
	pub, err := queue.NewNSQPublisher(cfg.Queue, logger)
	if err != nil {
		return nil, nil, err
	}
	return pub, func() { _ = pub.Close() }, nil
}

func newProcessor(cfg config.Config, st *store.Stores, q queue.Queue, dlq delivery.DeadLetterPublisher, logger *logging.Logger) *delivery.Processor {
	opts := []delivery.ProcessorOption{
		delivery.WithLogger(logger),
		delivery.WithPolicy(delivery.Policy{MaxAttempts: cfg.Worker.MaxAttempts, BaseDelay: cfg.Worker.BaseBackoff}),
	}
	if dlq != nil {
		opts = append(opts, delivery.WithDeadLetters(dlq))
	}
	return delivery.NewProcessor(st.Logs, st.Subscriptions, delivery.NewSender(cfg.Worker.HTTPTimeout), q, opts...)
}

func newMux(reg *prometheus.Registry, checks ...health.Check) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", health.HTTPHandler(checks...))
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

func main() {
	logger := logging.New("relay-worker")
	cfg, err := config.Load()
	if err != nil {
		logger.Plain().WithError(err).Fatal("load config failed")
	}
	if cfg.Queue.Backend == queue.BackendMemory {
		logger.Plain().Fatal("the memory queue only works inside relay-api; pick nsq, redis or amqp")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.InitTracing(ctx, "relay-worker")
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to initialize tracing")
	}
	defer shutdownTracing()

	st, err := store.Open(ctx, cfg.DB.Backend, cfg.DSN(), false)
	if err != nil {
		logger.Plain().WithError(err).Fatal("open store failed")
	}
	defer st.Close()

	q, err := queue.New(ctx, cfg.Queue, cfg.Worker.Concurrency, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("open queue failed")
	}
	defer q.Close()

	dlq, closeDLQ, err := deadLetterPublisher(cfg, q, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer for DLQ creation failed")
	}
	defer closeDLQ()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	httpSrv := &http.Server{
		Addr:              cfg.Worker.HTTPPort,
		Handler:           newMux(reg, health.Check{Name: "database", Pinger: st}, health.Check{Name: "queue", Pinger: q}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	proc := newProcessor(cfg, st, q, dlq, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Plain().WithFields(map[string]any{
			"backend":      cfg.Queue.Backend,
			"workers":      cfg.Worker.Concurrency,
			"max_attempts": cfg.Worker.MaxAttempts,
			"base_backoff": cfg.Worker.BaseBackoff.String(),
		}).Info("worker consuming deliveries")
		return q.Run(gctx, proc.Handle)
	})

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	select {
	case <-stop:
	case <-gctx.Done():
	}

	cancel()
	if err := g.Wait(); err != nil {
		logger.Plain().WithError(err).Error("consumer stopped with error")
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("relay-worker stopped")
}
