package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/austindbirch/hookrelay/internal/config"
	"github.com/austindbirch/hookrelay/internal/delivery"
	"github.com/austindbirch/hookrelay/internal/logging"
)

// receiver is a subscriber endpoint for local runs: it can fail the first N
// requests and verifies outbound signatures when it knows the secret
type receiver struct {
	cfg    config.FakeReceiver
	count  atomic.Int64
	logger *logging.Logger
	now    func() time.Time
}

func newReceiver(cfg config.FakeReceiver, logger *logging.Logger) *receiver {
	if cfg.FailStatus == 0 {
		cfg.FailStatus = http.StatusInternalServerError
	}
	return &receiver{cfg: cfg, logger: logger, now: time.Now}
}

func (rc *receiver) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("POST /hook", rc.handleHook)
	return mux
}

func (rc *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	n := rc.count.Add(1)
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	log := rc.logger.WithContext(r.Context()).WithFields(map[string]any{
		"request":     n,
		"delivery_id": r.Header.Get(delivery.HeaderDelivery),
		"attempt":     r.Header.Get(delivery.HeaderAttempt),
	})

	if rc.cfg.EndpointSecret != "" {
		err := delivery.VerifySignature(rc.cfg.EndpointSecret, b,
			r.Header.Get(delivery.HeaderTimestamp), r.Header.Get(delivery.HeaderSignature),
			rc.now(), rc.cfg.SigningLeeway)
		if err != nil {
			log.WithError(err).Warn("signature verification failed")
			http.Error(w, "invalid signature: "+err.Error(), http.StatusUnauthorized)
			return
		}
	}

	if rc.cfg.ResponseDelay > 0 {
		select {
		case <-time.After(rc.cfg.ResponseDelay):
		case <-r.Context().Done():
			return
		}
	}

	if n <= int64(rc.cfg.FailFirstN) {
		log.WithField("body", truncate(string(b), 160)).Infof("failing request %d/%d", n, rc.cfg.FailFirstN)
		http.Error(w, "temporary failure", rc.cfg.FailStatus)
		return
	}

	log.WithField("body", truncate(string(b), 160)).Info("webhook received")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

// truncate shortens s to n bytes and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}

func main() {
	cfg, err := config.Load()
	logger := logging.New("fake-receiver")
	if err != nil {
		logger.Plain().WithError(err).Fatal("load config failed")
	}

	rc := newReceiver(cfg.FakeReceiver, logger)
	srv := &http.Server{
		Addr:         cfg.FakeReceiver.Port,
		Handler:      rc.routes(),
		ReadTimeout:  cfg.FakeReceiver.ReadTimeout,
		WriteTimeout: cfg.FakeReceiver.WriteTimeout,
		IdleTimeout:  cfg.FakeReceiver.IdleTimeout,
	}

	go func() {
		logger.Plain().WithFields(map[string]any{
			"addr":         srv.Addr,
			"fail_first_n": cfg.FakeReceiver.FailFirstN,
			"fail_status":  rc.cfg.FailStatus,
			"verify":       cfg.FakeReceiver.EndpointSecret != "",
		}).Info("fake-receiver listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("fake-receiver serve failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	logger.Plain().WithField("requests", rc.count.Load()).Info("fake-receiver stopped")
}
