package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/hookrelay/internal/config"
	"github.com/austindbirch/hookrelay/internal/delivery"
	"github.com/austindbirch/hookrelay/internal/logging"
	"github.com/austindbirch/hookrelay/internal/metrics"
)

// NSQPublisher publishes delivery tasks and dead letters to nsqd
type NSQPublisher struct {
	producer *nsq.Producer
	topic    string
	dlqTopic string
	logger   *logging.Logger
}

func NewNSQPublisher(cfg config.Queue, logger *logging.Logger) (*NSQPublisher, error) {
	producer, err := nsq.NewProducer(cfg.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	producer.SetLogger(nsqLogger{logger: logger}, nsq.LogLevelWarning)
	return &NSQPublisher{
		producer: producer,
		topic:    cfg.DeliveriesTopic,
		dlqTopic: cfg.DLQTopic,
		logger:   logger,
	}, nil
}

func (p *NSQPublisher) Enqueue(_ context.Context, t delivery.Task, delay time.Duration) error {
	body, err := encodeTask(t)
	if err != nil {
		return err
	}
	if delay <= 0 {
		err = p.producer.Publish(p.topic, body)
	} else {
		err = p.producer.DeferredPublish(p.topic, delay, body)
	}
	if err != nil {
		return fmt.Errorf("nsq publish %s: %w", p.topic, err)
	}
	return nil
}

func (p *NSQPublisher) PublishDeadLetter(_ context.Context, dl delivery.DeadLetter) error {
	body, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if err := p.producer.Publish(p.dlqTopic, body); err != nil {
		return fmt.Errorf("nsq publish %s: %w", p.dlqTopic, err)
	}
	return nil
}

// Ping checks the nsqd connection. The producer has no context aware ping.
func (p *NSQPublisher) Ping(context.Context) error { return p.producer.Ping() }

func (p *NSQPublisher) Close() error {
	p.producer.Stop()
	return nil
}

// NSQQueue consumes the deliveries topic with manual Finish/Requeue
type NSQQueue struct {
	*NSQPublisher

	nsqdAddr   string
	lookupAddr string
	channel    string
	workers    int
	redeliver  time.Duration
	statsURL   string
	stats      *resty.Client
}

func NewNSQQueue(cfg config.Queue, workers int, logger *logging.Logger) (*NSQQueue, error) {
	pub, err := NewNSQPublisher(cfg, logger)
	if err != nil {
		return nil, err
	}
	if workers < 1 {
		workers = 1
	}
	return &NSQQueue{
		NSQPublisher: pub,
		nsqdAddr:     cfg.NsqdTCPAddr,
		lookupAddr:   cfg.LookupHTTPAddr,
		channel:      cfg.WorkerChannel,
		workers:      workers,
		redeliver:    DefaultRedeliveryDelay,
		statsURL:     nsqdStatsURL(cfg.NsqdTCPAddr),
		stats:        resty.New().SetTimeout(5 * time.Second),
	}, nil
}

func (q *NSQQueue) Run(ctx context.Context, h delivery.HandlerFunc) error {
	conf := nsq.NewConfig()
	conf.MaxInFlight = q.workers
	// a task is never dropped by the client; only the processor decides when a delivery ends
	conf.MaxAttempts = 0

	consumer, err := nsq.NewConsumer(q.topic, q.channel, conf)
	if err != nil {
		return fmt.Errorf("nsq consumer: %w", err)
	}
	consumer.SetLogger(nsqLogger{logger: q.logger}, nsq.LogLevelWarning)
	consumer.AddConcurrentHandlers(q.handler(context.WithoutCancel(ctx), h), q.workers)

	// connecting to nsqd directly creates the channel before the first publish
	if err := consumer.ConnectToNSQD(q.nsqdAddr); err != nil {
		return fmt.Errorf("connect to nsqd: %w", err)
	}
	if q.lookupAddr != "" {
		if err := consumer.ConnectToNSQLookupd(q.lookupAddr); err != nil {
			consumer.Stop()
			<-consumer.StopChan
			return fmt.Errorf("connect to lookupd: %w", err)
		}
	}
	go q.monitorBacklog(ctx, 15*time.Second)

	q.logger.Plain().WithFields(map[string]any{"topic": q.topic, "channel": q.channel, "workers": q.workers}).
		Info("nsq consumer started")
	<-ctx.Done()

	consumer.Stop()
	<-consumer.StopChan
	return nil
}

func (q *NSQQueue) handler(ctx context.Context, h delivery.HandlerFunc) nsq.HandlerFunc {
	return func(m *nsq.Message) error {
		m.DisableAutoResponse()
		defer func() {
			if !m.HasResponded() {
				q.logger.Plain().Warn("message had no response, finishing")
				m.Finish()
			}
		}()

		t, err := decodeTask(m.Body)
		if err != nil {
			// a body that cannot be decoded will never succeed
			q.logger.Plain().WithError(err).Error("bad task payload")
			m.Finish()
			return nil
		}

		if err := h(ctx, t); err != nil {
			q.logger.Plain().WithDelivery(t.DeliveryID).WithAttempt(t.Attempt).WithError(err).
				Warnf("handler failed, requeueing in %s", q.redeliver)
			m.Requeue(q.redeliver)
			return nil
		}
		m.Finish()
		return nil
	}
}

type nsqStats struct {
	Topics []struct {
		Name     string `json:"topic_name"`
		Channels []struct {
			Name     string `json:"channel_name"`
			Depth    int64  `json:"depth"`
			Deferred int64  `json:"deferred_count"`
		} `json:"channels"`
	} `json:"topics"`
}

func nsqdStatsURL(tcpAddr string) string {
	return fmt.Sprintf("http://%s/stats?format=json", strings.Replace(tcpAddr, ":4150", ":4151", 1))
}

func (q *NSQQueue) monitorBacklog(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.pollBacklog(ctx); err != nil {
				q.logger.Plain().WithError(err).Error("failed to get nsq stats")
			}
		}
	}
}

// pollBacklog publishes ready plus deferred depth of every channel on the deliveries topic
func (q *NSQQueue) pollBacklog(ctx context.Context) error {
	var stats nsqStats
	resp, err := q.stats.R().SetContext(ctx).SetResult(&stats).Get(q.statsURL)
	if err != nil {
		return fmt.Errorf("get nsq stats: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("get nsq stats: HTTP %d", resp.StatusCode())
	}
	for _, topic := range stats.Topics {
		if topic.Name != q.topic {
			continue
		}
		for _, ch := range topic.Channels {
			metrics.UpdateQueueDepth(topic.Name, ch.Name, float64(ch.Depth+ch.Deferred))
		}
	}
	return nil
}

// nsqLogger routes go-nsq client logs into the structured logger
type nsqLogger struct {
	logger *logging.Logger
}

func (l nsqLogger) Output(_ int, s string) error {
	entry := l.logger.Plain().WithField("component", "nsq")
	level, msg, _ := strings.Cut(s, " ")
	msg = strings.TrimSpace(msg)
	switch level {
	case "DBG":
		entry.Debug(msg)
	case "WRN":
		entry.Warn(msg)
	case "ERR":
		entry.Error(msg)
	case "INF":
		entry.Info(msg)
	default:
		entry.Info(strings.TrimSpace(s))
	}
	return nil
}
