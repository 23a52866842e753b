package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

const retryHeader = "x-retry-count"

// ErrRetryLater asks the consumer to park the message on the retry queue.
var ErrRetryLater = errors.New("retry later")

// HandlerFunc processes one track request. Returning nil acks the message,
// ErrRetryLater (possibly wrapped) parks it on the retry queue, and any
// other error dead-letters it.
type HandlerFunc func(ctx context.Context, msg TrackMessage) error

type ConsumerConfig struct {
	URL         string
	Queue       string
	EventsQueue string
	Concurrency int
	MaxRetries  int
	RetryDelay  time.Duration
	Log         logrus.FieldLogger
}

// Consumer runs a fixed pool of workers over the track queue.
type Consumer struct {
	cfg  ConsumerConfig
	conn *amqp.Connection
	ch   *amqp.Channel
	log  logrus.FieldLogger
}

func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 30 * time.Second
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := DeclareTopology(ch, cfg.Queue, cfg.EventsQueue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	// strict concurrency control
	if err := ch.Qos(cfg.Concurrency, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Consumer{cfg: cfg, conn: conn, ch: ch, log: cfg.Log.WithField("queue", cfg.Queue)}, nil
}

func (c *Consumer) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Run consumes until ctx is done, then drains the workers.
func (c *Consumer) Run(ctx context.Context, handle HandlerFunc) error {
	msgs, err := c.ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	c.log.WithField("concurrency", c.cfg.Concurrency).Info("worker started")

	jobs := make(chan amqp.Delivery, c.cfg.Concurrency*2)
	var wg sync.WaitGroup
	wg.Add(c.cfg.Concurrency)
	for i := 0; i < c.cfg.Concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				c.process(ctx, workerID, d, handle)
			}
		}(i)
	}

	defer func() {
		close(jobs)
		wg.Wait()
	}()
	for {
		select {
		case <-ctx.Done():
			c.log.Info("worker shutting down")
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			jobs <- d
		}
	}
}

func (c *Consumer) process(ctx context.Context, workerID int, d amqp.Delivery, handle HandlerFunc) {
	lg := c.log.WithField("worker", workerID)

	var m TrackMessage
	if err := json.Unmarshal(d.Body, &m); err != nil || m.JobID == "" || m.Kind == "" {
		lg.WithError(err).Warn("bad message")
		_ = d.Nack(false, false)
		return
	}
	lg = lg.WithFields(logrus.Fields{"job_id": m.JobID, "kind": m.Kind})

	start := time.Now()
	err := handle(ctx, m)
	switch {
	case err == nil:
		if err := d.Ack(false); err != nil {
			lg.WithError(err).Warn("ack failed")
		}
	case errors.Is(err, ErrRetryLater) && ctx.Err() == nil:
		n := RetryCount(d.Headers)
		if n >= c.cfg.MaxRetries {
			lg.WithError(err).WithField("retries", n).Warn("retries exhausted, dead-lettering")
			_ = d.Nack(false, false)
			return
		}
		if perr := c.publishRetry(ctx, d, n+1); perr != nil {
			lg.WithError(perr).Warn("retry publish failed, requeueing")
			_ = d.Nack(false, true)
			return
		}
		_ = d.Ack(false)
		lg.WithFields(logrus.Fields{"retries": n + 1, "cost": time.Since(start)}).Info("job parked for retry")
	case ctx.Err() != nil:
		// shutting down; let another worker pick it up
		_ = d.Nack(false, true)
	default:
		lg.WithError(err).WithField("cost", time.Since(start)).Warn("job failed")
		_ = d.Nack(false, false)
	}
}

func (c *Consumer) publishRetry(ctx context.Context, d amqp.Delivery, attempt int) error {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.ch.PublishWithContext(cctx, "", c.cfg.Queue+".retry", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         d.Body,
		Timestamp:    time.Now(),
		Expiration:   strconv.FormatInt(c.cfg.RetryDelay.Milliseconds(), 10),
		Headers:      amqp.Table{retryHeader: int32(attempt)},
	})
}

// RetryCount reads the retry counter stamped on a delivery.
func RetryCount(h amqp.Table) int {
	switch v := h[retryHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}
