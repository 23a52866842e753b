package rabbitmq

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher sends track requests to the worker queue and job lifecycle
// events to the events queue.
type Publisher struct {
	conn        *amqp.Connection
	ch          *amqp.Channel
	queue       string
	eventsQueue string
}

// TrackMessage asks a worker to poll one job.
type TrackMessage struct {
	JobID  string `json:"job_id"`
	Kind   string `json:"kind"`
	UserID uint64 `json:"user_id,omitempty"`
}

// EventMessage announces the end of a poll session.
type EventMessage struct {
	JobID    string    `json:"job_id"`
	Kind     string    `json:"kind"`
	UserID   uint64    `json:"user_id,omitempty"`
	State    string    `json:"state"`
	Outcome  string    `json:"outcome"`
	Progress int       `json:"progress"`
	Message  string    `json:"message,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

func NewPublisher(url, queue, eventsQueue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := DeclareTopology(ch, queue, eventsQueue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, queue: queue, eventsQueue: eventsQueue}, nil
}

// DeclareTopology declares the track queue with its retry queue and DLQ, and
// the events queue. Publisher and worker both call it so either can start
// first.
func DeclareTopology(ch *amqp.Channel, queue, eventsQueue string) error {
	mainQ := queue
	retryQ := queue + ".retry"
	dlqQ := queue + ".dlq"

	// DLQ
	if _, err := ch.QueueDeclare(dlqQ, true, false, false, false, nil); err != nil {
		return err
	}

	// Retry queue: message TTL -> dead-letter back to main queue
	if _, err := ch.QueueDeclare(retryQ, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": mainQ,
	}); err != nil {
		return err
	}

	// Main queue: dead-letter to DLQ on reject/nack(requeue=false)
	if _, err := ch.QueueDeclare(mainQ, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlqQ,
	}); err != nil {
		return err
	}

	if eventsQueue != "" {
		if _, err := ch.QueueDeclare(eventsQueue, true, false, false, false, nil); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func (p *Publisher) PublishTrack(ctx context.Context, msg TrackMessage) error {
	return p.publish(ctx, p.queue, msg)
}

func (p *Publisher) PublishEvent(ctx context.Context, msg EventMessage) error {
	if p.eventsQueue == "" {
		return nil
	}
	return p.publish(ctx, p.eventsQueue, msg)
}

func (p *Publisher) publish(ctx context.Context, queue string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return p.ch.PublishWithContext(cctx,
		"",    // default exchange
		queue, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}
