package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

const (
	MessageReceived = "message.received"
	MessageSent     = "message.sent"
)

// Sink receives domain events after they are committed.
type Sink interface {
	Publish(ctx context.Context, eventType string, payload interface{}) error
}

// Envelope is the JSON body written to the queue.
type Envelope struct {
	ID        string      `json:"id"`
	Event     string      `json:"event"`
	Timestamp int64       `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// RabbitPublisher publishes events to a durable queue on the default exchange.
type RabbitPublisher struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	queue    string
	declared bool
}

// DialRabbit connects and opens a channel. The queue is declared on first publish.
func DialRabbit(url, queue string) (*RabbitPublisher, error) {
	if url == "" {
		return nil, fmt.Errorf("RabbitMQ URL cannot be empty")
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("could not connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("could not open RabbitMQ channel: %w", err)
	}
	log.Info().Str("queue", queue).Msg("RabbitMQ connection established")
	return &RabbitPublisher{conn: conn, channel: ch, queue: queue}, nil
}

func (p *RabbitPublisher) Publish(ctx context.Context, eventType string, payload interface{}) error {
	body, err := json.Marshal(Envelope{
		ID:        uuid.NewString(),
		Event:     eventType,
		Timestamp: time.Now().UnixMilli(),
		Data:      payload,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.declared {
		_, err := p.channel.QueueDeclare(
			p.queue,
			true,  // durable
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			nil,
		)
		if err != nil {
			log.Error().Err(err).Str("queue", p.queue).Msg("Could not declare RabbitMQ queue")
			return err
		}
		p.declared = true
	}

	err = p.channel.PublishWithContext(ctx,
		"",      // default exchange
		p.queue, // routing key = queue
		false,
		false,
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    uuid.NewString(),
			Type:         eventType,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		log.Error().Err(err).Str("queue", p.queue).Str("eventType", eventType).Msg("Could not publish to RabbitMQ")
		return err
	}
	log.Debug().Str("queue", p.queue).Str("eventType", eventType).Msg("Published event to RabbitMQ")
	return nil
}

func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	return p.conn.Close()
}

// Recorder is an in-memory Sink.
type Recorder struct {
	mu     sync.Mutex
	Events []Envelope
}

func (r *Recorder) Publish(_ context.Context, eventType string, payload interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, Envelope{ID: uuid.NewString(), Event: eventType, Timestamp: time.Now().UnixMilli(), Data: payload})
	return nil
}

func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.Events))
	for _, e := range r.Events {
		out = append(out, e.Event)
	}
	return out
}
