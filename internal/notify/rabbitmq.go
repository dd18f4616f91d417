// Package notify publishes terminal queue outcomes to RabbitMQ.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"wuzapi-bitrix-integration/internal/models"
)

// Publisher sends a message to a named queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

// AMQPPublisher publishes to durable queues over one channel.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	declared map[string]bool
}

// Dial connects to the broker and opens a channel.
func Dial(url string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("could not connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("could not open RabbitMQ channel: %w", err)
	}
	log.Info().Msg("RabbitMQ connection established")
	return &AMQPPublisher{conn: conn, ch: ch, declared: make(map[string]bool)}, nil
}

// Publish declares the queue on first use and publishes a persistent JSON
// message through the default exchange.
func (p *AMQPPublisher) Publish(ctx context.Context, queue string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.declared[queue] {
		if _, err := p.ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", queue, err)
		}
		p.declared[queue] = true
	}
	err := p.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.Close(); err != nil {
		log.Debug().Err(err).Msg("RabbitMQ channel close")
	}
	return p.conn.Close()
}

// Notifier is a queue observer that publishes every finished event.
type Notifier struct {
	pub      Publisher
	prefix   string
	specific map[string]bool
}

// NewNotifier publishes to "<prefix>_events", or to "<prefix>_<event type>"
// for the event types listed in specificEvents.
func NewNotifier(pub Publisher, prefix string, specificEvents []string) *Notifier {
	if prefix == "" {
		prefix = "relay"
	}
	specific := make(map[string]bool)
	for _, e := range specificEvents {
		if e = strings.TrimSpace(e); e != "" {
			specific[strings.ToLower(e)] = true
		}
	}
	if len(specific) > 0 {
		log.Info().Interface("specificEvents", specific).Msg("Specific RabbitMQ events configured")
	}
	return &Notifier{pub: pub, prefix: prefix, specific: specific}
}

func (n *Notifier) Name() string { return "rabbitmq" }

// QueueName returns the queue an event type is published to.
func (n *Notifier) QueueName(eventType string) string {
	if n.specific[strings.ToLower(eventType)] {
		return n.prefix + "_" + strings.ToLower(eventType)
	}
	return n.prefix + "_events"
}

// Outcome is the published message body.
type Outcome struct {
	EventID     int64              `json:"eventId"`
	EventType   string             `json:"eventType"`
	Status      models.EventStatus `json:"status"`
	Attempts    int                `json:"attempts"`
	LastError   string             `json:"lastError,omitempty"`
	ProcessedAt *time.Time         `json:"processedAt,omitempty"`
	Payload     json.RawMessage    `json:"payload,omitempty"`
}

// NewOutcome summarizes a finished event. The payload is embedded only when
// it is valid JSON.
func NewOutcome(ev models.QueuedEvent) Outcome {
	out := Outcome{
		EventID:     ev.ID,
		EventType:   ev.EventType,
		Status:      ev.Status,
		Attempts:    ev.Attempts,
		LastError:   ev.LastError,
		ProcessedAt: ev.ProcessedAt,
	}
	if json.Valid([]byte(ev.Payload)) {
		out.Payload = json.RawMessage(ev.Payload)
	}
	return out
}

func (n *Notifier) EventFinished(ctx context.Context, ev models.QueuedEvent) error {
	body, err := json.Marshal(NewOutcome(ev))
	if err != nil {
		return fmt.Errorf("encode outcome of event %d: %w", ev.ID, err)
	}

	queue := n.QueueName(ev.EventType)
	if err := n.pub.Publish(ctx, queue, body); err != nil {
		log.Error().Err(err).Int64("eventID", ev.ID).Str("eventType", ev.EventType).Str("queue", queue).
			Msg("Failed to publish to RabbitMQ")
		return err
	}
	log.Debug().Int64("eventID", ev.ID).Str("eventType", ev.EventType).Str("queue", queue).
		Msg("Published event outcome to RabbitMQ")
	return nil
}
