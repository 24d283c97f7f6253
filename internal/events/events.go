// Package events publishes usage events (user lifecycle, quota charges) to
// RabbitMQ for downstream billing and audit consumers. Publishing is
// fire-and-forget: a broker failure is logged by the caller and never fails
// the operation that produced the event.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/kunalverma25/chatmeter/internal/config"
)

const (
	// ExchangeName is the topic exchange usage events are published to
	ExchangeName = "chatmeter.usage"
)

// Event names emitted by the service
const (
	EventUserCreated    = "user.created"
	EventUserDeleted    = "user.deleted"
	EventQuotaConsumed  = "quota.consumed"
	EventQuotaExhausted = "quota.exhausted"
	EventQuotaRefunded  = "quota.refunded"
)

// Envelope wraps every published event
type Envelope struct {
	Event     string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// Publisher publishes usage events to a topic exchange
type Publisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// New creates a new publisher and declares the exchange
func New(cfg config.EventsConfig) (*Publisher, error) {
	url := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Vhost)

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		ExchangeName,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &Publisher{
		conn:    conn,
		channel: channel,
	}, nil
}

// Close closes the publisher connection
func (p *Publisher) Close() error {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Publish sends one event with the event name as routing key
func (p *Publisher) Publish(ctx context.Context, event string, data interface{}) error {
	body, err := json.Marshal(Envelope{
		Event:     event,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = p.channel.PublishWithContext(ctx,
		ExchangeName,
		event, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}
