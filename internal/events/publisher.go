// Package events publishes per-record dispatch outcomes to RabbitMQ.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const MessageTypeOutcome = "dispatch.outcome"

type OutcomeEvent struct {
	CycleID       string    `json:"cycle_id"`
	RecordID      int64     `json:"record_id"`
	Outcome       string    `json:"outcome"`
	Status        string    `json:"status"`
	ReturnMessage string    `json:"return_message,omitempty"`
	RemoteID      string    `json:"remote_id,omitempty"`
	At            time.Time `json:"at"`
}

type Message struct {
	ID        string       `json:"id"`
	Type      string       `json:"type"`
	Payload   OutcomeEvent `json:"payload"`
	Timestamp time.Time    `json:"timestamp"`
}

type Publisher interface {
	PublishOutcome(ctx context.Context, e OutcomeEvent) error
}

// RoutingKey is outcome.<status>, e.g. outcome.not_sent.
func RoutingKey(status string) string {
	return "outcome." + status
}

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type AMQPPublisher struct {
	exchange string
	conn     *amqp.Connection

	mu sync.Mutex
	ch amqpChannel
}

// DialAMQP connects and declares a durable topic exchange.
func DialAMQP(url, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	slog.Info("connected to RabbitMQ", "exchange", exchange)
	return &AMQPPublisher{exchange: exchange, conn: conn, ch: ch}, nil
}

func (p *AMQPPublisher) PublishOutcome(ctx context.Context, e OutcomeEvent) error {
	msg := Message{
		ID:        uuid.NewString(),
		Type:      MessageTypeOutcome,
		Payload:   e,
		Timestamp: time.Now().UTC(),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	key := RoutingKey(e.Status)

	// amqp channels are not safe for concurrent publishing
	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.Timestamp,
		Type:         msg.Type,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", p.exchange, key, err)
	}

	slog.Debug("published outcome", "routing_key", key, "message_id", msg.ID, "record_id", e.RecordID)
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	if p.ch != nil {
		err = p.ch.Close()
	}
	if p.conn != nil {
		if cerr := p.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

type Nop struct{}

func (Nop) PublishOutcome(context.Context, OutcomeEvent) error { return nil }
