// Package events publishes settlement outcomes to RabbitMQ for downstream
// consumers (notifications, payout disbursement, analytics). Publishing is
// best-effort: a broker outage never affects settlement itself.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// SettlementEvent is the payload published when an invoice reaches a
// terminal settlement state.
type SettlementEvent struct {
	InvoiceID   int64     `json:"invoice_id"`
	TrainerID   int64     `json:"trainer_id"`
	ClientID    int64     `json:"client_id"`
	Status      string    `json:"status"` // "paid" or "failed"
	Amount      string    `json:"amount"`
	Currency    string    `json:"currency"`
	ProviderRef string    `json:"provider_ref"`
	Timestamp   time.Time `json:"timestamp"`
}

// Publisher is the interface implemented by types that can publish
// settlement events.
type Publisher interface {
	PublishSettlement(ctx context.Context, ev SettlementEvent) error
	Close()
}

// Producer publishes settlement events to a durable topic exchange.
type Producer struct {
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
}

// NoopPublisher is a minimal publisher used when RabbitMQ is unavailable at
// startup.
type NoopPublisher struct{}

func (NoopPublisher) PublishSettlement(ctx context.Context, ev SettlementEvent) error {
	slog.Warn("settlement event publish skipped: no broker configured",
		"invoice_id", ev.InvoiceID, "status", ev.Status)
	return nil
}

func (NoopPublisher) Close() {}

// NewProducer connects to RabbitMQ and returns a settlement event producer.
func NewProducer(amqpURL, exchange string) (*Producer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	// Bounded dial timeout so startup does not hang indefinitely.
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &Producer{conn: conn, channel: ch, exchange: exchange}, nil
}

// PublishSettlement publishes the event with routing key
// "invoice.<status>", retrying once on a reopened channel.
func (p *Producer) PublishSettlement(ctx context.Context, ev SettlementEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	routingKey := "invoice." + ev.Status

	publish := func() error {
		return p.channel.PublishWithContext(ctx,
			p.exchange,
			routingKey,
			false, // mandatory
			false, // immediate
			amqp091.Publishing{
				ContentType: "application/json",
				Timestamp:   time.Now(),
				Body:        body,
			},
		)
	}

	if err := publish(); err != nil {
		slog.Warn("event publish failed; reopening channel",
			"routing_key", routingKey, "error", err)
		ch, chErr := p.conn.Channel()
		if chErr != nil {
			return chErr
		}
		p.channel = ch
		if exErr := p.channel.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); exErr != nil {
			return exErr
		}
		return publish()
	}
	return nil
}

// Close tears down the channel and connection.
func (p *Producer) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}
