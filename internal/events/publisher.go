// Package events publishes pipeline notifications to RabbitMQ.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// channel is the subset of *amqp091.Channel the publisher uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// Publisher sends JSON bodies to an exchange keyed by routing key. With no
// exchange configured, each routing key maps to a durable queue of the same
// name on the default exchange.
type Publisher struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	ch       channel
	exchange string
	declared map[string]bool
}

// Dial connects to url and, when exchange is set, declares it as a durable
// topic exchange.
func Dial(url, exchange string) (*Publisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	p, err := newPublisher(ch, exchange)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	log.Info().Str("exchange", exchange).Msg("RabbitMQ connection established")
	return p, nil
}

func newPublisher(ch channel, exchange string) (*Publisher, error) {
	if exchange != "" {
		if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
		}
	}
	return &Publisher{ch: ch, exchange: exchange, declared: map[string]bool{}}, nil
}

// Publish sends body with routingKey.
func (p *Publisher) Publish(ctx context.Context, routingKey string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.exchange == "" && !p.declared[routingKey] {
		if _, err := p.ch.QueueDeclare(routingKey, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", routingKey, err)
		}
		p.declared[routingKey] = true
	}
	err := p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	log.Debug().Str("routing_key", routingKey).Msg("published event")
	return nil
}

// Close shuts the channel and connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Noop discards every event. It is used when no broker is configured.
type Noop struct{}

func (Noop) Publish(context.Context, string, []byte) error { return nil }

func (Noop) Close() error { return nil }
