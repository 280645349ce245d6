package events

import (
	"context"
	"errors"
	"testing"

	"github.com/rabbitmq/amqp091-go"
)

type fakeChannel struct {
	exchanges []string
	queues    []string
	published []published
	pubErr    error
	closed    bool
}

type published struct {
	exchange, key string
	msg           amqp091.Publishing
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error {
	f.exchanges = append(f.exchanges, name+":"+kind)
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error) {
	f.queues = append(f.queues, name)
	return amqp091.Queue{Name: name}, nil
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error {
	if f.pubErr != nil {
		return f.pubErr
	}
	f.published = append(f.published, published{exchange, key, msg})
	return nil
}

func (f *fakeChannel) Close() error { f.closed = true; return nil }

func TestPublish_Exchange(t *testing.T) {
	ch := &fakeChannel{}
	p, err := newPublisher(ch, "reviews")
	if err != nil {
		t.Fatalf("newPublisher: %v", err)
	}
	if len(ch.exchanges) != 1 || ch.exchanges[0] != "reviews:topic" {
		t.Fatalf("exchange not declared: %v", ch.exchanges)
	}
	if err := p.Publish(context.Background(), "run.finished", []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(ch.queues) != 0 {
		t.Fatalf("queues should not be declared with an exchange: %v", ch.queues)
	}
	got := ch.published[0]
	if got.exchange != "reviews" || got.key != "run.finished" || got.msg.ContentType != "application/json" || string(got.msg.Body) != `{"ok":true}` {
		t.Fatalf("unexpected publish: %+v", got)
	}
	if got.msg.DeliveryMode != amqp091.Persistent {
		t.Fatalf("expected persistent delivery")
	}
}

func TestPublish_DefaultExchangeDeclaresQueueOnce(t *testing.T) {
	ch := &fakeChannel{}
	p, _ := newPublisher(ch, "")
	for i := 0; i < 3; i++ {
		if err := p.Publish(context.Background(), "review.analyzed", []byte(`{}`)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	if len(ch.queues) != 1 || ch.queues[0] != "review.analyzed" {
		t.Fatalf("expected one queue declaration, got %v", ch.queues)
	}
	if len(ch.published) != 3 || ch.published[0].exchange != "" {
		t.Fatalf("unexpected publishes: %+v", ch.published)
	}
}

func TestPublish_ErrorWrapped(t *testing.T) {
	boom := errors.New("channel closed")
	ch := &fakeChannel{pubErr: boom}
	p, _ := newPublisher(ch, "x")
	if err := p.Publish(context.Background(), "k", nil); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
	if err := p.Close(); err != nil || !ch.closed {
		t.Fatalf("Close: %v closed=%v", err, ch.closed)
	}
}

func TestNoop(t *testing.T) {
	if err := (Noop{}).Publish(context.Background(), "k", []byte("x")); err != nil {
		t.Fatalf("Noop: %v", err)
	}
}
