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

const (
	DefaultExchange = "storefront.orders"
	ExchangeType    = "topic"
	// BindingKey matches every order notification.
	BindingKey = "order.*"
)

// DialRabbit connects to the broker, retrying while the broker container
// starts up.
func DialRabbit(ctx context.Context, url string, log *slog.Logger) (*amqp.Connection, error) {
	var (
		conn *amqp.Connection
		err  error
	)
	for i := 0; i < 5; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			return conn, nil
		}
		log.Warn("rabbitmq connect failed", "attempt", i+1, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return nil, fmt.Errorf("could not connect to RabbitMQ: %w", err)
}

func declareExchange(ch *amqp.Channel, name string) error {
	err := ch.ExchangeDeclare(
		name,         // name
		ExchangeType, // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		return fmt.Errorf("could not declare exchange: %w", err)
	}
	return nil
}

// RabbitPublisher publishes events to a topic exchange using the event kind
// as routing key.
type RabbitPublisher struct {
	mu       sync.Mutex
	ch       *amqp.Channel
	exchange string
}

func NewRabbitPublisher(conn *amqp.Connection, exchange string) (*RabbitPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("could not open channel: %w", err)
	}
	if err := declareExchange(ch, exchange); err != nil {
		ch.Close()
		return nil, err
	}
	return &RabbitPublisher{ch: ch, exchange: exchange}, nil
}

var _ Publisher = (*RabbitPublisher)(nil)

func (p *RabbitPublisher) Publish(ctx context.Context, ev Event) error {
	msg, err := toPublishing(ev)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(ctx,
		p.exchange,      // exchange
		string(ev.Kind), // routing key
		false,           // mandatory
		false,           // immediate
		msg,
	)
}

func (p *RabbitPublisher) Close() error {
	return p.ch.Close()
}

func toPublishing(ev Event) (amqp.Publishing, error) {
	if err := ev.Validate(); err != nil {
		return amqp.Publishing{}, err
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("could not marshal event: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    ev.At,
		Type:         string(ev.Kind),
		Body:         body,
	}, nil
}

// RabbitSubscriber gives every subscription its own exclusive queue bound to
// all order notifications.
type RabbitSubscriber struct {
	conn     *amqp.Connection
	exchange string
	log      *slog.Logger
}

func NewRabbitSubscriber(conn *amqp.Connection, exchange string, log *slog.Logger) *RabbitSubscriber {
	return &RabbitSubscriber{conn: conn, exchange: exchange, log: log.With("component", "events.rabbitmq")}
}

var _ Subscriber = (*RabbitSubscriber)(nil)

func (s *RabbitSubscriber) Subscribe(ctx context.Context) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch, err := s.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("could not open channel: %w", err)
	}
	fail := func(err error) (Subscription, error) {
		ch.Close()
		return nil, err
	}
	if err := declareExchange(ch, s.exchange); err != nil {
		return fail(err)
	}
	q, err := ch.QueueDeclare(
		"",    // random name
		false, // non-durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fail(fmt.Errorf("could not declare queue: %w", err))
	}
	if err := ch.QueueBind(q.Name, BindingKey, s.exchange, false, nil); err != nil {
		return fail(fmt.Errorf("could not bind queue: %w", err))
	}
	tag := "view-" + uuid.NewString()
	msgs, err := ch.Consume(
		q.Name, // queue
		tag,    // consumer tag
		true,   // auto-ack
		true,   // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // args
	)
	if err != nil {
		return fail(fmt.Errorf("could not start consume: %w", err))
	}

	sub := &rabbitSub{ch: ch, tag: tag, out: make(chan Event), done: make(chan struct{})}
	go sub.pump(msgs, s.log)
	return sub, nil
}

type rabbitSub struct {
	ch   *amqp.Channel
	tag  string
	out  chan Event
	done chan struct{}
	once sync.Once
}

func (s *rabbitSub) pump(msgs <-chan amqp.Delivery, log *slog.Logger) {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case d, ok := <-msgs:
			if !ok {
				return
			}
			ev, err := Decode(d.Body)
			if err != nil {
				log.Warn("dropping malformed event", "routing_key", d.RoutingKey, "error", err)
				continue
			}
			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}
	}
}

func (s *rabbitSub) Events() <-chan Event { return s.out }

func (s *rabbitSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		_ = s.ch.Cancel(s.tag, false)
		err = s.ch.Close()
	})
	return err
}
