// Package events carries order change notifications between the Resource API
// and every open view.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"storefront/internal/domain"
)

// Kind names one notification. The value doubles as the AMQP routing key.
type Kind string

const (
	OrderCreated Kind = "order.created"
	OrderUpdated Kind = "order.updated"
	OrderDeleted Kind = "order.deleted"
)

var ErrMalformed = errors.New("malformed event")

// Event is the wire envelope. Created and updated events carry the full
// order, deleted events carry the identity only.
type Event struct {
	Kind    Kind          `json:"type"`
	Order   *domain.Order `json:"order,omitempty"`
	OrderID string        `json:"order_id,omitempty"`
	At      time.Time     `json:"at"`
}

func Created(o domain.Order) Event {
	cp := o.Clone()
	return Event{Kind: OrderCreated, Order: &cp, OrderID: o.ID, At: time.Now().UTC()}
}

func Updated(o domain.Order) Event {
	cp := o.Clone()
	return Event{Kind: OrderUpdated, Order: &cp, OrderID: o.ID, At: time.Now().UTC()}
}

func Deleted(id string) Event {
	return Event{Kind: OrderDeleted, OrderID: id, At: time.Now().UTC()}
}

// Identity returns the order id the event refers to.
func (e Event) Identity() string {
	if e.Order != nil && e.Order.ID != "" {
		return e.Order.ID
	}
	return e.OrderID
}

// Validate rejects envelopes a store must never apply.
func (e Event) Validate() error {
	switch e.Kind {
	case OrderCreated, OrderUpdated:
		if e.Order == nil || e.Order.ID == "" {
			return fmt.Errorf("%w: %s without order identity", ErrMalformed, e.Kind)
		}
	case OrderDeleted:
		if e.Identity() == "" {
			return fmt.Errorf("%w: %s without order identity", ErrMalformed, e.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformed, e.Kind)
	}
	return nil
}

// Decode parses and validates one envelope.
func Decode(body []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Publisher emits events after the corresponding write has committed.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Subscriber opens a new subscription. Events on one subscription arrive in
// publish order.
type Subscriber interface {
	Subscribe(ctx context.Context) (Subscription, error)
}

// Subscription must be closed by its owner on every exit path. Events is
// closed when the subscription ends, by Close or by the transport.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

// Fanout publishes to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }
