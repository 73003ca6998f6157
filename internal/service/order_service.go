package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"storefront/internal/domain"
	"storefront/internal/events"
	"storefront/internal/repository"
)

var ErrProductUnavailable = errors.New("product unavailable")

// OrderService реализует логику заказов: создание, смена статуса, удаление.
// Every committed write emits exactly one event.
type OrderService struct {
	products repository.ProductRepository
	orders   repository.OrderRepository
	tx       repository.TxManager
	events   events.Publisher
	log      *slog.Logger

	// held across write and publish so events leave in commit order
	writeMu sync.Mutex
}

func NewOrderService(products repository.ProductRepository, orders repository.OrderRepository, tx repository.TxManager, pub events.Publisher, log *slog.Logger) *OrderService {
	if pub == nil {
		pub = events.Discard{}
	}
	return &OrderService{products: products, orders: orders, tx: tx, events: pub, log: log.With("component", "order_service")}
}

// CreateOrderInput поля заказа от покупателя
type CreateOrderInput struct {
	ProductID       string                 `json:"product_id" validate:"required"`
	CustomerName    string                 `json:"customer_name" validate:"required"`
	CustomerContact string                 `json:"customer_contact" validate:"required"`
	Quantity        int                    `json:"quantity" validate:"gte=1"`
	SelectedOptions domain.SelectedOptions `json:"selected_options"`
	Note            string                 `json:"note"`
}

func (in *CreateOrderInput) normalize() error {
	in.ProductID = strings.TrimSpace(in.ProductID)
	in.CustomerName = strings.TrimSpace(in.CustomerName)
	in.CustomerContact = strings.TrimSpace(in.CustomerContact)
	in.SelectedOptions.Size = strings.TrimSpace(in.SelectedOptions.Size)
	in.SelectedOptions.Toppings = domain.DedupToppings(in.SelectedOptions.Toppings)
	if err := validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// CreateOrder проверяет товар и создаёт заказ в статусе pending
func (s *OrderService) CreateOrder(ctx context.Context, in CreateOrderInput) (*domain.Order, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var created *domain.Order
	err := s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		p, err := s.products.GetByID(ctx, in.ProductID)
		if err != nil {
			return err
		}
		if p.Status != domain.ProductAvailable {
			return ErrProductUnavailable
		}
		if err := checkOptions(p.Options, in.SelectedOptions); err != nil {
			return err
		}

		o := domain.Order{
			CustomerName:    in.CustomerName,
			CustomerContact: in.CustomerContact,
			ProductID:       p.ID,
			Quantity:        in.Quantity,
			SelectedOptions: in.SelectedOptions,
			Note:            in.Note,
			Status:          domain.OrderStatusPending,
		}
		if err := s.orders.Create(ctx, &o); err != nil {
			return err
		}
		created = &o
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, events.Created(*created))
	return created, nil
}

func checkOptions(offered domain.ProductOptions, chosen domain.SelectedOptions) error {
	if chosen.Size != "" && !offered.HasSize(chosen.Size) {
		return fmt.Errorf("%w: size %q is not offered", ErrInvalidInput, chosen.Size)
	}
	for _, t := range chosen.Toppings {
		if !offered.HasTopping(t) {
			return fmt.Errorf("%w: topping %q is not offered", ErrInvalidInput, t)
		}
	}
	return nil
}

// ListOrders возвращает все заказы, новые первыми
func (s *OrderService) ListOrders(ctx context.Context) ([]domain.Order, error) {
	return s.orders.List(ctx)
}

// GetOrder возвращает заказ по id
func (s *OrderService) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	if id == "" {
		return nil, ErrInvalidInput
	}
	return s.orders.GetByID(ctx, id)
}

// UpdateOrderStatus moves the order to any valid status; there is no workflow
// guard.
func (s *OrderService) UpdateOrderStatus(ctx context.Context, id string, status domain.OrderStatus) (*domain.Order, error) {
	if id == "" {
		return nil, ErrInvalidInput
	}
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %w %q", ErrInvalidInput, domain.ErrInvalidStatus, status)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var updated *domain.Order
	err := s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		o, err := s.orders.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if !domain.CanTransition(o.Status, status) {
			return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidStatus, o.Status, status)
		}
		o.Status = status
		if err := s.orders.Update(ctx, o); err != nil {
			return err
		}
		updated = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, events.Updated(*updated))
	return updated, nil
}

// DeleteOrder удаляет заказ (только администратор)
func (s *OrderService) DeleteOrder(ctx context.Context, id string) error {
	if id == "" {
		return ErrInvalidInput
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.orders.Delete(ctx, id); err != nil {
		return err
	}
	s.emit(ctx, events.Deleted(id))
	return nil
}

// emit never fails the request: the write is already committed.
func (s *OrderService) emit(ctx context.Context, ev events.Event) {
	if err := s.events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.log.Error("publish order event", "type", ev.Kind, "order_id", ev.Identity(), "error", err)
	}
}
