// Package view is the admin back-office controller. It reads only from its
// own order store session and sends mutations to the Resource API through a
// tracker; the store changes when the resulting events arrive.
package view

import (
	"context"
	"fmt"
	"log/slog"

	"storefront/internal/domain"
	"storefront/internal/mutation"
	"storefront/internal/orderstore"
	"storefront/internal/report"
)

// Mutator отправляет изменения заказов в Resource API
type Mutator interface {
	UpdateOrderStatus(ctx context.Context, id string, status domain.OrderStatus) (*domain.Order, error)
	DeleteOrder(ctx context.Context, id string) error
}

// Catalog resolves product references; see catalog.Resolver.
type Catalog interface {
	Resolve(ctx context.Context, id string) (domain.Product, bool)
	All(ctx context.Context) ([]domain.Product, error)
}

type Admin struct {
	session *orderstore.Session
	mutator Mutator
	catalog Catalog
	tracker *mutation.Tracker
	opts    report.Options
	log     *slog.Logger
}

func NewAdmin(session *orderstore.Session, mutator Mutator, catalog Catalog, tracker *mutation.Tracker, opts report.Options, log *slog.Logger) *Admin {
	if tracker == nil {
		tracker = mutation.NewTracker()
	}
	return &Admin{
		session: session,
		mutator: mutator,
		catalog: catalog,
		tracker: tracker,
		opts:    opts,
		log:     log.With("component", "view.admin"),
	}
}

func orderKey(id string) string { return "order:" + id }

// ChangeStatus asks the Resource API to move the order to status. Any valid
// status is accepted from any other.
func (a *Admin) ChangeStatus(ctx context.Context, id string, status domain.OrderStatus) (mutation.Operation, error) {
	if !status.Valid() {
		return mutation.Operation{}, fmt.Errorf("%w %q", domain.ErrInvalidStatus, status)
	}
	op, err := a.tracker.Do(ctx, orderKey(id), mutation.KindStatusChange, func(ctx context.Context) error {
		_, err := a.mutator.UpdateOrderStatus(ctx, id, status)
		return err
	})
	if err != nil {
		a.log.Warn("status change failed", "order_id", id, "status", status, "error", err)
	}
	return op, err
}

func (a *Admin) Delete(ctx context.Context, id string) (mutation.Operation, error) {
	op, err := a.tracker.Do(ctx, orderKey(id), mutation.KindDelete, func(ctx context.Context) error {
		return a.mutator.DeleteOrder(ctx, id)
	})
	if err != nil {
		a.log.Warn("delete failed", "order_id", id, "error", err)
	}
	return op, err
}

// Reload is the manual refresh: the store is replaced by a fresh snapshot.
func (a *Admin) Reload(ctx context.Context) error {
	return a.session.Reload(ctx)
}

// Pending lists mutations still waiting for the Resource API.
func (a *Admin) Pending() []mutation.Operation {
	return a.tracker.Pending()
}

type Filter struct {
	Statuses []domain.OrderStatus
	Search   string
	Sort     orderstore.SortKey
	Limit    int
}

// Row заказ вместе с товаром для отображения. Busy is set while a mutation of
// the order is in flight.
type Row struct {
	Order        domain.Order   `json:"order"`
	Product      domain.Product `json:"product"`
	ProductKnown bool           `json:"product_known"`
	Busy         bool           `json:"busy"`
}

// Orders queries the session's store. Orders whose product is gone carry the
// deleted-product placeholder.
func (a *Admin) Orders(ctx context.Context, f Filter) []Row {
	titleOf := func(productID string) string {
		p, _ := a.catalog.Resolve(ctx, productID)
		return p.Title
	}
	orders := a.session.Store().Query(orderstore.Query{
		Match: orderstore.All(orderstore.ByStatus(f.Statuses...), orderstore.Search(f.Search, titleOf)),
		Sort:  f.Sort,
		Limit: f.Limit,
	})

	rows := make([]Row, 0, len(orders))
	for _, o := range orders {
		p, known := a.catalog.Resolve(ctx, o.ProductID)
		op, ok := a.tracker.Get(orderKey(o.ID))
		rows = append(rows, Row{
			Order:        o,
			Product:      p,
			ProductKnown: known,
			Busy:         ok && op.State == mutation.InFlight,
		})
	}
	return rows
}

func (a *Admin) lookup(ctx context.Context) report.Lookup {
	return func(id string) (domain.Product, bool) {
		return a.catalog.Resolve(ctx, id)
	}
}

func (a *Admin) Report(ctx context.Context, rng report.Range) report.Summary {
	orders := a.session.Store().Query(orderstore.Query{})
	return report.Build(orders, a.lookup(ctx), rng, a.opts)
}

func (a *Admin) Dashboard(ctx context.Context) (report.Dashboard, error) {
	products, err := a.catalog.All(ctx)
	if err != nil {
		return report.Dashboard{}, fmt.Errorf("list products: %w", err)
	}
	orders := a.session.Store().Query(orderstore.Query{})
	return report.BuildDashboard(orders, len(products)), nil
}
