package view

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"storefront/internal/domain"
	"storefront/internal/events"
	"storefront/internal/mutation"
	"storefront/internal/orderstore"
	"storefront/internal/report"
)

type mockMutator struct {
	mock.Mock
}

func (m *mockMutator) UpdateOrderStatus(ctx context.Context, id string, status domain.OrderStatus) (*domain.Order, error) {
	args := m.Called(ctx, id, status)
	if o, ok := args.Get(0).(*domain.Order); ok {
		return o, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockMutator) DeleteOrder(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

type mapCatalog map[string]domain.Product

func (c mapCatalog) Resolve(_ context.Context, id string) (domain.Product, bool) {
	if p, ok := c[id]; ok {
		return p, true
	}
	return domain.UnknownProduct(id), false
}

func (c mapCatalog) All(context.Context) ([]domain.Product, error) {
	out := make([]domain.Product, 0, len(c))
	for _, p := range c {
		out = append(out, p)
	}
	return out, nil
}

type staticLoader []domain.Order

func (l staticLoader) ListOrders(context.Context) ([]domain.Order, error) {
	return append([]domain.Order(nil), l...), nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var created = time.Now().UTC().Add(-time.Hour)

func order(id, productID, customer string, st domain.OrderStatus, minute int) domain.Order {
	return domain.Order{
		ID:           id,
		CustomerName: customer,
		ProductID:    productID,
		Quantity:     1,
		Status:       st,
		CreatedAt:    created.Add(time.Duration(minute) * time.Minute),
	}
}

type fixture struct {
	admin   *Admin
	hub     *events.Hub
	mutator *mockMutator
	session *orderstore.Session
	changed chan struct{}
}

func newFixture(t *testing.T, snapshot ...domain.Order) *fixture {
	t.Helper()
	f := &fixture{hub: events.NewHub(discardLogger()), mutator: &mockMutator{}, changed: make(chan struct{}, 16)}
	f.session = orderstore.NewSession(staticLoader(snapshot), f.hub, discardLogger(),
		orderstore.OnChange(func() { f.changed <- struct{}{} }))
	require.NoError(t, f.session.Start(context.Background()))
	t.Cleanup(f.session.Stop)
	<-f.changed

	catalog := mapCatalog{
		"p1": {ID: "p1", Title: "Green Curry", Price: decimal.NewFromInt(80), Status: domain.ProductAvailable},
		"p2": {ID: "p2", Title: "Mango Sticky Rice", Price: decimal.NewFromInt(60), Status: domain.ProductAvailable},
	}
	f.admin = NewAdmin(f.session, f.mutator, catalog, nil, report.DefaultOptions(), discardLogger())
	return f
}

func (f *fixture) waitChange(t *testing.T) {
	t.Helper()
	select {
	case <-f.changed:
	case <-time.After(2 * time.Second):
		t.Fatal("store did not change")
	}
}

func TestChangeStatus_StoreFollowsEventsOnly(t *testing.T) {
	ctx := context.Background()
	a := order("A", "p1", "Somchai", domain.OrderStatusPending, 1)
	f := newFixture(t, a)

	updated := a
	updated.Status = domain.OrderStatusDone
	f.mutator.On("UpdateOrderStatus", mock.Anything, "A", domain.OrderStatusDone).Return(&updated, nil).Once()

	op, err := f.admin.ChangeStatus(ctx, "A", domain.OrderStatusDone)
	require.NoError(t, err)
	assert.Equal(t, mutation.Succeeded, op.State)

	// the request succeeded but the store waits for the event
	got, _ := f.session.Store().Get("A")
	assert.Equal(t, domain.OrderStatusPending, got.Status)

	require.NoError(t, f.hub.Publish(ctx, events.Updated(updated)))
	f.waitChange(t)
	got, _ = f.session.Store().Get("A")
	assert.Equal(t, domain.OrderStatusDone, got.Status)
	f.mutator.AssertExpectations(t)
}

func TestChangeStatus_FailureLeavesStoreUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, order("A", "p1", "Somchai", domain.OrderStatusPending, 1))
	boom := errors.New("503 service unavailable")
	f.mutator.On("UpdateOrderStatus", mock.Anything, "A", domain.OrderStatusCancelled).Return(nil, boom).Once()

	op, err := f.admin.ChangeStatus(ctx, "A", domain.OrderStatusCancelled)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, mutation.Failed, op.State)
	got, _ := f.session.Store().Get("A")
	assert.Equal(t, domain.OrderStatusPending, got.Status)
}

func TestChangeStatus_RejectsUnknownStatus(t *testing.T) {
	f := newFixture(t)
	_, err := f.admin.ChangeStatus(context.Background(), "A", "shipped")
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)
	f.mutator.AssertNotCalled(t, "UpdateOrderStatus", mock.Anything, mock.Anything, mock.Anything)
}

func TestDelete_DoubleSubmitRefused(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, order("A", "p1", "Somchai", domain.OrderStatusPending, 1))

	entered := make(chan struct{})
	release := make(chan struct{})
	f.mutator.On("DeleteOrder", mock.Anything, "A").Run(func(mock.Arguments) {
		close(entered)
		<-release
	}).Return(nil).Once()

	done := make(chan error, 1)
	go func() {
		_, err := f.admin.Delete(ctx, "A")
		done <- err
	}()
	<-entered

	rows := f.admin.Orders(ctx, Filter{})
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Busy)
	require.Len(t, f.admin.Pending(), 1)

	_, err := f.admin.Delete(ctx, "A")
	assert.ErrorIs(t, err, mutation.ErrInFlight)
	_, err = f.admin.ChangeStatus(ctx, "A", domain.OrderStatusDone)
	assert.ErrorIs(t, err, mutation.ErrInFlight)

	close(release)
	require.NoError(t, <-done)
	assert.Empty(t, f.admin.Pending())

	require.NoError(t, f.hub.Publish(ctx, events.Deleted("A")))
	f.waitChange(t)
	assert.Empty(t, f.admin.Orders(ctx, Filter{}))
	f.mutator.AssertExpectations(t)
}

func TestOrders_FilterSearchAndPlaceholder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t,
		order("A", "p1", "Somchai", domain.OrderStatusPending, 1),
		order("B", "p2", "Malee", domain.OrderStatusDone, 2),
		order("C", "gone", "Anan", domain.OrderStatusDone, 3),
	)

	rows := f.admin.Orders(ctx, Filter{})
	require.Len(t, rows, 3)
	assert.Equal(t, "C", rows[0].Order.ID)
	assert.False(t, rows[0].ProductKnown)
	assert.Equal(t, domain.UnknownProductTitle, rows[0].Product.Title)
	assert.True(t, rows[1].ProductKnown)

	done := f.admin.Orders(ctx, Filter{Statuses: []domain.OrderStatus{domain.OrderStatusDone}, Sort: orderstore.CreatedAsc})
	require.Len(t, done, 2)
	assert.Equal(t, "B", done[0].Order.ID)

	byTitle := f.admin.Orders(ctx, Filter{Search: "mango"})
	require.Len(t, byTitle, 1)
	assert.Equal(t, "B", byTitle[0].Order.ID)

	byPlaceholder := f.admin.Orders(ctx, Filter{Search: "deleted"})
	require.Len(t, byPlaceholder, 1)
	assert.Equal(t, "C", byPlaceholder[0].Order.ID)
}

func TestReportAndDashboard(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t,
		order("A", "p1", "Somchai", domain.OrderStatusPending, 1),
		order("B", "p2", "Malee", domain.OrderStatusDone, 2),
		order("C", "gone", "Anan", domain.OrderStatusDone, 3),
	)

	sum := f.admin.Report(ctx, report.AllTime)
	assert.Equal(t, 3, sum.TotalOrders)
	assert.Equal(t, "60", sum.Revenue.String())
	require.Len(t, sum.TopProducts, 1)
	assert.Equal(t, "p2", sum.TopProducts[0].Product.ID)

	d, err := f.admin.Dashboard(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Products)
	assert.Equal(t, 3, d.Orders)
	assert.Equal(t, 2, d.ByStatus[domain.OrderStatusDone])
}

func TestReload(t *testing.T) {
	f := newFixture(t, order("A", "p1", "Somchai", domain.OrderStatusPending, 1))
	require.NoError(t, f.admin.Reload(context.Background()))
	assert.Len(t, f.admin.Orders(context.Background(), Filter{}), 1)
}
