package report

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront/internal/domain"
	"storefront/internal/orderstore"
)

var now = time.Date(2025, 9, 28, 15, 30, 0, 0, time.UTC)

func fixedOptions() Options {
	opts := DefaultOptions()
	opts.Now = func() time.Time { return now }
	return opts
}

func product(id string, price int64) domain.Product {
	return domain.Product{ID: id, Title: "product " + id, Price: decimal.NewFromInt(price), Status: domain.ProductAvailable}
}

func lookupOf(ps ...domain.Product) Lookup {
	m := make(map[string]domain.Product, len(ps))
	for _, p := range ps {
		m[p.ID] = p
	}
	return func(id string) (domain.Product, bool) {
		p, ok := m[id]
		return p, ok
	}
}

func ord(id, productID string, qty int, st domain.OrderStatus, ago time.Duration) domain.Order {
	return domain.Order{ID: id, ProductID: productID, Quantity: qty, Status: st, CreatedAt: now.Add(-ago)}
}

func TestRevenue_OnlyDoneCounts(t *testing.T) {
	lookup := lookupOf(product("p1", 100), product("p2", 30))
	orders := []domain.Order{
		ord("1", "p1", 2, domain.OrderStatusDone, 0),
		ord("2", "p2", 1, domain.OrderStatusDone, 0),
		ord("3", "p1", 5, domain.OrderStatusDelivering, 0),
		ord("4", "p1", 5, domain.OrderStatusConfirmed, 0),
		ord("5", "p1", 5, domain.OrderStatusPending, 0),
		ord("6", "p1", 5, domain.OrderStatusCancelled, 0),
		ord("7", "gone", 9, domain.OrderStatusDone, 0),
	}
	got := Revenue(orders, lookup, DefaultOptions())
	assert.True(t, decimal.NewFromInt(230).Equal(got), "got %s", got)
}

func TestRevenue_ConfigurableStatuses(t *testing.T) {
	lookup := lookupOf(product("p1", 10))
	orders := []domain.Order{
		ord("1", "p1", 1, domain.OrderStatusDone, 0),
		ord("2", "p1", 1, domain.OrderStatusDelivering, 0),
	}
	opts := Options{RevenueStatuses: []domain.OrderStatus{domain.OrderStatusDone, domain.OrderStatusDelivering}}
	assert.True(t, decimal.NewFromInt(20).Equal(Revenue(orders, lookup, opts)))
	assert.True(t, decimal.NewFromInt(10).Equal(Revenue(orders, lookup, Options{})), "empty set falls back to done")
}

// Initialize [A:pending, B:done(100×2)] → 200; A becomes done(50×1) → 250;
// B deleted → 50.
func TestRevenue_FollowsOrderStore(t *testing.T) {
	store := orderstore.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	lookup := lookupOf(product("pa", 50), product("pb", 100))
	revenue := func() decimal.Decimal {
		return Revenue(store.Query(orderstore.Query{}), lookup, DefaultOptions())
	}

	a := ord("A", "pa", 1, domain.OrderStatusPending, time.Minute)
	b := ord("B", "pb", 2, domain.OrderStatusDone, 2*time.Minute)
	store.Initialize([]domain.Order{a, b})
	assert.Equal(t, "200", revenue().String())

	a.Status = domain.OrderStatusDone
	store.ApplyUpdated(a)
	assert.Equal(t, "250", revenue().String())

	store.ApplyDeleted("B")
	assert.Equal(t, "50", revenue().String())
}

func TestTopProducts(t *testing.T) {
	var ps []domain.Product
	var orders []domain.Order
	for i, price := range []int64{10, 60, 30, 50, 20, 40} {
		p := product(string(rune('a'+i)), price)
		ps = append(ps, p)
		orders = append(orders, ord("o"+p.ID, p.ID, 1, domain.OrderStatusDone, 0))
	}
	orders = append(orders,
		ord("x1", "a", 10, domain.OrderStatusDone, 0),    // a: 10 + 100
		ord("x2", "b", 10, domain.OrderStatusPending, 0), // ignored
		ord("x3", "missing", 1, domain.OrderStatusDone, 0),
	)

	top := TopProducts(orders, lookupOf(ps...), DefaultOptions(), TopProductsLimit)
	require.Len(t, top, 5)
	var got []string
	for _, s := range top {
		got = append(got, s.Product.ID)
	}
	assert.Equal(t, []string{"a", "b", "d", "f", "c"}, got)
	assert.Equal(t, 11, top[0].Quantity)
	assert.Equal(t, "110", top[0].Revenue.String())
}

func TestRange(t *testing.T) {
	r, err := ParseRange("")
	require.NoError(t, err)
	assert.Equal(t, Today, r)
	r, err = ParseRange(" Week ")
	require.NoError(t, err)
	assert.Equal(t, Week, r)
	_, err = ParseRange("year")
	assert.Error(t, err)

	startOfDay := time.Date(2025, 9, 28, 0, 0, 0, 0, time.UTC)
	assert.True(t, Today.Contains(startOfDay, now))
	assert.False(t, Today.Contains(startOfDay.Add(-time.Nanosecond), now))
	assert.True(t, Week.Contains(now.Add(-7*24*time.Hour), now))
	assert.False(t, Week.Contains(now.Add(-7*24*time.Hour-time.Second), now))
	assert.True(t, Month.Contains(now.Add(-29*24*time.Hour), now))
	assert.False(t, Month.Contains(now.Add(-31*24*time.Hour), now))
	assert.True(t, AllTime.Contains(time.Time{}, now))
}

func TestBuild(t *testing.T) {
	lookup := lookupOf(product("p1", 100), product("p2", 25))
	// three today (14:30, 13:30, 12:30), one two days ago, one outside a month
	orders := []domain.Order{
		ord("1", "p1", 1, domain.OrderStatusDone, time.Hour),
		ord("2", "p2", 2, domain.OrderStatusDone, 2*time.Hour),
		ord("3", "p1", 1, domain.OrderStatusPending, 3*time.Hour),
		ord("4", "p1", 3, domain.OrderStatusDone, 48*time.Hour),
		ord("5", "p1", 1, domain.OrderStatusCancelled, 40*24*time.Hour),
	}

	today := Build(orders, lookup, Today, fixedOptions())
	assert.Equal(t, 3, today.TotalOrders)
	assert.Equal(t, 2, today.CompletedOrders)
	assert.Equal(t, "150", today.Revenue.String())
	assert.Equal(t, "75", today.AverageOrderValue.String())
	assert.Equal(t, 2, today.ByStatus[domain.OrderStatusDone])
	assert.Equal(t, 0, today.ByStatus[domain.OrderStatusDelivering])
	assert.Equal(t, map[int]int{14: 1, 13: 1, 12: 1}, today.ByHour)
	require.Len(t, today.Recent, 5, "recent spans all orders")
	assert.Equal(t, "1", today.Recent[0].ID)

	month := Build(orders, lookup, Month, fixedOptions())
	assert.Equal(t, 4, month.TotalOrders)
	assert.Equal(t, "450", month.Revenue.String())
	assert.Nil(t, month.ByHour)

	empty := Build(nil, lookup, AllTime, fixedOptions())
	assert.True(t, empty.AverageOrderValue.IsZero())
	assert.Empty(t, empty.TopProducts)
}

func TestBuildDashboard(t *testing.T) {
	var orders []domain.Order
	for i := 0; i < 7; i++ {
		orders = append(orders, ord(string(rune('a'+i)), "p", 1, domain.OrderStatusPending, time.Duration(i)*time.Minute))
	}
	d := BuildDashboard(orders, 3)
	assert.Equal(t, 3, d.Products)
	assert.Equal(t, 7, d.Orders)
	assert.Equal(t, 7, d.ByStatus[domain.OrderStatusPending])
	assert.Len(t, d.ByStatus, len(domain.OrderStatuses))
	require.Len(t, d.Recent, DashboardRecent)
	assert.Equal(t, "a", d.Recent[0].ID)
}
