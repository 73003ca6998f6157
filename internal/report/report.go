// Package report derives sales rollups from a set of orders. Only orders in
// a revenue status (done, unless configured otherwise) count toward money and
// top products; every other status contributes zero.
package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"storefront/internal/domain"
)

type Range string

const (
	Today   Range = "today"
	Week    Range = "week"
	Month   Range = "month"
	AllTime Range = "all"
)

// ParseRange accepts the four range names; empty means today.
func ParseRange(s string) (Range, error) {
	switch r := Range(strings.ToLower(strings.TrimSpace(s))); r {
	case "":
		return Today, nil
	case Today, Week, Month, AllTime:
		return r, nil
	}
	return "", fmt.Errorf("unknown report range %q", s)
}

// Contains reports whether an order created at t falls in the range ending
// at now. Today compares calendar days in now's location.
func (r Range) Contains(t, now time.Time) bool {
	switch r {
	case Today:
		t = t.In(now.Location())
		y1, m1, d1 := t.Date()
		y2, m2, d2 := now.Date()
		return y1 == y2 && m1 == m2 && d1 == d2
	case Week:
		return !t.Before(now.Add(-7 * 24 * time.Hour))
	case Month:
		return !t.Before(now.Add(-30 * 24 * time.Hour))
	case AllTime:
		return true
	}
	return false
}

// Lookup resolves a product id. ok=false means the product is unknown and
// its orders contribute nothing to money rollups.
type Lookup func(productID string) (domain.Product, bool)

type Options struct {
	RevenueStatuses []domain.OrderStatus
	Now             func() time.Time
}

func DefaultOptions() Options {
	return Options{RevenueStatuses: []domain.OrderStatus{domain.OrderStatusDone}, Now: time.Now}
}

func (o Options) counts(st domain.OrderStatus) bool {
	if len(o.RevenueStatuses) == 0 {
		return st.CountsTowardRevenue()
	}
	for _, s := range o.RevenueStatuses {
		if s == st {
			return true
		}
	}
	return false
}

func (o Options) now() time.Time {
	if o.Now == nil {
		return time.Now()
	}
	return o.Now()
}

func lineTotal(p domain.Product, qty int) decimal.Decimal {
	return p.Price.Mul(decimal.NewFromInt(int64(qty)))
}

// Revenue is Σ price × quantity over the orders in a revenue status.
func Revenue(orders []domain.Order, lookup Lookup, opts Options) decimal.Decimal {
	total := decimal.Zero
	for _, o := range orders {
		if !opts.counts(o.Status) {
			continue
		}
		if p, ok := lookup(o.ProductID); ok {
			total = total.Add(lineTotal(p, o.Quantity))
		}
	}
	return total
}

type ProductSales struct {
	Product  domain.Product  `json:"product"`
	Quantity int             `json:"quantity"`
	Revenue  decimal.Decimal `json:"revenue"`
}

// TopProducts ranks known products by revenue over revenue-status orders.
func TopProducts(orders []domain.Order, lookup Lookup, opts Options, n int) []ProductSales {
	byID := make(map[string]*ProductSales)
	for _, o := range orders {
		if !opts.counts(o.Status) {
			continue
		}
		p, ok := lookup(o.ProductID)
		if !ok {
			continue
		}
		ps, ok := byID[p.ID]
		if !ok {
			ps = &ProductSales{Product: p, Revenue: decimal.Zero}
			byID[p.ID] = ps
		}
		ps.Quantity += o.Quantity
		ps.Revenue = ps.Revenue.Add(lineTotal(p, o.Quantity))
	}

	out := make([]ProductSales, 0, len(byID))
	for _, ps := range byID {
		out = append(out, *ps)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Revenue.Cmp(out[j].Revenue); c != 0 {
			return c > 0
		}
		if out[i].Quantity != out[j].Quantity {
			return out[i].Quantity > out[j].Quantity
		}
		return out[i].Product.ID < out[j].Product.ID
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// CountByStatus always carries every status, zero when absent.
func CountByStatus(orders []domain.Order) map[domain.OrderStatus]int {
	out := make(map[domain.OrderStatus]int, len(domain.OrderStatuses))
	for _, st := range domain.OrderStatuses {
		out[st] = 0
	}
	for _, o := range orders {
		out[o.Status]++
	}
	return out
}

// CountByHour buckets orders by hour of day in loc.
func CountByHour(orders []domain.Order, loc *time.Location) map[int]int {
	out := make(map[int]int)
	for _, o := range orders {
		out[o.CreatedAt.In(loc).Hour()]++
	}
	return out
}

// Recent returns the n newest orders.
func Recent(orders []domain.Order, n int) []domain.Order {
	out := append([]domain.Order(nil), orders...)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

const (
	TopProductsLimit = 5
	RecentLimit      = 10
	DashboardRecent  = 5
)

// Summary is one report page. ByHour is filled for today and week only.
type Summary struct {
	Range             Range                      `json:"range"`
	TotalOrders       int                        `json:"total_orders"`
	Revenue           decimal.Decimal            `json:"revenue"`
	CompletedOrders   int                        `json:"completed_orders"`
	AverageOrderValue decimal.Decimal            `json:"average_order_value"`
	TopProducts       []ProductSales             `json:"top_products"`
	ByStatus          map[domain.OrderStatus]int `json:"by_status"`
	ByHour            map[int]int                `json:"by_hour,omitempty"`
	Recent            []domain.Order             `json:"recent"`
}

// Build computes the summary for rng. Recent activity spans all orders, not
// just the range.
func Build(orders []domain.Order, lookup Lookup, rng Range, opts Options) Summary {
	now := opts.now()
	inRange := make([]domain.Order, 0, len(orders))
	completed := 0
	for _, o := range orders {
		if !rng.Contains(o.CreatedAt, now) {
			continue
		}
		inRange = append(inRange, o)
		if opts.counts(o.Status) {
			completed++
		}
	}

	s := Summary{
		Range:             rng,
		TotalOrders:       len(inRange),
		Revenue:           Revenue(inRange, lookup, opts),
		CompletedOrders:   completed,
		AverageOrderValue: decimal.Zero,
		TopProducts:       TopProducts(inRange, lookup, opts, TopProductsLimit),
		ByStatus:          CountByStatus(inRange),
		Recent:            Recent(orders, RecentLimit),
	}
	if completed > 0 {
		s.AverageOrderValue = s.Revenue.Div(decimal.NewFromInt(int64(completed))).Round(2)
	}
	if rng == Today || rng == Week {
		s.ByHour = CountByHour(inRange, now.Location())
	}
	return s
}

type Dashboard struct {
	Products int                        `json:"products"`
	Orders   int                        `json:"orders"`
	ByStatus map[domain.OrderStatus]int `json:"by_status"`
	Recent   []domain.Order             `json:"recent"`
}

func BuildDashboard(orders []domain.Order, products int) Dashboard {
	return Dashboard{
		Products: products,
		Orders:   len(orders),
		ByStatus: CountByStatus(orders),
		Recent:   Recent(orders, DashboardRecent),
	}
}
