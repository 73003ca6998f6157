package repository

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"storefront/internal/domain"
)

// Needs a scratch database, e.g.
// STOREFRONT_TEST_DATABASE_URL=postgres://postgres@localhost:5432/storefront_test?sslmode=disable
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("STOREFRONT_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("STOREFRONT_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Skipf("PostgreSQL not available: %v", err)
	}
	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := db.ExecContext(ctx, `TRUNCATE orders, products`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPostgres_ProductAndOrderFlow(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	products := NewPostgresProducts(db)
	orders := NewPostgresOrders(db)
	tx := NewPostgresTx(db)

	p := domain.Product{
		Title:   "Thai Tea",
		Store:   "Corner Cafe",
		Price:   decimal.RequireFromString("45.50"),
		Status:  domain.ProductAvailable,
		Options: domain.ProductOptions{Sizes: []string{"S", "L"}},
	}
	if err := products.Create(ctx, &p); err != nil {
		t.Fatalf("create product: %v", err)
	}

	var o domain.Order
	err := tx.WithTransaction(ctx, func(ctx context.Context) error {
		if _, err := products.GetByID(ctx, p.ID); err != nil {
			return err
		}
		o = domain.Order{
			CustomerName:    "Somchai",
			CustomerContact: "081",
			ProductID:       p.ID,
			Quantity:        2,
			SelectedOptions: domain.SelectedOptions{Size: "L", Toppings: []string{"pearl"}},
			Status:          domain.OrderStatusPending,
		}
		return orders.Create(ctx, &o)
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}

	got, err := orders.GetByID(ctx, o.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.SelectedOptions.Size != "L" || len(got.SelectedOptions.Toppings) != 1 {
		t.Fatalf("options round trip: %+v", got.SelectedOptions)
	}

	got.Status = domain.OrderStatusDone
	if err := orders.Update(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	list, err := orders.List(ctx)
	if err != nil || len(list) != 1 || list[0].Status != domain.OrderStatusDone {
		t.Fatalf("list: %v %+v", err, list)
	}

	gp, err := products.GetByID(ctx, p.ID)
	if err != nil || !gp.Price.Equal(p.Price) || len(gp.Options.Sizes) != 2 {
		t.Fatalf("product round trip: %v %+v", err, gp)
	}

	if err := orders.Delete(ctx, o.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := orders.Delete(ctx, o.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPostgresTx_RollbackOnError(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	products := NewPostgresProducts(db)
	tx := NewPostgresTx(db)

	boom := errors.New("boom")
	err := tx.WithTransaction(ctx, func(ctx context.Context) error {
		p := domain.Product{Title: "Ghost", Price: decimal.NewFromInt(1), Status: domain.ProductAvailable}
		if err := products.Create(ctx, &p); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	list, err := products.List(ctx, ProductFilter{Query: "ghost"})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Fatalf("rolled back product still visible")
	}
}

func TestDBNow_MicrosecondAligned(t *testing.T) {
	for i := 0; i < 100; i++ {
		now := dbNow()
		if now.Nanosecond()%1000 != 0 {
			t.Fatalf("dbNow %v has sub-microsecond digits", now)
		}
		if now.Location() != time.UTC {
			t.Fatalf("dbNow location %v", now.Location())
		}
	}
}

func TestPostgres_WrittenOrderEqualsListed(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	products := NewPostgresProducts(db)
	orders := NewPostgresOrders(db)

	p := domain.Product{Title: "Cha Yen", Price: decimal.NewFromInt(40), Status: domain.ProductAvailable}
	if err := products.Create(ctx, &p); err != nil {
		t.Fatalf("create product: %v", err)
	}
	o := domain.Order{
		CustomerName:    "Malee",
		CustomerContact: "line:malee",
		ProductID:       p.ID,
		Quantity:        1,
		SelectedOptions: domain.SelectedOptions{Toppings: []string{"pearl"}},
		Status:          domain.OrderStatusPending,
	}
	if err := orders.Create(ctx, &o); err != nil {
		t.Fatalf("create order: %v", err)
	}
	list, err := orders.List(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %v %+v", err, list)
	}
	if !reflect.DeepEqual(o, list[0]) {
		t.Fatalf("created order differs from listed one:\n%+v\n%+v", o, list[0])
	}

	updated := list[0]
	updated.Status = domain.OrderStatusDone
	if err := orders.Update(ctx, &updated); err != nil {
		t.Fatalf("update: %v", err)
	}
	list, err = orders.List(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %v %+v", err, list)
	}
	if !reflect.DeepEqual(updated, list[0]) {
		t.Fatalf("updated order differs from listed one:\n%+v\n%+v", updated, list[0])
	}

	gp, err := products.GetByID(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !gp.CreatedAt.Equal(p.CreatedAt) {
		t.Fatalf("product created_at %v, stamped %v", gp.CreatedAt, p.CreatedAt)
	}
}
