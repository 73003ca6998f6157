package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"storefront/internal/domain"
)

const (
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 5
	DefaultConnMaxLifetime = 5 * time.Minute
)

const schema = `
CREATE TABLE IF NOT EXISTS products (
	id          TEXT PRIMARY KEY,
	title       TEXT NOT NULL,
	store       TEXT NOT NULL DEFAULT '',
	price       NUMERIC(12,2) NOT NULL CHECK (price >= 0),
	image_url   TEXT NOT NULL DEFAULT '',
	note        TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	options     JSONB NOT NULL DEFAULT '{}',
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS orders (
	id               TEXT PRIMARY KEY,
	customer_name    TEXT NOT NULL,
	customer_contact TEXT NOT NULL,
	product_id       TEXT NOT NULL,
	quantity         INTEGER NOT NULL CHECK (quantity >= 1),
	selected_options JSONB NOT NULL DEFAULT '{}',
	note             TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS orders_created_at_idx ON orders (created_at DESC);
`

// OpenPostgres opens a pooled connection and checks it with a ping.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate creates the tables when they are missing.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlTxKey struct{}

func conn(ctx context.Context, db *sql.DB) querier {
	if tx, ok := ctx.Value(sqlTxKey{}).(*sql.Tx); ok {
		return tx
	}
	return db
}

// PostgresTx runs fn inside a database transaction carried by the context.
type PostgresTx struct{ db *sql.DB }

func NewPostgresTx(db *sql.DB) *PostgresTx { return &PostgresTx{db: db} }

func (t *PostgresTx) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := ctx.Value(sqlTxKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	return fn(context.WithValue(ctx, sqlTxKey{}, tx))
}

// dbNow is truncated to TIMESTAMPTZ precision: what Create stamps is what List
// reads back.
func dbNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// PostgresProducts ProductRepository на PostgreSQL
type PostgresProducts struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresProducts(db *sql.DB) *PostgresProducts {
	return &PostgresProducts{db: db, now: dbNow}
}

var _ ProductRepository = (*PostgresProducts)(nil)

const productColumns = `id, title, store, price, image_url, note, status, options, created_at, updated_at`

func (r *PostgresProducts) Create(ctx context.Context, p *domain.Product) error {
	opts, err := json.Marshal(p.Options)
	if err != nil {
		return err
	}
	p.ID = uuid.NewString()
	p.CreatedAt = r.now()
	p.UpdatedAt = p.CreatedAt
	_, err = conn(ctx, r.db).ExecContext(ctx,
		`INSERT INTO products (`+productColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		p.ID, p.Title, p.Store, p.Price, p.ImageURL, p.Note, string(p.Status), opts, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert product: %w", err)
	}
	return nil
}

func (r *PostgresProducts) GetByID(ctx context.Context, id string) (*domain.Product, error) {
	row := conn(ctx, r.db).QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PostgresProducts) Update(ctx context.Context, p *domain.Product) error {
	opts, err := json.Marshal(p.Options)
	if err != nil {
		return err
	}
	p.UpdatedAt = r.now()
	row := conn(ctx, r.db).QueryRowContext(ctx,
		`UPDATE products SET title=$2, store=$3, price=$4, image_url=$5, note=$6, status=$7, options=$8, updated_at=$9
		 WHERE id=$1 RETURNING created_at`,
		p.ID, p.Title, p.Store, p.Price, p.ImageURL, p.Note, string(p.Status), opts, p.UpdatedAt)
	if err := row.Scan(&p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("update product: %w", err)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return nil
}

func (r *PostgresProducts) Delete(ctx context.Context, id string) error {
	res, err := conn(ctx, r.db).ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete product: %w", err)
	}
	return expectOne(res)
}

func (r *PostgresProducts) List(ctx context.Context, f ProductFilter) ([]domain.Product, error) {
	q := `SELECT ` + productColumns + ` FROM products
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR title ILIKE '%' || $2 || '%' OR store ILIKE '%' || $2 || '%')
		ORDER BY created_at, id`
	rows, err := conn(ctx, r.db).QueryContext(ctx, q, string(f.Status), f.Query)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()
	out := make([]domain.Product, 0)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProduct(s scanner) (domain.Product, error) {
	var (
		p      domain.Product
		status string
		opts   []byte
	)
	if err := s.Scan(&p.ID, &p.Title, &p.Store, &p.Price, &p.ImageURL, &p.Note, &status, &opts, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return p, err
	}
	p.Status = domain.ProductStatus(status)
	if len(opts) > 0 {
		if err := json.Unmarshal(opts, &p.Options); err != nil {
			return p, fmt.Errorf("decode product options: %w", err)
		}
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

// PostgresOrders OrderRepository на PostgreSQL
type PostgresOrders struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresOrders(db *sql.DB) *PostgresOrders {
	return &PostgresOrders{db: db, now: dbNow}
}

var _ OrderRepository = (*PostgresOrders)(nil)

const orderColumns = `id, customer_name, customer_contact, product_id, quantity, selected_options, note, status, created_at, updated_at`

func (r *PostgresOrders) Create(ctx context.Context, o *domain.Order) error {
	opts, err := json.Marshal(o.SelectedOptions)
	if err != nil {
		return err
	}
	o.ID = uuid.NewString()
	o.CreatedAt = r.now()
	o.UpdatedAt = o.CreatedAt
	_, err = conn(ctx, r.db).ExecContext(ctx,
		`INSERT INTO orders (`+orderColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		o.ID, o.CustomerName, o.CustomerContact, o.ProductID, o.Quantity, opts, o.Note, string(o.Status), o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (r *PostgresOrders) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	row := conn(ctx, r.db).QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// Update persists the status only: the other fields are fixed after creation.
func (r *PostgresOrders) Update(ctx context.Context, o *domain.Order) error {
	o.UpdatedAt = r.now()
	row := conn(ctx, r.db).QueryRowContext(ctx,
		`UPDATE orders SET status=$2, updated_at=$3 WHERE id=$1 RETURNING created_at`,
		o.ID, string(o.Status), o.UpdatedAt)
	if err := row.Scan(&o.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("update order: %w", err)
	}
	o.CreatedAt = o.CreatedAt.UTC()
	return nil
}

func (r *PostgresOrders) Delete(ctx context.Context, id string) error {
	res, err := conn(ctx, r.db).ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete order: %w", err)
	}
	return expectOne(res)
}

func (r *PostgresOrders) List(ctx context.Context) ([]domain.Order, error) {
	rows, err := conn(ctx, r.db).QueryContext(ctx, `SELECT `+orderColumns+` FROM orders ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()
	out := make([]domain.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanOrder(s scanner) (domain.Order, error) {
	var (
		o      domain.Order
		status string
		opts   []byte
	)
	if err := s.Scan(&o.ID, &o.CustomerName, &o.CustomerContact, &o.ProductID, &o.Quantity, &opts, &o.Note, &status, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return o, err
	}
	o.Status = domain.OrderStatus(status)
	if len(opts) > 0 {
		if err := json.Unmarshal(opts, &o.SelectedOptions); err != nil {
			return o, fmt.Errorf("decode selected options: %w", err)
		}
	}
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return o, nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
