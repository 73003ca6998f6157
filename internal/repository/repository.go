package repository

import (
	"context"
	"strings"

	"storefront/internal/domain"
)

// ErrNotFound возвращается, когда сущность не найдена
var ErrNotFound = domain.ErrNotFound

// ProductFilter параметры фильтрации списка товаров
type ProductFilter struct {
	// Query matches title or store name, case-insensitive.
	Query  string
	Status domain.ProductStatus
}

func (f ProductFilter) match(p domain.Product) bool {
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if f.Query == "" {
		return true
	}
	return containsIgnoreCase(p.Title, f.Query) || containsIgnoreCase(p.Store, f.Query)
}

// ProductRepository интерфейс репозитория товаров
type ProductRepository interface {
	Create(ctx context.Context, p *domain.Product) error
	GetByID(ctx context.Context, id string) (*domain.Product, error)
	Update(ctx context.Context, p *domain.Product) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, f ProductFilter) ([]domain.Product, error)
}

// OrderRepository интерфейс репозитория заказов
type OrderRepository interface {
	Create(ctx context.Context, o *domain.Order) error
	GetByID(ctx context.Context, id string) (*domain.Order, error)
	Update(ctx context.Context, o *domain.Order) error
	Delete(ctx context.Context, id string) error
	// List returns every order, newest first.
	List(ctx context.Context) ([]domain.Order, error)
}

// TxManager абстракция транзакции. Для in-memory: глобальная блокировка записи.
type TxManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// helper: case-insensitive contains
func containsIgnoreCase(s, substr string) bool {
	if substr == "" {
		return true
	}
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// newest first, id breaks ties so every backend lists identically
func orderLess(a, b domain.Order) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}
